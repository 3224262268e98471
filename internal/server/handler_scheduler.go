package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/gowq/pkg/model"
)

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.scheduler.Status())
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Suspend()
	respondOK(w, RequestIDFromContext(r.Context()), s.scheduler.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Resume()
	respondOK(w, RequestIDFromContext(r.Context()), s.scheduler.Status())
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Wake()
	respondOK(w, RequestIDFromContext(r.Context()), map[string]string{"host": s.scheduler.Host()})
}

// handleSetTypeThreads overrides the thread limit of one type on this host.
// PUT /api/v1/scheduler/types/{type}/threads
func (s *Server) handleSetTypeThreads(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	typ := chi.URLParam(r, "type")

	var req struct {
		MaxThreads *int `json:"max_threads"`
	}
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	if req.MaxThreads != nil && *req.MaxThreads == 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid thread limit",
				model.FieldError{Field: "max_threads", Message: "must be positive, negative for unbounded, or null to clear"}))
		return
	}

	s.scheduler.SetTypeThreads(typ, req.MaxThreads)
	respondOK(w, reqID, s.scheduler.Status())
}

// handleResetOrphans runs orphan recovery for a host, usually one that
// stopped without draining.
// POST /api/v1/hosts/{host}/orphans/reset
func (s *Server) handleResetOrphans(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	host := chi.URLParam(r, "host")

	n, err := s.scheduler.RecoverOrphans(r.Context(), host)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	respondOK(w, reqID, map[string]any{"host": host, "recovered": n})
}
