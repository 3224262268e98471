package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/gowq/pkg/model"
)

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var sub model.JobSubmission
	if !decodeBody(w, r, reqID, &sub) {
		return
	}
	job, err := s.service.SubmitJob(r.Context(), &sub)
	if err != nil {
		respondStoreError(w, reqID, "job", "", err)
		return
	}
	respondCreated(w, reqID, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		respondStoreError(w, reqID, "job", id, err)
		return
	}
	respondOK(w, reqID, job)
}

// handleTerminateJob terminates every incomplete work item of a job.
// Partial failures are reported with the count that did succeed.
// POST /api/v1/jobs/{id}/terminate
func (s *Server) handleTerminateJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		respondStoreError(w, reqID, "job", id, err)
		return
	}
	n, err := s.scheduler.TerminateJob(r.Context(), id)
	if err != nil {
		s.logger.Warn("terminate job", "job_id", id, "terminated", n, "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "terminated": n})
}

// handleRestartJob reruns the failed partitions of a restartable job.
// POST /api/v1/jobs/{id}/restart
func (s *Server) handleRestartJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	n, err := s.scheduler.RestartJob(r.Context(), id)
	if err != nil {
		respondStoreError(w, reqID, "job", id, err)
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "restarted": n})
}
