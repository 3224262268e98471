package server

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/me/gowq/internal/scheduler"
	"github.com/me/gowq/pkg/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Host      string `json:"host"`
	Scheduler string `json:"scheduler"`
	Store     string `json:"store"`
	Running   int    `json:"running"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	st := s.scheduler.Status()
	schedState := "running"
	if st.Suspended {
		schedState = "suspended"
	} else if st.LastCycle == nil {
		schedState = "not_started"
	}

	storeState := "ok"
	status := "healthy"
	if _, err := s.store.ListWorkItems(r.Context(), model.WorkItemFilter{Limit: 1}); err != nil {
		storeState = err.Error()
		status = "degraded"
	}

	respondOK(w, reqID, healthResponse{
		Status:    status,
		Version:   s.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Host:      st.Host,
		Scheduler: schedState,
		Store:     storeState,
		Running:   st.Running,
	})
}

// handlePing waits for the next scheduler heartbeat.
// GET /api/v1/ping
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), s.pingWait)
	defer cancel()

	start := time.Now()
	if err := s.scheduler.Ping(ctx); err != nil {
		if errors.Is(err, scheduler.ErrPingTimeout) {
			respondError(w, reqID, http.StatusRequestTimeout, &model.APIError{Code: model.ErrTimeout, Message: err.Error()})
			return
		}
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	respondOK(w, reqID, map[string]any{
		"host":    s.scheduler.Host(),
		"elapsed": time.Since(start).String(),
	})
}
