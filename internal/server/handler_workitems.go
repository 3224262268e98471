package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/me/gowq/pkg/model"
)

func (s *Server) handleSubmitWorkItem(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var item model.WorkItem
	if !decodeBody(w, r, reqID, &item) {
		return
	}
	out, err := s.service.SubmitWorkItem(r.Context(), &item)
	if err != nil {
		respondStoreError(w, reqID, "work item", item.ID, err)
		return
	}
	respondCreated(w, reqID, out)
}

// handleListWorkItems lists work items, optionally filtered by job, type or
// host.
// GET /api/v1/workitems?job_id=&type=&host=&limit=
func (s *Server) handleListWorkItems(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	q := r.URL.Query()

	f := model.WorkItemFilter{
		JobID: q.Get("job_id"),
		Type:  q.Get("type"),
		Host:  q.Get("host"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid query", model.FieldError{Field: "limit", Message: "must be a non-negative integer"}))
			return
		}
		f.Limit = n
	}

	items, err := s.store.ListWorkItems(r.Context(), f)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if items == nil {
		items = []*model.WorkItem{}
	}
	respondOK(w, reqID, items)
}

func (s *Server) handleGetWorkItem(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	item, err := s.store.GetWorkItem(r.Context(), id)
	if err != nil {
		respondStoreError(w, reqID, "work item", id, err)
		return
	}
	respondOK(w, reqID, item)
}

func (s *Server) handleTerminateWorkItem(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.scheduler.TerminateWorkItem(r.Context(), id); err != nil {
		respondStoreError(w, reqID, "work item", id, err)
		return
	}
	respondOK(w, reqID, map[string]string{"id": id, "status": "terminate requested"})
}
