package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/scrapehook/internal/journal"
	"github.com/austindbirch/scrapehook/internal/metrics"
	"github.com/austindbirch/scrapehook/internal/task"
)

const maxDLQPeek = 500

type queueResponse struct {
	Main int64 `json:"main"`
	DLQ  int64 `json:"dlq"`
}

type dlqResponse struct {
	Count int         `json:"count"`
	Tasks []task.Task `json:"tasks"`
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.journal.Get(r.Context(), id)
	switch {
	case errors.Is(err, journal.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "task not found")
	case errors.Is(err, journal.ErrDisabled):
		respondError(w, r, http.StatusNotFound, "task journal is disabled")
	case err != nil:
		s.logger.WithContext(r.Context()).WithTask(id).WithError(err).Error("journal lookup failed")
		respondError(w, r, http.StatusInternalServerError, "journal lookup failed")
	default:
		respondJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	size, err := s.inspector.Size(ctx)
	if err != nil {
		metrics.RecordStoreError("size")
		respondError(w, r, http.StatusServiceUnavailable, "task store unavailable")
		return
	}
	dlq, err := s.inspector.DLQSize(ctx)
	if err != nil {
		metrics.RecordStoreError("dlq_size")
		respondError(w, r, http.StatusServiceUnavailable, "task store unavailable")
		return
	}
	metrics.UpdateQueueDepth("main", size)
	metrics.UpdateQueueDepth("dlq", dlq)
	respondJSON(w, http.StatusOK, queueResponse{Main: size, DLQ: dlq})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 || n > maxDLQPeek {
			respondError(w, r, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	tasks, err := s.inspector.PeekDLQ(r.Context(), limit)
	if err != nil {
		metrics.RecordStoreError("peek_dlq")
		respondError(w, r, http.StatusServiceUnavailable, "task store unavailable")
		return
	}
	for i := range tasks {
		tasks[i] = tasks[i].Redacted()
	}
	respondJSON(w, http.StatusOK, dlqResponse{Count: len(tasks), Tasks: tasks})
}

func (s *Server) handleJobTypes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"job_types": s.jobs.Types()})
}
