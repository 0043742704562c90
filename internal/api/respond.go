package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/scrapehook/internal/tracing"
)

type errorResponse struct {
	Detail    string `json:"detail"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	respondJSON(w, status, errorResponse{
		Detail:    detail,
		RequestID: middleware.GetReqID(r.Context()),
		TraceID:   tracing.GetTraceID(r.Context()),
	})
}
