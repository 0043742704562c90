package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/scrapehook/internal/executor"
	"github.com/austindbirch/scrapehook/internal/logging"
	"github.com/austindbirch/scrapehook/internal/metrics"
	"github.com/austindbirch/scrapehook/internal/rut"
	"github.com/austindbirch/scrapehook/internal/task"
	"github.com/austindbirch/scrapehook/internal/tracing"
)

const maxBodyBytes = 64 << 10

type submitResponse struct {
	Status  string `json:"status"`
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	jobType := strings.ToLower(chi.URLParam(r, "job_type"))

	ctx, span := tracing.StartSpan(r.Context(), "api.submit", attribute.String("job_type", jobType))
	defer span.End()
	log := s.logger.WithContext(ctx).WithJobType(jobType)

	if !s.jobs.Has(jobType) {
		err := fmt.Errorf("%w: %q", executor.ErrUnknownJobType, jobType)
		metrics.RecordRejected("unknown_job_type")
		tracing.SetSpanError(ctx, err)
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		metrics.RecordRejected("invalid")
		respondError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		metrics.RecordRejected("invalid")
		respondError(w, r, http.StatusUnprocessableEntity, validationDetail(err))
		return
	}

	// "12.345.678-5" and "12345678-5" are the same identity.
	identity := rut.Normalize(req.Username)

	dup, err := s.dedup.IsDuplicate(ctx, identity, req.WebhookURL)
	if err != nil {
		s.storeFailure(w, r, log, "dedup_check", err)
		return
	}
	if dup {
		metrics.RecordRejected("duplicate")
		tracing.AddSpanEvent(ctx, "duplicate")
		log.Info("duplicate task rejected")
		respondJSON(w, http.StatusOK, submitResponse{
			Status:  "rejected",
			Message: fmt.Sprintf("Duplicate task detected within the last %s.", window(s.dedup.TTL())),
		})
		return
	}

	t := task.New(identity, req.Password, req.WebhookURL, jobType,
		task.WithMaxRetries(s.maxRetries),
		task.WithTraceHeaders(tracing.Inject(ctx)),
	)
	span.SetAttributes(attribute.String("task_id", t.TaskID))
	log = log.WithTask(t.TaskID)

	if err := s.admitter.Submit(ctx, t); err != nil {
		if errors.Is(err, task.ErrMissingIdentity) || errors.Is(err, task.ErrMissingCallback) {
			metrics.RecordRejected("invalid")
			respondError(w, r, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.storeFailure(w, r, log, "enqueue", err)
		return
	}

	// The task is queued at this point; a failed mark only widens the dedup race.
	if err := s.dedup.MarkAsProcessed(ctx, identity, req.WebhookURL); err != nil {
		metrics.RecordStoreError("dedup_mark")
		log.WithError(err).Warn("failed to mark task as processed")
	}
	if err := s.journal.Queued(ctx, t, logging.RunIDFromContext(ctx)); err != nil {
		log.WithError(err).Warn("journal write failed")
	}

	metrics.RecordAdmitted(jobType)
	log.Info("task enqueued")
	respondJSON(w, http.StatusAccepted, submitResponse{
		Status:  "accepted",
		TaskID:  t.TaskID,
		Message: strings.ToUpper(jobType) + " scraping task enqueued successfully",
	})
}

func (s *Server) storeFailure(w http.ResponseWriter, r *http.Request, log *logging.LogEntry, op string, err error) {
	metrics.RecordStoreError(op)
	metrics.RecordRejected("store_error")
	tracing.SetSpanError(r.Context(), err)
	log.WithError(err).WithField("op", op).Error("store unavailable")
	respondError(w, r, http.StatusServiceUnavailable, "task store unavailable")
}

// window renders a dedup TTL for humans: "5 minutes", "90 seconds".
func window(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		if m := int(d / time.Minute); m != 1 {
			return fmt.Sprintf("%d minutes", m)
		}
		return "1 minute"
	case d > 0:
		return fmt.Sprintf("%d seconds", int(d.Round(time.Second)/time.Second))
	default:
		return "deduplication window"
	}
}
