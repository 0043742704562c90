package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/austindbirch/scrapehook/internal/config"
	"github.com/austindbirch/scrapehook/internal/logging"
)

const maxKept = 100

// envelope covers both callback shapes: success carries data, failure
// carries detail and retries_attempted.
type envelope struct {
	Status           string          `json:"status"`
	TaskID           string          `json:"task_id"`
	Data             json.RawMessage `json:"data,omitempty"`
	Detail           string          `json:"detail,omitempty"`
	RetriesAttempted *int            `json:"retries_attempted,omitempty"`
}

type received struct {
	At       time.Time `json:"at"`
	TraceID  string    `json:"trace_id,omitempty"`
	Envelope envelope  `json:"envelope"`
}

// receiver is a local callback sink that can be made flaky or slow.
type receiver struct {
	failFirstN int
	delay      time.Duration
	logger     *logging.Logger

	mu       sync.Mutex
	reqCount int
	kept     []received
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	return &receiver{
		failFirstN: cfg.FailFirstN,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		logger:     logger,
	}
}

func main() {
	cfg := config.Load()
	logger := logging.New("fake-receiver")
	r := newReceiver(cfg.FakeReceiver, logger)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      r.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": r.failFirstN,
		"delay":        r.delay.String(),
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (r *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /hook", r.handleHook)
	mux.HandleFunc("GET /callbacks", r.handleList)
	return mux
}

func (r *receiver) handleHook(w http.ResponseWriter, req *http.Request) {
	b, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	defer req.Body.Close()
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var env envelope
	if err := json.Unmarshal(b, &env); err != nil || env.TaskID == "" || env.Status == "" {
		r.logger.Plain().WithField("body", truncate(string(b), 160)).Warn("malformed callback")
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	r.reqCount++
	n := r.reqCount
	fail := n <= r.failFirstN
	if !fail {
		r.kept = append(r.kept, received{At: time.Now().UTC(), TraceID: req.Header.Get("X-Trace-Id"), Envelope: env})
		if len(r.kept) > maxKept {
			r.kept = r.kept[len(r.kept)-maxKept:]
		}
	}
	r.mu.Unlock()

	log := r.logger.Plain().WithTask(env.TaskID).
		WithTraceID(req.Header.Get("X-Trace-Id")).
		WithField("status", env.Status)

	// Simulate flakiness: first N requests -> 500
	if fail {
		log.Warnf("FAILING (%d/%d)", n, r.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	if env.Status == "failed" {
		log.WithField("detail", env.Detail).Info("task failed callback")
	} else {
		log.WithField("data", truncate(string(env.Data), 160)).Info("task succeeded callback")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (r *receiver) handleList(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	out := make([]received, len(r.kept))
	copy(out, r.kept)
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
