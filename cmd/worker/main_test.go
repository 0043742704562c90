package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/scrapehook/internal/config"
	"github.com/austindbirch/scrapehook/internal/dispatch"
	"github.com/austindbirch/scrapehook/internal/executor"
	"github.com/austindbirch/scrapehook/internal/health"
	"github.com/austindbirch/scrapehook/internal/journal"
	"github.com/austindbirch/scrapehook/internal/logging"
	"github.com/austindbirch/scrapehook/internal/metrics"
	"github.com/austindbirch/scrapehook/internal/task"
)

type stubPublisher struct{ published []task.DeadLetter }

func (s *stubPublisher) PublishDeadLetter(_ context.Context, dl task.DeadLetter) error {
	s.published = append(s.published, dl)
	return nil
}

type memQueue struct {
	main []*task.Task
	dlq  []*task.Task
}

func (m *memQueue) Enqueue(_ context.Context, t *task.Task) error {
	m.main = append(m.main, t)
	return nil
}

func (m *memQueue) EnqueueDLQ(_ context.Context, t *task.Task) error {
	m.dlq = append(m.dlq, t)
	return nil
}

func (m *memQueue) Dequeue(context.Context) (*task.Task, error) {
	if len(m.main) == 0 {
		return nil, nil
	}
	t := m.main[0]
	m.main = m.main[1:]
	return t, nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, any) error { return nil }

func TestDispatcherOptionsWiresPublisher(t *testing.T) {
	logger := logging.NewWithWriter("test", io.Discard)
	pub := &stubPublisher{}

	registry := executor.NewRegistry()
	if err := registry.Register("cmf", executor.ExecutorFunc(func(context.Context, executor.Job) (executor.Result, error) {
		return nil, errors.New("portal down")
	})); err != nil {
		t.Fatal(err)
	}

	var slept []time.Duration
	opts := dispatcherOptions(2, config.Worker{PollInterval: time.Millisecond}, logger, journal.Nop{}, pub)
	opts = append(opts, dispatch.WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	q := &memQueue{}
	d := dispatch.New(q, registry, nopNotifier{}, opts...)

	tk := task.New("12345678-5", "pw", "http://cb.local", "cmf", task.WithMaxRetries(1))
	if got := d.Process(context.Background(), tk); got != dispatch.OutcomeDead {
		t.Fatalf("Process() = %v, want %v", got, dispatch.OutcomeDead)
	}
	if len(q.dlq) != 1 {
		t.Errorf("dlq length = %d, want 1", len(q.dlq))
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
	if pub.published[0].Task.Secret == "pw" {
		t.Error("published dead letter carries the secret")
	}
	if len(slept) != 0 {
		t.Errorf("slept %v before dead-lettering, want none", slept)
	}
}

func TestDispatcherOptionsWithoutPublisher(t *testing.T) {
	logger := logging.NewWithWriter("test", io.Discard)
	opts := dispatcherOptions(1, config.Worker{}, logger, journal.Nop{}, nil)
	// id, logger, journal, poll interval, executor timeout
	if len(opts) != 5 {
		t.Errorf("len(opts) = %d, want 5", len(opts))
	}
}

func TestOpsMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	metrics.RecordAdmitted("cmf")

	tests := []struct {
		name       string
		checks     map[string]health.Checker
		path       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "healthy",
			checks:     map[string]health.Checker{"redis": func(context.Context) error { return nil }},
			path:       "/healthz",
			wantStatus: http.StatusOK,
			wantBody:   `"ok":true`,
		},
		{
			name:       "redis down",
			checks:     map[string]health.Checker{"redis": func(context.Context) error { return errors.New("refused") }},
			path:       "/healthz",
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `"redis":"refused"`,
		},
		{
			name:       "metrics",
			path:       "/metrics",
			wantStatus: http.StatusOK,
			wantBody:   "scrapehook_tasks_admitted_total",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			opsMux(reg, tt.checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestServiceName(t *testing.T) {
	if serviceName != "scrapehook-worker" {
		t.Errorf("serviceName = %q", serviceName)
	}
}
