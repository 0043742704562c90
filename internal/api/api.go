package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/austindbirch/scrapehook/internal/auth"
	"github.com/austindbirch/scrapehook/internal/health"
	"github.com/austindbirch/scrapehook/internal/journal"
	"github.com/austindbirch/scrapehook/internal/logging"
	"github.com/austindbirch/scrapehook/internal/metrics"
	"github.com/austindbirch/scrapehook/internal/ratelimit"
	"github.com/austindbirch/scrapehook/internal/task"
)

// Deduplicator is the admission filter. Check and mark are separate calls.
type Deduplicator interface {
	IsDuplicate(ctx context.Context, identity, callbackURL string) (bool, error)
	MarkAsProcessed(ctx context.Context, identity, callbackURL string) error
	TTL() time.Duration
}

// Admitter places a new task on the work queue.
type Admitter interface {
	Submit(ctx context.Context, t *task.Task) error
}

// Inspector gives read-only access to the queue lists.
type Inspector interface {
	Size(ctx context.Context) (int64, error)
	DLQSize(ctx context.Context) (int64, error)
	PeekDLQ(ctx context.Context, limit int64) ([]task.Task, error)
}

// JobTypes reports which executor tags are registered.
type JobTypes interface {
	Has(jobType string) bool
	Types() []string
}

type Journal interface {
	Queued(ctx context.Context, t *task.Task, runID string) error
	Get(ctx context.Context, taskID string) (*journal.Record, error)
}

// Server is the admission HTTP API.
type Server struct {
	dedup      Deduplicator
	admitter   Admitter
	inspector  Inspector
	jobs       JobTypes
	journal    Journal
	logger     *logging.Logger
	validate   *validator.Validate
	maxRetries int
	runID      string

	limiter *ratelimit.FixedWindow
	auth    *auth.JWTValidator
	checks  map[string]health.Checker
	metrics http.Handler
}

type Option func(*Server)

func WithJournal(j Journal) Option { return func(s *Server) { s.journal = j } }

func WithLogger(l *logging.Logger) Option { return func(s *Server) { s.logger = l } }

// WithRunID stamps every request context with the process run ID.
func WithRunID(id string) Option { return func(s *Server) { s.runID = id } }

// WithMaxRetries sets the retry ceiling given to admitted tasks. Every
// task gets at least one attempt's budget, so values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(s *Server) {
		if n >= 1 {
			s.maxRetries = n
		}
	}
}

// WithRateLimiter limits submissions per client IP.
func WithRateLimiter(l *ratelimit.FixedWindow) Option { return func(s *Server) { s.limiter = l } }

// WithAuth requires a bearer token on /async and /v1 routes.
func WithAuth(v *auth.JWTValidator) Option { return func(s *Server) { s.auth = v } }

func WithHealthChecks(c map[string]health.Checker) Option { return func(s *Server) { s.checks = c } }

func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// New creates the API server. q is usually a *queue.Queue, which both
// admits and inspects.
func New(d Deduplicator, a Admitter, i Inspector, jobs JobTypes, opts ...Option) *Server {
	s := &Server{
		dedup:      d,
		admitter:   a,
		inspector:  i,
		jobs:       jobs,
		journal:    journal.Nop{},
		logger:     logging.New("api"),
		validate:   newValidator(),
		maxRetries: task.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.runID != "" {
		r.Use(s.withRunID)
	}

	r.Get("/healthz", health.HTTPHandler(s.checks))
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.HTTPMiddleware)
		}

		r.Route("/async/scrape", func(r chi.Router) {
			if s.limiter != nil {
				r.Use(ratelimit.Middleware(s.limiter, ratelimit.ClientIP, func(*http.Request) {
					metrics.RecordRejected("rate_limited")
				}))
			}
			r.Post("/{job_type}", s.handleSubmit)
		})

		r.Route("/v1", func(r chi.Router) {
			r.Get("/tasks/{id}", s.handleTaskStatus)
			r.Get("/queue", s.handleQueue)
			r.Get("/dlq", s.handleDLQ)
			r.Get("/job-types", s.handleJobTypes)
		})
	})

	return r
}

func (s *Server) withRunID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRunID(r.Context(), s.runID)))
	})
}
