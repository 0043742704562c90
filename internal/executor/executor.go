package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/austindbirch/scrapehook/internal/config"
)

var (
	ErrUnknownJobType = errors.New("unknown job type")
	ErrDuplicateType  = errors.New("job type already registered")
	ErrUnknownMode    = errors.New("unknown executor mode")
)

// Job is what an executor needs to run one attempt. The secret must not be logged.
type Job struct {
	TaskID   string
	JobType  string
	Identity string
	Secret   string
}

// Result is the executor's opaque JSON payload, forwarded to the callback as-is.
type Result = json.RawMessage

// Executor runs one attempt of a job. Any returned error counts as a failed attempt.
type Executor interface {
	Execute(ctx context.Context, job Job) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job Job) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, job Job) (Result, error) { return f(ctx, job) }

// JobError is a failure reported by the scraping service.
type JobError struct {
	JobType    string
	StatusCode int
	Detail     string
}

func (e *JobError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: scraper returned status %d", e.JobType, e.StatusCode)
	}
	return fmt.Sprintf("%s: scraper returned status %d: %s", e.JobType, e.StatusCode, e.Detail)
}

// Registry maps job type tags to executors. It is filled at startup and
// read concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{execs: make(map[string]Executor)}
}

// Register binds a tag. Tags are case-insensitive.
func (r *Registry) Register(jobType string, e Executor) error {
	key := normalize(jobType)
	if key == "" || e == nil {
		return fmt.Errorf("register %q: empty job type or nil executor", jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.execs[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, key)
	}
	r.execs[key] = e
	return nil
}

// Resolve returns the executor for a tag or ErrUnknownJobType.
func (r *Registry) Resolve(jobType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[normalize(jobType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	return e, nil
}

func (r *Registry) Has(jobType string) bool {
	_, err := r.Resolve(jobType)
	return err == nil
}

// Types lists registered tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.execs))
	for k := range r.execs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// FromConfig builds the registry for cfg.JobTypes using the configured mode.
func FromConfig(cfg config.Executor) (*Registry, error) {
	reg := NewRegistry()
	var flaky *Flaky
	for _, jt := range cfg.JobTypes {
		var e Executor
		switch cfg.Mode {
		case "remote", "":
			e = NewRemote(cfg.BaseURL, jt, cfg.Timeout)
		case "fake":
			if flaky == nil {
				flaky = NewFlaky(cfg.FailFirstN)
			}
			e = flaky
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
		}
		if err := reg.Register(jt, e); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
