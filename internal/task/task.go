package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is the retry ceiling given to tasks that don't set one.
const DefaultMaxRetries = 3

var (
	ErrMissingID       = errors.New("task_id is required")
	ErrMissingIdentity = errors.New("username is required")
	ErrMissingCallback = errors.New("webhook_url is required")
	ErrMissingJobType  = errors.New("scraper_type is required")
	ErrRetryBounds     = errors.New("retries out of bounds")
)

// Task is one queued extraction job. It is mutated in place by the worker
// (Retries only) and re-serialized when it goes back on a queue.
type Task struct {
	TaskID       string            `json:"task_id"`
	Identity     string            `json:"username"`
	Secret       string            `json:"password"`
	CallbackURL  string            `json:"webhook_url"`
	JobType      string            `json:"scraper_type"`
	Result       any               `json:"data,omitempty"`
	Retries      int               `json:"retries"`
	MaxRetries   int               `json:"max_retries"`
	EnqueuedAt   string            `json:"enqueued_at,omitempty"`   // RFC3339, set on admission
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// Option customizes a task at creation.
type Option func(*Task)

// WithMaxRetries overrides the retry ceiling. Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(t *Task) {
		if n >= 1 {
			t.MaxRetries = n
		}
	}
}

// WithTraceHeaders attaches trace propagation headers captured at admission.
func WithTraceHeaders(h map[string]string) Option {
	return func(t *Task) {
		if len(h) > 0 {
			t.TraceHeaders = h
		}
	}
}

// New creates a task with a fresh id and zero retries.
func New(identity, secret, callbackURL, jobType string, opts ...Option) *Task {
	t := &Task{
		TaskID:      uuid.NewString(),
		Identity:    identity,
		Secret:      secret,
		CallbackURL: callbackURL,
		JobType:     jobType,
		MaxRetries:  DefaultMaxRetries,
		EnqueuedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Validate checks the fields every queued task must carry.
func (t *Task) Validate() error {
	switch {
	case t.TaskID == "":
		return ErrMissingID
	case t.Identity == "":
		return ErrMissingIdentity
	case t.CallbackURL == "":
		return ErrMissingCallback
	case t.JobType == "":
		return ErrMissingJobType
	case t.Retries < 0 || t.MaxRetries < 1 || t.Retries > t.MaxRetries:
		return fmt.Errorf("%w: retries=%d max_retries=%d", ErrRetryBounds, t.Retries, t.MaxRetries)
	}
	return nil
}

// RecordFailure counts one failed attempt.
func (t *Task) RecordFailure() {
	t.Retries++
}

// Exhausted reports whether the retry budget is spent.
func (t *Task) Exhausted() bool {
	return t.Retries >= t.MaxRetries
}

// Backoff is the delay before the next attempt: 2^Retries seconds.
func (t *Task) Backoff() time.Duration {
	if t.Retries <= 0 {
		return time.Second
	}
	return time.Duration(1<<uint(t.Retries)) * time.Second
}

// Redacted returns a copy safe to show to operators or write outside the queue.
func (t Task) Redacted() Task {
	if t.Secret != "" {
		t.Secret = "[REDACTED]"
	}
	t.Result = nil
	return t
}

// Marshal serializes the task into its queue record form.
func (t *Task) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// Unmarshal decodes a queue record.
func Unmarshal(b []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
