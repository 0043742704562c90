package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/scrapehook/internal/task"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusSucceeded = "succeeded"
	StatusDead      = "dead"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrDisabled = errors.New("task journal disabled")
)

// DBTX is the subset of pgxpool.Pool the journal uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is the journal row for one task. Credentials are never stored.
type Record struct {
	TaskID      string     `json:"task_id"`
	JobType     string     `json:"job_type"`
	CallbackURL string     `json:"webhook_url"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	Retries     int        `json:"retries"`
	MaxRetries  int        `json:"max_retries"`
	LastError   string     `json:"last_error,omitempty"`
	RunID       string     `json:"run_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Journal records task status transitions in Postgres. It is an audit
// trail only; the Redis lists stay authoritative for task flow.
type Journal struct {
	db DBTX
}

func New(db DBTX) *Journal {
	return &Journal{db: db}
}

// Queued inserts the row at admission.
func (j *Journal) Queued(ctx context.Context, t *task.Task, runID string) error {
	_, err := j.db.Exec(ctx, `
		INSERT INTO scrapehook.tasks (task_id, job_type, callback_url, status, retries, max_retries, run_id)
		VALUES ($1, $2, $3, 'queued', $4, $5, NULLIF($6, ''))
		ON CONFLICT (task_id) DO NOTHING`,
		t.TaskID, t.JobType, t.CallbackURL, t.Retries, t.MaxRetries, runID)
	return wrap("queued", err)
}

// Started marks an attempt as running.
func (j *Journal) Started(ctx context.Context, t *task.Task, attempt int) error {
	_, err := j.db.Exec(ctx, `
		UPDATE scrapehook.tasks
		SET status='running', attempts=$2, updated_at=now()
		WHERE task_id=$1`,
		t.TaskID, attempt)
	return wrap("started", err)
}

func (j *Journal) Succeeded(ctx context.Context, t *task.Task) error {
	_, err := j.db.Exec(ctx, `
		UPDATE scrapehook.tasks
		SET status='succeeded', last_error=NULL, finished_at=now(), updated_at=now()
		WHERE task_id=$1`,
		t.TaskID)
	return wrap("succeeded", err)
}

// Retrying records a failed attempt that was re-enqueued.
func (j *Journal) Retrying(ctx context.Context, t *task.Task, lastErr string) error {
	_, err := j.db.Exec(ctx, `
		UPDATE scrapehook.tasks
		SET status='retrying', retries=$2, last_error=$3, updated_at=now()
		WHERE task_id=$1`,
		t.TaskID, t.Retries, lastErr)
	return wrap("retrying", err)
}

// Dead records the move to the dead-letter queue.
func (j *Journal) Dead(ctx context.Context, t *task.Task, lastErr string) error {
	_, err := j.db.Exec(ctx, `
		UPDATE scrapehook.tasks
		SET status='dead', retries=$2, last_error=$3, finished_at=now(), updated_at=now()
		WHERE task_id=$1`,
		t.TaskID, t.Retries, lastErr)
	return wrap("dead", err)
}

func (j *Journal) Get(ctx context.Context, taskID string) (*Record, error) {
	var (
		r       Record
		lastErr *string
		runID   *string
	)
	err := j.db.QueryRow(ctx, `
		SELECT task_id, job_type, callback_url, status, attempts, retries, max_retries,
		       last_error, run_id, created_at, updated_at, finished_at
		FROM scrapehook.tasks WHERE task_id=$1`, taskID).
		Scan(&r.TaskID, &r.JobType, &r.CallbackURL, &r.Status, &r.Attempts, &r.Retries, &r.MaxRetries,
			&lastErr, &runID, &r.CreatedAt, &r.UpdatedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get", err)
	}
	if lastErr != nil {
		r.LastError = *lastErr
	}
	if runID != nil {
		r.RunID = *runID
	}
	return &r, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("journal %s: %w", op, err)
}

// Nop is used when no database is configured.
type Nop struct{}

func (Nop) Queued(context.Context, *task.Task, string) error   { return nil }
func (Nop) Started(context.Context, *task.Task, int) error     { return nil }
func (Nop) Succeeded(context.Context, *task.Task) error        { return nil }
func (Nop) Retrying(context.Context, *task.Task, string) error { return nil }
func (Nop) Dead(context.Context, *task.Task, string) error     { return nil }
func (Nop) Get(context.Context, string) (*Record, error)       { return nil, ErrDisabled }
