package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/scrapehook/internal/task"
)

const (
	DefaultName    = "cmf_tasks"
	DefaultDLQName = "cmf_dlq"
)

// ErrCorruptTask is returned by Dequeue when the popped record does not
// decode. The record is gone from the list at that point.
var ErrCorruptTask = errors.New("corrupt task record")

// Queue is a FIFO of serialized tasks on a Redis list, plus a dead-letter
// list with the same record shape. Dequeue pops destructively: once a task
// is returned the queue keeps no record of it.
type Queue struct {
	rdb  redis.Cmdable
	name string
	dlq  string
}

func New(rdb redis.Cmdable, name, dlqName string) *Queue {
	if name == "" {
		name = DefaultName
	}
	if dlqName == "" {
		dlqName = DefaultDLQName
	}
	return &Queue{rdb: rdb, name: name, dlq: dlqName}
}

func (q *Queue) Name() string    { return q.name }
func (q *Queue) DLQName() string { return q.dlq }

// Enqueue appends the task to the tail of the main list.
func (q *Queue) Enqueue(ctx context.Context, t *task.Task) error {
	return q.push(ctx, q.name, t)
}

// Submit admits a new task. It validates the task before it reaches the
// list so the worker never sees a record it cannot schedule.
func (q *Queue) Submit(ctx context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return q.Enqueue(ctx, t)
}

// EnqueueDLQ appends the task to the tail of the dead-letter list.
func (q *Queue) EnqueueDLQ(ctx context.Context, t *task.Task) error {
	return q.push(ctx, q.dlq, t)
}

func (q *Queue) push(ctx context.Context, list string, t *task.Task) error {
	b, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.TaskID, err)
	}
	if err := q.rdb.RPush(ctx, list, b).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", list, err)
	}
	return nil
}

// Dequeue pops the head of the main list. It returns (nil, nil) when the
// list is empty.
func (q *Queue) Dequeue(ctx context.Context) (*task.Task, error) {
	b, err := q.rdb.LPop(ctx, q.name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lpop %s: %w", q.name, err)
	}
	t, err := task.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTask, err)
	}
	return t, nil
}

// Size is the length of the main list.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.length(ctx, q.name)
}

// DLQSize is the length of the dead-letter list.
func (q *Queue) DLQSize(ctx context.Context) (int64, error) {
	return q.length(ctx, q.dlq)
}

func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	n, err := q.Size(ctx)
	return n == 0, err
}

func (q *Queue) length(ctx context.Context, list string) (int64, error) {
	n, err := q.rdb.LLen(ctx, list).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", list, err)
	}
	return n, nil
}

// PeekDLQ returns up to limit dead-lettered tasks, oldest first, with
// secrets redacted. Records that fail to decode are skipped.
func (q *Queue) PeekDLQ(ctx context.Context, limit int64) ([]task.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := q.rdb.LRange(ctx, q.dlq, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", q.dlq, err)
	}
	out := make([]task.Task, 0, len(raw))
	for _, r := range raw {
		t, err := task.Unmarshal([]byte(r))
		if err != nil {
			continue
		}
		out = append(out, t.Redacted())
	}
	return out, nil
}
