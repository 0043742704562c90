package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Flaky is a local executor that fails the first N attempts of every task
// and then returns a canned payload. Used with EXECUTOR_MODE=fake.
type Flaky struct {
	failFirstN int

	mu    sync.Mutex
	calls map[string]int
}

func NewFlaky(failFirstN int) *Flaky {
	if failFirstN < 0 {
		failFirstN = 0
	}
	return &Flaky{failFirstN: failFirstN, calls: make(map[string]int)}
}

func (f *Flaky) Execute(ctx context.Context, job Job) (Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls[job.TaskID]++
	n := f.calls[job.TaskID]
	if n > f.failFirstN {
		delete(f.calls, job.TaskID)
	}
	f.mu.Unlock()

	if n <= f.failFirstN {
		return nil, fmt.Errorf("%s: simulated failure %d/%d", job.JobType, n, f.failFirstN)
	}
	return json.Marshal(map[string]any{
		"job_type": job.JobType,
		"username": job.Identity,
		"attempts": n,
	})
}

// pending returns how many attempts are tracked for a task that has not succeeded yet.
func (f *Flaky) pending(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[taskID]
}
