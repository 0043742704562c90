package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/scrapehook/internal/executor"
	"github.com/austindbirch/scrapehook/internal/logging"
	"github.com/austindbirch/scrapehook/internal/metrics"
	"github.com/austindbirch/scrapehook/internal/queue"
	"github.com/austindbirch/scrapehook/internal/task"
	"github.com/austindbirch/scrapehook/internal/tracing"
)

const DefaultPollInterval = time.Second

// Outcome is what happened to a task after one attempt.
type Outcome string

const (
	OutcomeSucceeded   Outcome = "success"
	OutcomeRetried     Outcome = "retry"
	OutcomeDead        Outcome = "dead"
	OutcomeInterrupted Outcome = "interrupted"
)

// Queue is the part of queue.Queue the dispatcher needs.
type Queue interface {
	Dequeue(ctx context.Context) (*task.Task, error)
	Enqueue(ctx context.Context, t *task.Task) error
	EnqueueDLQ(ctx context.Context, t *task.Task) error
}

type Resolver interface {
	Resolve(jobType string) (executor.Executor, error)
}

type Notifier interface {
	Notify(ctx context.Context, url string, payload any) error
}

// Journal receives status transitions. Errors are logged and otherwise ignored.
type Journal interface {
	Started(ctx context.Context, t *task.Task, attempt int) error
	Succeeded(ctx context.Context, t *task.Task) error
	Retrying(ctx context.Context, t *task.Task, lastErr string) error
	Dead(ctx context.Context, t *task.Task, lastErr string) error
}

// DeadLetterPublisher fans dead letters out beyond the Redis DLQ list.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl task.DeadLetter) error
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatcher is one consumer loop: dequeue, execute, then callback,
// re-enqueue after backoff, or dead-letter.
type Dispatcher struct {
	id       int
	queue    Queue
	registry Resolver
	notifier Notifier
	journal  Journal
	dlqPub   DeadLetterPublisher
	sleep    Sleeper
	logger   *logging.Logger

	pollInterval    time.Duration
	executorTimeout time.Duration
}

type Option func(*Dispatcher)

func WithID(id int) Option { return func(d *Dispatcher) { d.id = id } }

func WithJournal(j Journal) Option { return func(d *Dispatcher) { d.journal = j } }

func WithDeadLetterPublisher(p DeadLetterPublisher) Option {
	return func(d *Dispatcher) { d.dlqPub = p }
}

func WithSleeper(s Sleeper) Option { return func(d *Dispatcher) { d.sleep = s } }

func WithLogger(l *logging.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithPollInterval(p time.Duration) Option {
	return func(d *Dispatcher) {
		if p > 0 {
			d.pollInterval = p
		}
	}
}

// WithExecutorTimeout bounds each executor call. Zero means no deadline.
func WithExecutorTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.executorTimeout = t
		}
	}
}

func New(q Queue, r Resolver, n Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		id:           1,
		queue:        q,
		registry:     r,
		notifier:     n,
		journal:      nopJournal{},
		sleep:        SleepContext,
		logger:       logging.New("scrapehook-worker"),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run polls the queue until ctx is canceled. Store errors never stop the
// loop; it waits one poll interval and tries again.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.WithContext(ctx).WithWorker(d.id).
		WithField("poll_interval", d.pollInterval.String()).
		Info("dispatcher started")
	defer d.logger.WithContext(ctx).WithWorker(d.id).Info("dispatcher stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		t, err := d.queue.Dequeue(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case errors.Is(err, queue.ErrCorruptTask):
			metrics.RecordStoreError("decode")
			d.logger.WithContext(ctx).WithWorker(d.id).WithError(err).Error("dropping undecodable task record")
			continue
		case err != nil:
			metrics.RecordStoreError("dequeue")
			d.logger.WithContext(ctx).WithWorker(d.id).WithError(err).Error("dequeue failed")
		case t != nil:
			d.Process(ctx, t)
			continue
		}

		if err := d.sleep(ctx, d.pollInterval); err != nil {
			return nil
		}
	}
}

// Process runs one attempt of t and applies the retry policy.
func (d *Dispatcher) Process(ctx context.Context, t *task.Task) Outcome {
	ctx = tracing.Extract(ctx, t.TraceHeaders)
	attempt := t.Retries + 1
	ctx, span := tracing.StartSpan(ctx, "worker.attempt",
		attribute.String("task_id", t.TaskID),
		attribute.String("job_type", t.JobType),
		attribute.Int("attempt", attempt),
		attribute.Int("max_retries", t.MaxRetries),
	)
	defer span.End()

	log := func() *logging.LogEntry {
		return d.logger.WithContext(ctx).WithWorker(d.id).WithTask(t.TaskID).WithJobType(t.JobType)
	}
	log().WithFields(map[string]any{"attempt": attempt, "max_retries": t.MaxRetries}).Info("processing task")
	d.journalErr(ctx, t, "started", d.journal.Started(ctx, t, attempt))

	start := time.Now()
	result, execErr := d.execute(ctx, t)
	elapsed := time.Since(start)

	// Once the attempt has finished its outcome is recorded even if shutdown
	// began meanwhile.
	bg := context.WithoutCancel(ctx)

	if execErr == nil {
		metrics.RecordAttempt(t.JobType, string(OutcomeSucceeded), elapsed)
		tracing.AddSpanEvent(ctx, "task.succeeded")
		span.SetAttributes(attribute.String("task.final_status", string(OutcomeSucceeded)))

		cbErr := d.notifier.Notify(bg, t.CallbackURL, task.NewSuccessEnvelope(t.TaskID, result))
		d.callbackDone(bg, t, task.StatusSuccess, cbErr)
		d.journalErr(bg, t, "succeeded", d.journal.Succeeded(bg, t))
		log().WithField("duration_ms", elapsed.Milliseconds()).Info("task completed")
		return OutcomeSucceeded
	}

	tracing.SetSpanError(ctx, execErr)

	// Shutdown mid-attempt is not the job's fault: put the task back as it was.
	if ctx.Err() != nil {
		if err := d.queue.Enqueue(bg, t); err != nil {
			d.storeErr(bg, t, "enqueue", err)
		}
		log().WithError(execErr).Warn("attempt interrupted by shutdown, task re-enqueued")
		return OutcomeInterrupted
	}

	t.RecordFailure()
	detail := execErr.Error()

	if !t.Exhausted() {
		delay := t.Backoff()
		metrics.RecordAttempt(t.JobType, string(OutcomeRetried), elapsed)
		metrics.RecordRetry(t.JobType)
		tracing.AddSpanEvent(ctx, "task.requeue",
			attribute.Int("retries", t.Retries),
			attribute.String("delay", delay.String()),
		)
		span.SetAttributes(attribute.String("task.final_status", string(OutcomeRetried)))
		log().WithError(execErr).WithFields(map[string]any{
			"retries":      t.Retries,
			"retries_left": t.MaxRetries - t.Retries,
			"delay":        delay.String(),
		}).Warn("attempt failed, retrying")
		d.journalErr(bg, t, "retrying", d.journal.Retrying(bg, t, detail))

		// The task is only in memory during the backoff; a shutdown here still re-enqueues it.
		enqCtx := ctx
		if err := d.sleep(ctx, delay); err != nil {
			enqCtx = bg
		}
		if err := d.queue.Enqueue(enqCtx, t); err != nil {
			d.storeErr(enqCtx, t, "enqueue", err)
		}
		return OutcomeRetried
	}

	metrics.RecordAttempt(t.JobType, string(OutcomeDead), elapsed)
	tracing.AddSpanEvent(ctx, "task.dlq", attribute.Int("retries", t.Retries))
	span.SetAttributes(attribute.String("task.final_status", string(OutcomeDead)))
	log().WithError(execErr).WithField("retries", t.Retries).Error("retries exhausted, moving task to DLQ")

	cbErr := d.notifier.Notify(bg, t.CallbackURL, task.NewFailureEnvelope(t, detail))
	d.callbackDone(bg, t, task.StatusFailed, cbErr)

	if err := d.queue.EnqueueDLQ(bg, t); err != nil {
		d.storeErr(bg, t, "enqueue_dlq", err)
	} else {
		metrics.RecordDLQ(t.JobType)
	}
	d.journalErr(bg, t, "dead", d.journal.Dead(bg, t, detail))

	if d.dlqPub != nil {
		dl := task.NewDeadLetter(*t, detail, fmt.Sprintf("max retries reached (%d)", t.MaxRetries))
		if err := d.dlqPub.PublishDeadLetter(bg, dl); err != nil {
			tracing.SetSpanError(ctx, err)
			log().WithError(err).Error("dlq publish failed")
		} else {
			tracing.AddSpanEvent(ctx, "nsq.published_dlq")
		}
	}
	return OutcomeDead
}

// execute resolves the executor and runs it, turning panics into errors.
func (d *Dispatcher) execute(ctx context.Context, t *task.Task) (result executor.Result, err error) {
	exec, err := d.registry.Resolve(t.JobType)
	if err != nil {
		return nil, err
	}
	if d.executorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.executorTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithContext(ctx).WithTask(t.TaskID).
				WithField("stack", string(debug.Stack())).
				Errorf("executor panic: %v", r)
			result, err = nil, fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec.Execute(ctx, executor.Job{
		TaskID:   t.TaskID,
		JobType:  t.JobType,
		Identity: t.Identity,
		Secret:   t.Secret,
	})
}

func (d *Dispatcher) callbackDone(ctx context.Context, t *task.Task, status string, err error) {
	metrics.RecordCallback(status, err)
	if err != nil {
		d.logger.WithContext(ctx).WithTask(t.TaskID).WithError(err).
			WithField("status", status).Warn("callback delivery failed")
	}
}

func (d *Dispatcher) storeErr(ctx context.Context, t *task.Task, op string, err error) {
	metrics.RecordStoreError(op)
	tracing.SetSpanError(ctx, err)
	d.logger.WithContext(ctx).WithTask(t.TaskID).WithJobType(t.JobType).WithError(err).
		WithField("op", op).Error("store write failed, task lost")
}

func (d *Dispatcher) journalErr(ctx context.Context, t *task.Task, op string, err error) {
	if err != nil {
		d.logger.WithContext(ctx).WithTask(t.TaskID).WithError(err).WithField("op", op).Warn("journal write failed")
	}
}

type nopJournal struct{}

func (nopJournal) Started(context.Context, *task.Task, int) error     { return nil }
func (nopJournal) Succeeded(context.Context, *task.Task) error        { return nil }
func (nopJournal) Retrying(context.Context, *task.Task, string) error { return nil }
func (nopJournal) Dead(context.Context, *task.Task, string) error     { return nil }
