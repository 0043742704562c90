package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksAdmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapehook_tasks_admitted_total",
			Help: "Total number of tasks accepted onto the queue.",
		},
		[]string{"job_type"},
	)

	TasksRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapehook_tasks_rejected_total",
			Help: "Total number of submissions rejected at admission.",
		},
		[]string{"reason"}, // duplicate, invalid, unknown_job_type, rate_limited, store_error
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapehook_attempts_total",
			Help: "Total number of executor attempts by outcome.",
		},
		[]string{"job_type", "outcome"}, // success, retry, dead
	)

	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrapehook_attempt_duration_seconds",
			Help:    "Executor attempt duration in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"job_type"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapehook_retries_total",
			Help: "Total number of tasks re-enqueued after a failed attempt.",
		},
		[]string{"job_type"},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapehook_dlq_total",
			Help: "Total number of tasks moved to the dead-letter queue.",
		},
		[]string{"job_type"},
	)

	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapehook_callbacks_total",
			Help: "Total number of outcome callbacks by envelope status and delivery result.",
		},
		[]string{"status", "result"}, // result: ok, error
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scrapehook_queue_depth",
			Help: "Current length of the task lists.",
		},
		[]string{"queue"}, // main, dlq
	)

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapehook_store_errors_total",
			Help: "Total number of failed store operations.",
		},
		[]string{"op"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		TasksAdmittedTotal,
		TasksRejectedTotal,
		AttemptsTotal,
		AttemptDuration,
		RetriesTotal,
		DLQTotal,
		CallbacksTotal,
		QueueDepth,
		StoreErrorsTotal,
	)
}

// RecordAdmitted records a task accepted onto the queue
func RecordAdmitted(jobType string) {
	TasksAdmittedTotal.WithLabelValues(jobType).Inc()
}

// RecordRejected records a submission turned away at admission
func RecordRejected(reason string) {
	TasksRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordAttempt records one executor attempt and its duration
func RecordAttempt(jobType, outcome string, d time.Duration) {
	AttemptsTotal.WithLabelValues(jobType, outcome).Inc()
	AttemptDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func RecordRetry(jobType string) {
	RetriesTotal.WithLabelValues(jobType).Inc()
}

func RecordDLQ(jobType string) {
	DLQTotal.WithLabelValues(jobType).Inc()
}

// RecordCallback records a callback delivery; err == nil counts as ok
func RecordCallback(status string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	CallbacksTotal.WithLabelValues(status, result).Inc()
}

// UpdateQueueDepth sets the sampled length of a list
func UpdateQueueDepth(queue string, depth int64) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func RecordStoreError(op string) {
	StoreErrorsTotal.WithLabelValues(op).Inc()
}
