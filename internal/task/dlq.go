package task

import "time"

const (
	DLQType = "task.dlq"

	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// SuccessEnvelope is POSTed to the callback URL when a job completes.
type SuccessEnvelope struct {
	Status string `json:"status"` // "success"
	TaskID string `json:"task_id"`
	Data   any    `json:"data"`
}

// FailureEnvelope is POSTed once, when the retry budget is exhausted.
type FailureEnvelope struct {
	Status           string `json:"status"` // "failed"
	TaskID           string `json:"task_id"`
	Detail           string `json:"detail"`
	RetriesAttempted int    `json:"retries_attempted"`
}

func NewSuccessEnvelope(taskID string, data any) SuccessEnvelope {
	return SuccessEnvelope{Status: StatusSuccess, TaskID: taskID, Data: data}
}

func NewFailureEnvelope(t *Task, detail string) FailureEnvelope {
	return FailureEnvelope{
		Status:           StatusFailed,
		TaskID:           t.TaskID,
		Detail:           detail,
		RetriesAttempted: t.Retries,
	}
}

// DeadLetter is the envelope fanned out to the optional DLQ topic.
type DeadLetter struct {
	Type      string `json:"type"`    // "task.dlq"
	Version   string `json:"version"` // schema version
	At        string `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason    string `json:"reason"`  // human/debug text
	Retries   int    `json:"retries"` // retry count when DLQ'd
	LastError string `json:"last_error,omitempty"`
	Task      Task   `json:"task"` // redacted snapshot
}

func NewDeadLetter(t Task, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		Retries:   t.Retries,
		LastError: lastErr,
		Task:      t.Redacted(),
	}
}
