package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTransferStatusPoll queries the provider for transfers still awaiting confirmation.
	TaskTransferStatusPoll = "transfer:status-poll"
	// TaskLedgerIntegrity scans recent posting groups for imbalances.
	TaskLedgerIntegrity = "ledger:integrity"
)

// StatusPollPayload bounds one poll run.
type StatusPollPayload struct {
	Limit int `json:"limit"`
}

// LedgerIntegrityPayload sets how far back the scan looks.
type LedgerIntegrityPayload struct {
	WindowHours int `json:"window_hours"`
}

// NewStatusPollTask constructs the poll task.
func NewStatusPollTask(payload StatusPollPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTransferStatusPoll, data, asynq.Queue(QueueDefault), asynq.MaxRetry(0)), nil
}

// NewLedgerIntegrityTask constructs the integrity scan task.
func NewLedgerIntegrityTask(payload LedgerIntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
