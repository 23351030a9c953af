// Package notify queues outbound SMS and email with at-least-once delivery.
// Messages carry an idempotency key; the queue drops a key it has already seen.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueName is the asynq queue notifications are enqueued on.
	QueueName = "notifications"
	// TaskSend is the asynq task type for one outbound message.
	TaskSend = "notify:send"

	keyRetention = 24 * time.Hour
	maxRetry     = 8
)

// Channel selects the delivery medium.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

var ErrInvalidMessage = errors.New("notify: invalid message")

// Message is one outbound notification.
type Message struct {
	Key     string  `json:"key"`
	Channel Channel `json:"channel"`
	To      string  `json:"to"`
	Subject string  `json:"subject,omitempty"`
	Body    string  `json:"body"`
	// Sensitive bodies (OTP codes) are never logged.
	Sensitive bool `json:"sensitive,omitempty"`
}

// Validate checks a message before it is queued.
func (m Message) Validate() error {
	switch {
	case strings.TrimSpace(m.Key) == "":
		return fmt.Errorf("%w: idempotency key required", ErrInvalidMessage)
	case m.Channel != ChannelSMS && m.Channel != ChannelEmail:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidMessage, m.Channel)
	case strings.TrimSpace(m.To) == "":
		return fmt.Errorf("%w: recipient required", ErrInvalidMessage)
	}
	return nil
}

// Enqueuer accepts messages for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg Message) error
}

// Queue enqueues messages on asynq using the idempotency key as the task id.
type Queue struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewQueue constructs the queue over an asynq client.
func NewQueue(client *asynq.Client, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{client: client, logger: logger}
}

// NewTask builds the asynq task for msg.
func NewTask(msg Message) (*asynq.Task, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSend, payload,
		asynq.TaskID(msg.Key),
		asynq.Queue(QueueName),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(keyRetention),
	), nil
}

// Enqueue queues msg. A duplicate key is accepted silently.
func (q *Queue) Enqueue(ctx context.Context, msg Message) error {
	task, err := NewTask(msg)
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			q.logger.Debug("notification already queued", slog.String("key", msg.Key))
			return nil
		}
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	return nil
}

// Close releases the asynq client.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Discard drops every message. It stands in when no queue is configured.
type Discard struct{}

func (Discard) Enqueue(context.Context, Message) error { return nil }
