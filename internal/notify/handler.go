package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
)

// Sender delivers one message to its provider.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes deliveries to the log. It is the sender in development.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs the message without sensitive content.
func (s LogSender) Send(_ context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("key", msg.Key),
		slog.String("channel", string(msg.Channel)),
		slog.String("to", MaskRecipient(msg.To)),
	}
	if !msg.Sensitive {
		attrs = append(attrs, slog.String("subject", msg.Subject))
	}
	logger.Info("notification sent", attrs...)
	return nil
}

// Handler processes TaskSend tasks.
type Handler struct {
	sender Sender
	logger *slog.Logger
}

// NewHandler constructs the worker side handler.
func NewHandler(sender Sender, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{sender: sender, logger: logger}
}

// ProcessTask implements asynq.Handler.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var msg Message
	if err := json.Unmarshal(t.Payload(), &msg); err != nil {
		return fmt.Errorf("notify: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err := h.sender.Send(ctx, msg); err != nil {
		h.logger.Warn("notification delivery failed", slog.String("key", msg.Key), slog.Any("error", err))
		return err
	}
	return nil
}

// MaskRecipient keeps the last four characters of a phone number or the
// domain of an email address.
func MaskRecipient(to string) string {
	if at := strings.LastIndex(to, "@"); at > 0 {
		return "***" + to[at:]
	}
	if len(to) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(to)-4) + to[len(to)-4:]
}
