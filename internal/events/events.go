// Package events publishes transfer lifecycle events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/thriftbank/thriftbank/internal/money"
)

// Exchange is the durable topic exchange events are published to.
const Exchange = "ledger.events"

// Type is the routing key of an event.
type Type string

const (
	TransferSettled  Type = "transfer.settled"
	TransferReversed Type = "transfer.reversed"
	TransferPending  Type = "transfer.pending"
)

// Event is one transfer state change.
type Event struct {
	ID          string      `json:"id"`
	Type        Type        `json:"type"`
	Reference   string      `json:"reference"`
	BranchID    int64       `json:"branch_id"`
	CustomerID  int64       `json:"customer_id"`
	Source      string      `json:"source"`
	Destination string      `json:"destination"`
	Amount      money.Money `json:"amount"`
	Fee         money.Money `json:"fee"`
	Reason      string      `json:"reason,omitempty"`
	OccurredAt  time.Time   `json:"occurred_at"`
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops events. It is used when no broker is configured.
type Nop struct {
	Logger *slog.Logger
}

func (n Nop) Publish(_ context.Context, ev Event) error {
	if n.Logger != nil {
		n.Logger.Debug("event publish skipped", slog.String("type", string(ev.Type)), slog.String("reference", ev.Reference))
	}
	return nil
}

func (Nop) Close() error { return nil }

// AMQPPublisher publishes JSON events with persistent delivery.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// Dial connects to url and declares the exchange.
func Dial(rawURL string, logger *slog.Logger) (*AMQPPublisher, error) {
	clean, err := sanitizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}
	p := &AMQPPublisher{conn: conn, exchange: Exchange, logger: logger}
	if err := p.reopen(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) reopen() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("events: declare exchange: %w", err)
	}
	p.channel = ch
	return nil
}

// Publish sends ev, reopening the channel once if it was closed.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, string(ev.Type), false, false, msg)
	if err == nil {
		return nil
	}
	p.logger.Warn("event publish failed, reopening channel", slog.String("type", string(ev.Type)), slog.Any("error", err))
	if rerr := p.reopen(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return p.channel.PublishWithContext(ctx, p.exchange, string(ev.Type), false, false, msg)
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("events: parse url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("events: url scheme must be amqp or amqps")
	}
	return clean, nil
}

// Connect returns an AMQP publisher for rawURL, or Nop when rawURL is empty
// or the broker cannot be reached.
func Connect(rawURL string, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(rawURL) == "" {
		return Nop{Logger: logger}
	}
	p, err := Dial(rawURL, logger)
	if err != nil {
		logger.Warn("event broker unavailable, events disabled", slog.Any("error", err))
		return Nop{Logger: logger}
	}
	return p
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of what was published.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
