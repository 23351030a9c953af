package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	q := NewQueue(client, nil)
	t.Cleanup(func() { _ = q.Close() })

	msg := Message{Key: "transfer:FF1:settled:sms", Channel: ChannelSMS, To: "08030000001", Body: "Debit 250.00"}
	require.NoError(t, q.Enqueue(context.Background(), msg))
	require.NoError(t, q.Enqueue(context.Background(), msg))

	pending, err := mr.List("asynq:{" + QueueName + "}:pending")
	require.NoError(t, err)
	assert.Equal(t, []string{msg.Key}, pending)
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	q := NewQueue(asynq.NewClient(asynq.RedisClientOpt{Addr: "127.0.0.1:0"}), nil)
	err := q.Enqueue(context.Background(), Message{Channel: ChannelSMS, To: "x", Body: "y"})
	require.ErrorIs(t, err, ErrInvalidMessage)
}

type recordingSender struct {
	got []Message
	err error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.got = append(s.got, msg)
	return s.err
}

func TestHandlerDelivers(t *testing.T) {
	sender := &recordingSender{}
	task, err := NewTask(Message{Key: "k1", Channel: ChannelEmail, To: "a@b.co", Subject: "s", Body: "b"})
	require.NoError(t, err)
	require.NoError(t, NewHandler(sender, nil).ProcessTask(context.Background(), task))
	require.Len(t, sender.got, 1)
	assert.Equal(t, "a@b.co", sender.got[0].To)
}

func TestHandlerSkipsRetryOnBadPayload(t *testing.T) {
	err := NewHandler(&recordingSender{}, nil).ProcessTask(context.Background(), asynq.NewTask(TaskSend, []byte("{")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandlerPropagatesSendError(t *testing.T) {
	sender := &recordingSender{err: errors.New("gateway down")}
	task, _ := NewTask(Message{Key: "k2", Channel: ChannelSMS, To: "0803", Body: "b"})
	err := NewHandler(sender, nil).ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestLogSenderHidesSensitive(t *testing.T) {
	var buf bytes.Buffer
	s := LogSender{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	require.NoError(t, s.Send(context.Background(), Message{Key: "otp:1", Channel: ChannelSMS, To: "08031234567", Subject: "code 123456", Body: "123456", Sensitive: true}))
	assert.NotContains(t, buf.String(), "123456")
	assert.Contains(t, buf.String(), "*******4567")
}

func TestMaskRecipient(t *testing.T) {
	assert.Equal(t, "***@example.com", MaskRecipient("jane@example.com"))
	assert.Equal(t, "****", MaskRecipient("123"))
}
