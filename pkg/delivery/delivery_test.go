package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSender struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	if f.err != nil {
		return f.err
	}

	f.sent = append(f.sent, m...)

	return nil
}

type fakePublisher struct {
	key  string
	msgs []amqp.Publishing
	err  error
}

func (f *fakePublisher) Publish(_, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}

	f.key = key
	f.msgs = append(f.msgs, msg)

	return nil
}

var (
	message   = models.RenderedMessage{Subject: "Welcome Ada", Body: "<p>Hi</p>", ReplyTo: "help@example.com"}
	recipient = models.Recipient{SubjectID: "contact-1", Email: "ada@example.com", Name: "Ada"}
	tracking  = map[string]string{TrackExecutionID: "exec-1", TrackAutomationID: "automation-1"}
)

func TestLogDeliverer(t *testing.T) {
	t.Parallel()

	result, err := NewLogDeliverer(testLogger()).Deliver(context.Background(), message, recipient, tracking)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.MessageID)
}

func TestSMTPDeliverer(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	d := NewSMTPDelivererWithSender(testLogger(), sender, "team@example.com")

	result, err := d.Deliver(context.Background(), message, recipient, tracking)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Scheduled)

	require.Len(t, sender.sent, 1)
	sent := sender.sent[0]
	assert.Equal(t, []string{"team@example.com"}, sent.GetHeader("From"))
	assert.Equal(t, []string{"Welcome Ada"}, sent.GetHeader("Subject"))
	assert.Equal(t, []string{"help@example.com"}, sent.GetHeader("Reply-To"))
	assert.Equal(t, []string{"exec-1"}, sent.GetHeader("X-Nurture-Execution"))
}

func TestSMTPDeliverer_Failures(t *testing.T) {
	t.Parallel()

	d := NewSMTPDelivererWithSender(testLogger(), &fakeSender{err: errors.New("connection refused")}, "team@example.com")

	result, err := d.Deliver(context.Background(), message, recipient, tracking)
	require.Error(t, err)
	assert.True(t, protocol.IsTransient(err))
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "connection refused")

	_, err = d.Deliver(context.Background(), message, models.Recipient{SubjectID: "contact-2"}, tracking)
	require.ErrorIs(t, err, ErrNoAddress)
	assert.False(t, protocol.IsTransient(err))
}

func TestAMQPDeliverer(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{}
	d := NewAMQPDelivererWithPublisher(testLogger(), publisher, "emails")

	result, err := d.Deliver(context.Background(), message, recipient, tracking)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Scheduled)

	require.Len(t, publisher.msgs, 1)
	assert.Equal(t, "emails", publisher.key)
	assert.Equal(t, uint8(amqp.Persistent), publisher.msgs[0].DeliveryMode)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(publisher.msgs[0].Body, &envelope))
	assert.Equal(t, result.MessageID, envelope.MessageID)
	assert.Equal(t, "ada@example.com", envelope.To)
	assert.Equal(t, "exec-1", envelope.Tracking[TrackExecutionID])

	require.NoError(t, d.Close())
}

func TestAMQPDeliverer_PublishError(t *testing.T) {
	t.Parallel()

	d := NewAMQPDelivererWithPublisher(testLogger(), &fakePublisher{err: errors.New("channel closed")}, "emails")

	_, err := d.Deliver(context.Background(), message, recipient, tracking)
	require.Error(t, err)
	assert.True(t, protocol.IsTransient(err))
}
