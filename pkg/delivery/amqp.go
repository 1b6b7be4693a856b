package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/streadway/amqp"
)

// Publisher is satisfied by *amqp.Channel.
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Envelope is the JSON document placed on the queue for the external sender.
type Envelope struct {
	MessageID string            `json:"message_id"`
	To        string            `json:"to"`
	Name      string            `json:"name,omitempty"`
	SubjectID string            `json:"subject_id"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	From      string            `json:"from,omitempty"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Tracking  map[string]string `json:"tracking,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// AMQPDeliverer schedules messages by publishing them to a durable queue.
// Results are reported as scheduled rather than sent.
type AMQPDeliverer struct {
	conn      *amqp.Connection
	publisher Publisher
	queue     string
	logger    *slog.Logger
}

var _ protocol.Deliverer = (*AMQPDeliverer)(nil)

func NewAMQPDeliverer(logger *slog.Logger, url, queue string) (*AMQPDeliverer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	_, err = ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	d := NewAMQPDelivererWithPublisher(logger, ch, queue)
	d.conn = conn

	d.logger.Info("Connected to RabbitMQ", "queue", queue)

	return d, nil
}

func NewAMQPDelivererWithPublisher(logger *slog.Logger, publisher Publisher, queue string) *AMQPDeliverer {
	return &AMQPDeliverer{
		publisher: publisher,
		queue:     queue,
		logger:    logger.With("module", "amqp_delivery", "queue", queue),
	}
}

func (d *AMQPDeliverer) Deliver(ctx context.Context, msg models.RenderedMessage, recipient models.Recipient, tracking map[string]string) (models.DeliveryResult, error) {
	if recipient.Email == "" {
		return models.DeliveryResult{Error: ErrNoAddress.Error()}, ErrNoAddress
	}

	envelope := Envelope{
		MessageID: newMessageID(),
		To:        recipient.Email,
		Name:      recipient.Name,
		SubjectID: recipient.SubjectID,
		Subject:   msg.Subject,
		Body:      msg.Body,
		From:      msg.From,
		ReplyTo:   msg.ReplyTo,
		Tracking:  tracking,
		CreatedAt: time.Now().UTC(),
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return models.DeliveryResult{Error: err.Error()}, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = d.publisher.Publish("", d.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    envelope.MessageID,
		Timestamp:    envelope.CreatedAt,
		Body:         body,
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to publish message", "error", err)

		return models.DeliveryResult{Error: err.Error()}, protocol.Transient(fmt.Errorf("amqp publish: %w", err))
	}

	return models.DeliveryResult{Success: true, Scheduled: true, MessageID: envelope.MessageID}, nil
}

func (d *AMQPDeliverer) Close() error {
	if d.conn == nil {
		return nil
	}

	return d.conn.Close()
}
