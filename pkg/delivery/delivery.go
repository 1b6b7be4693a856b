// Package delivery hands rendered messages to a transport: the log (development),
// an SMTP server or a durable AMQP queue consumed by an external sender.
package delivery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/google/uuid"
)

var ErrNoAddress = errors.New("recipient has no email address")

// Tracking keys attached to every delivery.
const (
	TrackExecutionID  = "execution_id"
	TrackAutomationID = "automation_id"
	TrackStepID       = "step_id"
)

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

// LogDeliverer only logs the message.
type LogDeliverer struct {
	logger *slog.Logger
}

var _ protocol.Deliverer = (*LogDeliverer)(nil)

func NewLogDeliverer(logger *slog.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger.With("module", "log_delivery")}
}

func (d *LogDeliverer) Deliver(ctx context.Context, msg models.RenderedMessage, recipient models.Recipient, tracking map[string]string) (models.DeliveryResult, error) {
	messageID := newMessageID()

	d.logger.InfoContext(ctx, "Delivering message",
		"message_id", messageID,
		"to", recipient.Email,
		"subject_id", recipient.SubjectID,
		"subject", msg.Subject,
		"execution_id", tracking[TrackExecutionID],
		"automation_id", tracking[TrackAutomationID])

	return models.DeliveryResult{Success: true, MessageID: messageID}, nil
}
