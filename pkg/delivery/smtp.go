package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"gopkg.in/gomail.v2"
)

// Sender is satisfied by *gomail.Dialer.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPDeliverer sends HTML email synchronously.
type SMTPDeliverer struct {
	sender Sender
	from   string
	logger *slog.Logger
}

var _ protocol.Deliverer = (*SMTPDeliverer)(nil)

func NewSMTPDeliverer(logger *slog.Logger, cfg SMTPConfig) *SMTPDeliverer {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}

	return NewSMTPDelivererWithSender(logger, gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), from)
}

func NewSMTPDelivererWithSender(logger *slog.Logger, sender Sender, from string) *SMTPDeliverer {
	return &SMTPDeliverer{
		sender: sender,
		from:   from,
		logger: logger.With("module", "smtp_delivery"),
	}
}

func (d *SMTPDeliverer) Deliver(ctx context.Context, msg models.RenderedMessage, recipient models.Recipient, tracking map[string]string) (models.DeliveryResult, error) {
	if recipient.Email == "" {
		return models.DeliveryResult{Error: ErrNoAddress.Error()}, ErrNoAddress
	}

	messageID := newMessageID()

	from := msg.From
	if from == "" {
		from = d.from
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)

	if recipient.Name != "" {
		m.SetAddressHeader("To", recipient.Email, recipient.Name)
	} else {
		m.SetHeader("To", recipient.Email)
	}

	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}

	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+messageID+"@nurture>")

	if id := tracking[TrackExecutionID]; id != "" {
		m.SetHeader("X-Nurture-Execution", id)
	}

	if id := tracking[TrackAutomationID]; id != "" {
		m.SetHeader("X-Nurture-Automation", id)
	}

	m.SetBody("text/html", msg.Body)

	if err := d.sender.DialAndSend(m); err != nil {
		d.logger.ErrorContext(ctx, "Failed to send email", "to", recipient.Email, "error", err)

		return models.DeliveryResult{Error: err.Error()}, protocol.Transient(fmt.Errorf("smtp send: %w", err))
	}

	d.logger.DebugContext(ctx, "Email sent", "to", recipient.Email, "message_id", messageID)

	return models.DeliveryResult{Success: true, MessageID: messageID}, nil
}
