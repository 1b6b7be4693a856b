package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dukex/nurture/pkg/delivery"
	"github.com/dukex/nurture/pkg/protocol"
)

type DeliveryConfig struct {
	Provider  string
	SMTP      delivery.SMTPConfig
	AMQPURL   string
	AMQPQueue string
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

// NewDeliverer returns the transport for rendered messages and a closer for
// the connections it holds.
func NewDeliverer(logger *slog.Logger, cfg DeliveryConfig) (protocol.Deliverer, io.Closer, error) {
	switch cfg.Provider {
	case "", "log":
		return delivery.NewLogDeliverer(logger), noopCloser{}, nil
	case "smtp":
		if cfg.SMTP.Host == "" {
			return nil, nil, errors.New("smtp delivery requires a host")
		}

		return delivery.NewSMTPDeliverer(logger, cfg.SMTP), noopCloser{}, nil
	case "amqp":
		deliverer, err := delivery.NewAMQPDeliverer(logger, cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			return nil, nil, err
		}

		return deliverer, deliverer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported delivery provider: %s", cfg.Provider)
	}
}
