package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/nurture/pkg/queue"
)

// NewEventQueue opens the ingestion queue: memory:// or redis://host:port/db.
func NewEventQueue(ctx context.Context, logger *slog.Logger, queueURL string, shards int) (queue.EventQueue, error) {
	if shards < 1 {
		shards = 1
	}

	switch {
	case queueURL == "" || strings.HasPrefix(queueURL, "memory://"):
		return queue.NewMemory(shards), nil
	case strings.HasPrefix(queueURL, "redis://"), strings.HasPrefix(queueURL, "rediss://"):
		return queue.NewRedis(ctx, logger, queueURL, shards)
	default:
		return nil, fmt.Errorf("unsupported event queue url: %s", queueURL)
	}
}
