// Package queue provides the sharded ingestion queue for trigger events.
// Ordering is first-in-first-out within a shard; events of one subject
// always land on the same shard.
package queue

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/dukex/nurture/pkg/models"
)

var ErrClosed = errors.New("queue closed")

type EventQueue interface {
	Enqueue(ctx context.Context, event *models.TriggerEvent) error
	// Dequeue pops the oldest event of the shard. With wait > 0 it blocks up to
	// wait for an event; it returns nil, nil when none arrived.
	Dequeue(ctx context.Context, shard int, wait time.Duration) (*models.TriggerEvent, error)
	Len(ctx context.Context) (int, error)
	Shards() int
	Close() error
}

// ShardFor maps a subject id onto one of n shards.
func ShardFor(subjectID string, n int) int {
	if n <= 1 {
		return 0
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))

	return int(h.Sum32() % uint32(n))
}
