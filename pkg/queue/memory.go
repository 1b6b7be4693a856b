package queue

import (
	"context"
	"sync"
	"time"

	"github.com/dukex/nurture/pkg/models"
)

type memoryShard struct {
	events []*models.TriggerEvent
	notify chan struct{}
}

// Memory is an unbounded in-process EventQueue.
type Memory struct {
	mu     sync.Mutex
	shards []*memoryShard
	closed chan struct{}
	once   sync.Once
}

func NewMemory(shards int) *Memory {
	shards = max(shards, 1)

	q := &Memory{
		shards: make([]*memoryShard, shards),
		closed: make(chan struct{}),
	}

	for i := range q.shards {
		q.shards[i] = &memoryShard{notify: make(chan struct{}, 1)}
	}

	return q
}

func (q *Memory) Shards() int {
	return len(q.shards)
}

func (q *Memory) Enqueue(_ context.Context, event *models.TriggerEvent) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	shard := q.shards[ShardFor(event.SubjectID, len(q.shards))]

	q.mu.Lock()
	shard.events = append(shard.events, event)
	q.mu.Unlock()

	select {
	case shard.notify <- struct{}{}:
	default:
	}

	return nil
}

func (q *Memory) Dequeue(ctx context.Context, shard int, wait time.Duration) (*models.TriggerEvent, error) {
	s := q.shards[shard]

	if event := q.pop(s); event != nil || wait <= 0 {
		return event, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return q.pop(s), nil
		case <-timer.C:
			return q.pop(s), nil
		case <-s.notify:
			if event := q.pop(s); event != nil {
				return event, nil
			}
		}
	}
}

func (q *Memory) pop(s *memoryShard) *models.TriggerEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(s.events) == 0 {
		return nil
	}

	event := s.events[0]
	s.events[0] = nil
	s.events = s.events[1:]

	if len(s.events) > 0 {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}

	return event
}

func (q *Memory) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, s := range q.shards {
		total += len(s.events)
	}

	return total, nil
}

// Close rejects further enqueues. Events already queued can still be drained.
func (q *Memory) Close() error {
	q.once.Do(func() { close(q.closed) })

	return nil
}
