package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/nurture/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "nurture:events"

// Redis keeps one list per shard so queued events survive restarts.
type Redis struct {
	client redis.UniversalClient
	prefix string
	shards int
	logger *slog.Logger
}

// NewRedis connects using a redis:// URL such as redis://localhost:6379/0.
func NewRedis(ctx context.Context, logger *slog.Logger, url string, shards int) (*Redis, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger = logger.With("module", "event_queue", "provider", "redis")
	logger.InfoContext(ctx, "Connected to Redis", "addr", options.Addr, "db", options.DB)

	return NewRedisWithClient(client, logger, shards), nil
}

func NewRedisWithClient(client redis.UniversalClient, logger *slog.Logger, shards int) *Redis {
	return &Redis{
		client: client,
		prefix: defaultKeyPrefix,
		shards: max(shards, 1),
		logger: logger,
	}
}

func (q *Redis) key(shard int) string {
	return q.prefix + ":" + strconv.Itoa(shard)
}

func (q *Redis) Shards() int {
	return q.shards
}

func (q *Redis) Enqueue(ctx context.Context, event *models.TriggerEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = q.client.RPush(ctx, q.key(ShardFor(event.SubjectID, q.shards)), payload).Err()
	if err != nil {
		return fmt.Errorf("failed to push event to queue: %w", err)
	}

	return nil
}

func (q *Redis) Dequeue(ctx context.Context, shard int, wait time.Duration) (*models.TriggerEvent, error) {
	var (
		message string
		err     error
	)

	if wait <= 0 {
		message, err = q.client.LPop(ctx, q.key(shard)).Result()
	} else {
		var result []string

		result, err = q.client.BLPop(ctx, wait, q.key(shard)).Result()
		if err == nil {
			if len(result) < 2 {
				return nil, nil
			}

			message = result[1]
		}
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to pop event from queue: %w", err)
	}

	var event models.TriggerEvent
	if err := json.Unmarshal([]byte(message), &event); err != nil {
		q.logger.ErrorContext(ctx, "Discarding undecodable event", "shard", shard, "error", err)

		return nil, fmt.Errorf("%w: %w", models.ErrMalformedEvent, err)
	}

	return &event, nil
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	pipe := q.client.Pipeline()

	lens := make([]*redis.IntCmd, q.shards)
	for i := range q.shards {
		lens[i] = pipe.LLen(ctx, q.key(i))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}

	total := 0
	for _, cmd := range lens {
		total += int(cmd.Val())
	}

	return total, nil
}

func (q *Redis) Close() error {
	return q.client.Close()
}
