package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// RedisQueue is a FIFO list: producers LPUSH, workers BRPOP.
type RedisQueue struct {
	client  *redis.Client
	options Options
	logger  *slog.Logger
}

func NewRedisQueue(redisURL string, options Options, logger *slog.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisQueue(client, options, logger), nil
}

func newRedisQueue(client *redis.Client, options Options, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client:  client,
		options: options.withDefaults(),
		logger:  logger,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, imageID string) error {
	body, err := encodeJob(imageID)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.options.Name, body).Err(); err != nil {
		return fmt.Errorf("failed to enqueue image %s: %w", imageID, err)
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, handler HandlerFunc) error {
	q.logger.Info("consuming redis queue", "queue", q.options.Name, "workers", q.options.Workers)

	g, ctx := errgroup.WithContext(ctx)
	for worker := 0; worker < q.options.Workers; worker++ {
		g.Go(func() error {
			return q.work(ctx, worker, handler)
		})
	}
	return g.Wait()
}

func (q *RedisQueue) work(ctx context.Context, worker int, handler HandlerFunc) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		result, err := q.client.BRPop(ctx, q.options.PollTimeout, q.options.Name).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d failed to pop from %s: %w", worker, q.options.Name, err)
		}

		// BRPOP answers with the key followed by the value.
		if len(result) != 2 {
			q.logger.Warn("unexpected redis reply", "queue", q.options.Name, "reply", result)
			continue
		}
		job, err := decodeJob([]byte(result[1]))
		if err != nil {
			q.logger.Warn("dropping malformed job", "queue", q.options.Name, "error", err)
			continue
		}
		// A popped job is already off the list, so it runs to completion
		// even when shutdown starts while it is in flight.
		handler(context.WithoutCancel(ctx), job.ImageID)
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
