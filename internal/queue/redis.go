package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/redis/go-redis/v9"
)

// RedisQueue stores JSON encoded tasks in a Redis list. Producers LPUSH
// and consumers BRPOP, so the oldest task is delivered first.
type RedisQueue struct {
	client      *redis.Client
	key         string
	pollTimeout time.Duration
}

// NewRedis connects to the Redis server at url and verifies the connection.
func NewRedis(ctx context.Context, url, key string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisFromClient(client, key), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key, pollTimeout: 5 * time.Second}
}

// Enqueue pushes a task onto the list.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %v: %w", task.Kind, err, errdefs.ErrUnavailable)
	}
	return nil
}

// Dequeue waits for the next task. BRPOP runs with a bounded timeout so
// cancellation of ctx is observed between polls.
func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}

		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return Task{}, ErrClosed
			}
			return Task{}, fmt.Errorf("dequeue: %w", err)
		}

		// BRPOP returns [key, value].
		if len(res) != 2 {
			continue
		}
		task, err := decodeTask(res[1])
		if err != nil {
			slog.Warn("dropping malformed task", "queue", q.key, "error", err)
			continue
		}
		return task, nil
	}
}

func decodeTask(raw string) (Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if err := task.Validate(); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
