package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	TypePurge = "purge"
	TypeSweep = "sweep"
)

// keySeparator joins keys in a stream field; minted keys never contain it.
const keySeparator = "\n"

// Queue appends maintenance tasks to the worker's Redis stream.
type Queue struct {
	client *redis.Client
	stream string
}

func NewQueue(client *redis.Client, stream string) *Queue {
	return &Queue{client: client, stream: stream}
}

func (q *Queue) EnqueuePurge(ctx context.Context, keys []string, reason string) error {
	if len(keys) == 0 {
		return nil
	}
	return q.enqueue(ctx, map[string]any{
		"type":        TypePurge,
		"keys":        strings.Join(keys, keySeparator),
		"reason":      reason,
		"requestedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

func (q *Queue) EnqueueSweep(ctx context.Context) error {
	return q.enqueue(ctx, map[string]any{
		"type":        TypeSweep,
		"requestedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

func (q *Queue) enqueue(ctx context.Context, values map[string]any) error {
	if q == nil || q.client == nil {
		return fmt.Errorf("enqueue %v: queue not configured", values["type"])
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue %v: %w", values["type"], err)
	}
	return nil
}
