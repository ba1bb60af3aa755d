package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"coach-crm/internal/domain"
)

// RedisOutreachQueue реализует очередь задач на базе Redis lists.
type RedisOutreachQueue struct {
	client *redis.Client
	key    string
}

// NewRedisOutreachQueue создаёт очередь по указанному ключу.
func NewRedisOutreachQueue(client *redis.Client, key string) *RedisOutreachQueue {
	return &RedisOutreachQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisOutreachQueue) Enqueue(ctx context.Context, job domain.OutreachJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди. Redis list не умеет повторную
// доставку, поэтому ack всегда тривиален.
func (q *RedisOutreachQueue) Receive(ctx context.Context) (domain.OutreachJob, domain.OutreachAckFunc, error) {
	noopAck := func(bool) error { return nil }
	for {
		if err := ctx.Err(); err != nil {
			return domain.OutreachJob{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.OutreachJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.OutreachJob{}, nil, err
		}
		if len(res) != 2 {
			return domain.OutreachJob{}, nil, errors.New("redis queue: unexpected response")
		}
		var job domain.OutreachJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.OutreachJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		return job, noopAck, nil
	}
}
