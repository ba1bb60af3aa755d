package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"coach-crm/internal/domain"
)

// RedisLock реализует domain.Locker через SetNX.
type RedisLock struct {
	client *redis.Client
}

// NewRedis создаёт замок.
func NewRedis(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

var _ domain.Locker = (*RedisLock)(nil)

// Once выполняет функцию под ключом-замком. Возвращает false, если ключ уже
// занят другим вызовом. Замок снимается по завершении; TTL страхует от
// зависшего владельца.
func (l *RedisLock) Once(key string, ttl time.Duration, fn func() error) (bool, error) {
	ctx := context.Background()
	ok, err := l.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		_ = l.client.Del(ctx, key).Err()
	}()
	return true, fn()
}
