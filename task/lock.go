package task

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
)

// Locker makes a scheduled pass exclusive across processes
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (token string, acquired bool, err error)
	Unlock(ctx context.Context, name string, token string) error
}

// deletes the key only while it still holds our token
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type RedisLockerOptions struct {
	Redis  redis.UniversalClient
	Prefix string
}

// RedisLocker is a single instance Redis lease. The lease expires on its own if the holder dies.
type RedisLocker struct {
	RedisLockerOptions
}

var _ Locker = (*RedisLocker)(nil)

func NewRedisLocker(option RedisLockerOptions) (*RedisLocker, error) {
	if option.Redis == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	if len(option.Prefix) == 0 {
		option.Prefix = "billing:lock:"
	}
	return &RedisLocker{
		RedisLockerOptions: option,
	}, nil
}

func (l *RedisLocker) key(name string) string {
	return l.Prefix + name
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	token := uuid.New().String()
	ok, err := l.Redis.SetNX(l.key(name), token, ttl).Result()
	if err != nil {
		return "", false, extErrors.Wrap(err, "Cannot acquire lock")
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, name string, token string) error {
	if err := unlockScript.Run(l.Redis, []string{l.key(name)}, token).Err(); err != nil && err != redis.Nil {
		return extErrors.Wrap(err, "Cannot release lock")
	}
	return nil
}
