package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
	redisLockKeyPrefix = "workflow:lock:"
)

// NewRedisWorkflowLock 多实例部署使用
func NewRedisWorkflowLock(redisClient redis.Cmdable) WorkflowLock {
	return &redisWorkflowLock{redisClient: redisClient}
}

type redisWorkflowLock struct {
	redisClient redis.Cmdable
}

func (d *redisWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
	redisKey := redisLockKeyPrefix + key
	isLock, err := d.redisClient.SetNX(ctx, redisKey, value, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(LockFailedError, "[redisWorkflowLock.NonBlockingSynchronized] key: %s, err: %v", redisKey, err)
	}
	if !isLock {
		return errors.WithMessagef(LockFailedError, "[redisWorkflowLock.NonBlockingSynchronized] %s has been locked", redisKey)
	}
	defer d.releaseKey(redisKey, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (d *redisWorkflowLock) releaseKey(key string, value string) {
	// 原来的ctx可能已经被cancel了, 释放锁用新的ctx
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := d.redisClient.Eval(ctx, delCommand, []string{key}, value).Int64()
	if err != nil {
		slog.Error(fmt.Sprintf("[redisWorkflowLock.releaseKey] release %s failed, err: %v", key, err))
		return
	}
	if reply != 1 {
		// 锁已经超时被别人拿走了
		slog.Warn(fmt.Sprintf("[redisWorkflowLock.releaseKey] %s was not held any more, reply: %d", key, reply))
	}
}
