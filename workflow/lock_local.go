package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NewLocalWorkflowLock 单进程部署使用, 多实例部署使用 NewRedisWorkflowLock
func NewLocalWorkflowLock() WorkflowLock {
	return &localWorkflowLock{
		holders: make(map[string]*localLockHolder),
	}
}

type localWorkflowLock struct {
	mu      sync.Mutex
	holders map[string]*localLockHolder
}

type localLockHolder struct {
	value    string    // 持有者标识
	expireAt time.Time // 超过这个时间别人可以抢走
}

func (l *localWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	// 已经持有锁, 可重入
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		return f(ctx)
	}
	value := fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
	if !l.tryAcquire(key, value, maxLockTimeDuration) {
		return errors.WithMessagef(LockFailedError, "[localWorkflowLock.NonBlockingSynchronized] %s has been locked", key)
	}
	defer l.release(key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (l *localWorkflowLock) tryAcquire(key string, value string, maxLockTimeDuration time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if holder, ok := l.holders[key]; ok && now.Before(holder.expireAt) {
		return false
	}
	l.holders[key] = &localLockHolder{value: value, expireAt: now.Add(maxLockTimeDuration)}
	return true
}

func (l *localWorkflowLock) release(key string, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	holder, ok := l.holders[key]
	if !ok {
		return
	}
	if holder.value != value {
		// 超时之后被别人抢走了
		slog.Warn(fmt.Sprintf("[localWorkflowLock.release] lock %s expired before release", key))
		return
	}
	delete(l.holders, key)
}
