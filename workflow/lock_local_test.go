package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalWorkflowLock(t *testing.T) {
	ctx := context.Background()
	lock := NewLocalWorkflowLock()

	t.Run("持有期间其他调用拿不到锁", func(t *testing.T) {
		err := lock.NonBlockingSynchronized(ctx, "k1", time.Minute, func(ctx context.Context) error {
			return lock.NonBlockingSynchronized(context.Background(), "k1", time.Minute, func(context.Context) error {
				return nil
			})
		})
		assert.True(t, errors.Is(err, LockFailedError))
	})

	t.Run("同一个ctx可以重入", func(t *testing.T) {
		called := false
		err := lock.NonBlockingSynchronized(ctx, "k2", time.Minute, func(ctx context.Context) error {
			return lock.NonBlockingSynchronized(ctx, "k2", time.Minute, func(context.Context) error {
				called = true
				return nil
			})
		})
		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("执行完释放", func(t *testing.T) {
		require.NoError(t, lock.NonBlockingSynchronized(ctx, "k3", time.Minute, func(context.Context) error { return nil }))
		assert.NoError(t, lock.NonBlockingSynchronized(ctx, "k3", time.Minute, func(context.Context) error { return nil }))
	})

	t.Run("超时之后可以被抢走", func(t *testing.T) {
		err := lock.NonBlockingSynchronized(ctx, "k4", time.Millisecond, func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return lock.NonBlockingSynchronized(context.Background(), "k4", time.Minute, func(context.Context) error {
				return nil
			})
		})
		assert.NoError(t, err)
	})

	t.Run("返回执行函数的错误", func(t *testing.T) {
		boom := errors.New("boom")
		err := lock.NonBlockingSynchronized(ctx, "k5", time.Minute, func(context.Context) error { return boom })
		assert.Equal(t, boom, err)
	})
}
