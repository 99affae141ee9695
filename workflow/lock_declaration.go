package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// LockFailedError 锁被其他调用持有, 服务层转换成 ErrStaleState
var LockFailedError = errors.New("lock failed")

// instanceLockDuration 激活和取消都是同步完成的, 一分钟足够
const instanceLockDuration = time.Minute

// lockKey 放在ctx里面, 标记当前调用链已经持有的锁
type lockKey string

func workflowOpLockKey(workflowInstanceID int64) string {
	return fmt.Sprintf("workflow_instance_execute_%d", workflowInstanceID)
}

// WorkflowLock 串行化同一个实例的激活和取消, 节点提交不走锁而是依赖数据库的条件更新
type WorkflowLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞, 拿不到锁立刻返回 LockFailedError
	//                 2.同一个ctx可以重入
	//  @param ctx 原来的ctx
	//  @param key 锁的key, 实例维度使用 workflowOpLockKey
	//  @param maxLockTimeDuration 锁最长持有时间, 超时后其他调用可以拿到
	//  @param f 持有锁期间执行, ctx 带有锁标记
	//  @return error f 的返回值或者 LockFailedError
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}
