package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
)

// ErrNodeFailedWithContinue 节点执行失败, 但是不影响流程, 节点当成完成处理
// 场景&应用: 一些通知类的节点, 成功或者失败都行
var ErrNodeFailedWithContinue = errors.New("workflow node failed with continue")

// NodeWorker 非交互节点的执行器, 需要外部实现
// 激活的时候同步执行, 执行完直接进入下一个节点
type NodeWorker interface {
	/**
	 * @description:  节点执行
	 * @return error nil表示执行成功了; ErrNodeFailedWithContinue 表示失败但继续; 其他错误会让实例失败
	 * @param ctx context.Context 上下文
	 * @param nodeContext *JSONContext 节点上下文, workflow_context 为实例数据,
	 *                    run中更改了workflow_context, 会同步到实例数据里面
	 */
	Run(ctx context.Context, nodeContext *JSONContext) error
}

type RunFunc func(ctx context.Context, nodeContext *JSONContext) error

// NormalNodeWorker 函数形式的执行器
type NormalNodeWorker struct {
	runHandler RunFunc
}

func (w NormalNodeWorker) Run(ctx context.Context, nodeContext *JSONContext) error {
	if w.runHandler == nil {
		return errors.New("Not implemented")
	}
	return w.runHandler(ctx, nodeContext)
}

func NewNormalNodeWorker(funcRun RunFunc) *NormalNodeWorker {
	return &NormalNodeWorker{runHandler: funcRun}
}

type clockContextKey struct{}

// ContextWithClock 执行器通过 Now(ctx) 拿到服务的时钟
func ContextWithClock(ctx context.Context, now func() time.Time) context.Context {
	if now == nil {
		return ctx
	}
	return context.WithValue(ctx, clockContextKey{}, now)
}

// Now 执行器中获取当前时间, 和引擎写入的时间保持一致
func Now(ctx context.Context) time.Time {
	if now, ok := ctx.Value(clockContextKey{}).(func() time.Time); ok {
		return now()
	}
	return time.Now()
}

// runNodeWorker 执行节点, panic 转换成错误
func runNodeWorker(ctx context.Context, worker NodeWorker, nodeType NodeType, nodeContext *JSONContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			slog.ErrorContext(ctx, fmt.Sprintf("node worker panic: %v, nodeType: %s, stack: %s", r, nodeType, string(stack)))
			err = errors.Errorf("node worker panic: %v, nodeType: %s", r, nodeType)
		}
	}()
	return worker.Run(ctx, nodeContext)
}

// addNodeContextSystemError 错误信息记录到节点上下文
func addNodeContextSystemError(err error, nodeContext *JSONContext, now time.Time) {
	if nodeContext == nil || err == nil {
		return
	}
	nodeContext.Set([]string{NodeContextKeySystem, "last_error"}, err.Error())
	nodeContext.Set([]string{NodeContextKeySystem, "last_error_time"}, now.Format(time.RFC3339))
}
