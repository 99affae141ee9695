package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	nodeInstanceIDKey
	requestIDKey
)

func WithInstanceID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

func WithNodeInstanceID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, nodeInstanceIDKey, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func InstanceID(ctx context.Context) int64 {
	v, _ := ctx.Value(instanceIDKey).(int64)
	return v
}

func NodeInstanceID(ctx context.Context) int64 {
	v, _ := ctx.Value(nodeInstanceIDKey).(int64)
	return v
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// CorrelationHandler 把ctx里的实例id/节点id/请求id加到每一条日志上
// 引擎里面都是 slog.XxxContext(ctx, ...), 不需要改调用方
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		if v := InstanceID(ctx); v != 0 {
			r.AddAttrs(slog.Int64("workflow_instance_id", v))
		}
		if v := NodeInstanceID(ctx); v != 0 {
			r.AddAttrs(slog.Int64("node_instance_id", v))
		}
		if v := RequestID(ctx); v != "" {
			r.AddAttrs(slog.String("request_id", v))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel 不认识的级别按 info 处理
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger format 为 json 或 text
func NewLogger(w io.Writer, format string, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
