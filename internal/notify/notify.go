package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

// LogNotifier 只打日志, 开发环境使用, 日志里面会有完整的链接
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendLink(ctx context.Context, notification *workflow.LinkNotification) error {
	if notification == nil {
		return errors.New("nil LinkNotification")
	}
	n.logger.InfoContext(ctx, "magic link issued",
		slog.String("address", notification.Address),
		slog.String("purpose", notification.Purpose),
		slog.Int64("node_instance_id", notification.NodeInstanceID),
		slog.String("url", notification.URL),
		slog.Time("expires_at", notification.ExpiresAt),
	)
	return nil
}

// listPusher redis.Client/redis.ClusterClient 都满足
type listPusher interface {
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
}

// RedisNotifier 写到 redis list 里面, 由邮件服务消费
type RedisNotifier struct {
	client listPusher
	key    string
}

func NewRedisNotifier(client redis.Cmdable, key string) *RedisNotifier {
	return &RedisNotifier{client: client, key: key}
}

func (n *RedisNotifier) SendLink(ctx context.Context, notification *workflow.LinkNotification) error {
	if notification == nil {
		return errors.New("nil LinkNotification")
	}
	b, err := json.Marshal(notification)
	if err != nil {
		return errors.Wrap(err, "marshal LinkNotification failed")
	}
	if err := n.client.RPush(ctx, n.key, b).Err(); err != nil {
		return errors.Wrapf(err, "RPUSH %s failed, nodeInstanceID: %d", n.key, notification.NodeInstanceID)
	}
	return nil
}
