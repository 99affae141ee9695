package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

type fakeListPusher struct {
	pushed map[string][][]byte
	err    error
}

func (f *fakeListPusher) RPush(ctx context.Context, key string, values ...any) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	if f.pushed == nil {
		f.pushed = make(map[string][][]byte)
	}
	for _, v := range values {
		f.pushed[key] = append(f.pushed[key], v.([]byte))
	}
	return redis.NewIntResult(int64(len(f.pushed[key])), nil)
}

func testNotification() *workflow.LinkNotification {
	return &workflow.LinkNotification{
		Address:            "signer@example.com",
		URL:                "https://app.example.com/magic/abc",
		Purpose:            workflow.MagicLinkPurposePdf,
		NodeInstanceID:     7,
		WorkflowInstanceID: 3,
		NodeName:           "签署合同",
		ExpiresAt:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestRedisNotifier(t *testing.T) {
	t.Run("写入outbox", func(t *testing.T) {
		pusher := &fakeListPusher{}
		n := &RedisNotifier{client: pusher, key: "workflow:notify:links"}
		require.NoError(t, n.SendLink(context.Background(), testNotification()))

		require.Len(t, pusher.pushed["workflow:notify:links"], 1)
		got := &workflow.LinkNotification{}
		require.NoError(t, json.Unmarshal(pusher.pushed["workflow:notify:links"][0], got))
		assert.Equal(t, testNotification(), got)
	})

	t.Run("redis失败返回错误", func(t *testing.T) {
		n := &RedisNotifier{client: &fakeListPusher{err: errors.New("connection refused")}, key: "k"}
		err := n.SendLink(context.Background(), testNotification())
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("空通知", func(t *testing.T) {
		n := &RedisNotifier{client: &fakeListPusher{}, key: "k"}
		assert.Error(t, n.SendLink(context.Background(), nil))
	})
}

func TestLogNotifier(t *testing.T) {
	buf := &bytes.Buffer{}
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(buf, nil)))
	require.NoError(t, n.SendLink(context.Background(), testNotification()))
	assert.Contains(t, buf.String(), "signer@example.com")
	assert.Contains(t, buf.String(), "https://app.example.com/magic/abc")
}
