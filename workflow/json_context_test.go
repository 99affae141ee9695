package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONContext(t *testing.T) {
	t.Run("嵌套读写", func(t *testing.T) {
		c := NewJSONContext(nil)
		require.NoError(t, c.Set([]string{"nodes", "intake", "decision"}, "approved"))
		require.NoError(t, c.Set([]string{"count"}, int64(3)))
		require.NoError(t, c.Set([]string{"ok"}, true))

		decision, ok := c.GetString("nodes", "intake", "decision")
		assert.True(t, ok)
		assert.Equal(t, "approved", decision)
		count, ok := c.GetInt64("count")
		assert.True(t, ok)
		assert.Equal(t, int64(3), count)
		flag, ok := c.GetBool("ok")
		assert.True(t, ok)
		assert.True(t, flag)

		_, ok = c.Get("nodes", "missing")
		assert.False(t, ok)
		_, ok = c.Get("count", "inner")
		assert.False(t, ok)
	})

	t.Run("从字节读取数字是float64", func(t *testing.T) {
		c := NewJSONContext([]byte(`{"meeting_owner_id": 42, "score": 1.5}`))
		raw, ok := c.Get("meeting_owner_id")
		require.True(t, ok)
		assert.IsType(t, float64(0), raw)
		id, ok := c.GetInt64("meeting_owner_id")
		assert.True(t, ok)
		assert.Equal(t, int64(42), id)
		score, ok := c.GetFloat64("score")
		assert.True(t, ok)
		assert.Equal(t, 1.5, score)
	})

	t.Run("超过2^53的整数保留原文", func(t *testing.T) {
		c := NewJSONContext([]byte(`{"big": 9007199254740993, "items": [9007199254740995], "edge": 9007199254740992, "huge": 1e300}`))
		raw, ok := c.Get("big")
		require.True(t, ok)
		assert.Equal(t, json.Number("9007199254740993"), raw)
		big, ok := c.GetInt64("big")
		assert.True(t, ok)
		assert.Equal(t, int64(9007199254740993), big)
		edge, _ := c.Get("edge")
		assert.IsType(t, float64(0), edge)
		huge, _ := c.Get("huge")
		assert.IsType(t, float64(0), huge)

		b := c.Clone().ToBytesWithoutError()
		assert.Contains(t, string(b), `"big":9007199254740993`)
		assert.Contains(t, string(b), `[9007199254740995]`)
	})

	t.Run("非对象内容得到空对象", func(t *testing.T) {
		assert.Empty(t, NewJSONContext([]byte(`[1,2]`)).ToMap())
		assert.Empty(t, NewJSONContext([]byte(`null`)).ToMap())
		assert.Empty(t, NewJSONContext([]byte(`{broken`)).ToMap())
	})

	t.Run("nil可以安全读取", func(t *testing.T) {
		var c *JSONContext
		_, ok := c.Get("a")
		assert.False(t, ok)
		assert.Equal(t, []byte("{}"), c.ToBytesWithoutError())
		assert.Empty(t, c.ToMap())
		assert.Error(t, c.Set([]string{"a"}, 1))
	})

	t.Run("Set覆盖非对象的中间节点", func(t *testing.T) {
		c := NewJSONContext([]byte(`{"a": "text"}`))
		require.NoError(t, c.Set([]string{"a", "b"}, 1))
		v, ok := c.GetInt64("a", "b")
		assert.True(t, ok)
		assert.Equal(t, int64(1), v)
	})

	t.Run("Delete", func(t *testing.T) {
		c := NewJSONContext([]byte(`{"a": {"b": 1, "c": 2}, "d": 3}`))
		c.Delete("a", "b")
		c.Delete("d")
		c.Delete("x", "y")
		assert.Equal(t, map[string]any{"a": map[string]any{"c": float64(2)}}, c.ToMap())
	})

	t.Run("Clone是深拷贝", func(t *testing.T) {
		c := NewJSONContext([]byte(`{"a": {"b": 1}}`))
		clone := c.Clone()
		require.NoError(t, clone.Set([]string{"a", "b"}, 2))
		v, _ := c.GetInt64("a", "b")
		assert.Equal(t, int64(1), v)
	})

	t.Run("作为结构体字段序列化", func(t *testing.T) {
		type wrapper struct {
			Data *JSONContext `json:"data"`
		}
		b, err := json.Marshal(&wrapper{Data: NewJSONContext([]byte(`{"k":"v"}`))})
		require.NoError(t, err)
		assert.JSONEq(t, `{"data":{"k":"v"}}`, string(b))

		out := &wrapper{}
		require.NoError(t, json.Unmarshal([]byte(`{"data":{"x":1}}`), out))
		x, ok := out.Data.GetInt64("x")
		assert.True(t, ok)
		assert.Equal(t, int64(1), x)
	})

	t.Run("Unmarshal到结构体", func(t *testing.T) {
		c := NewJSONContext([]byte(`{"decision":"rejected","comments":"no budget"}`))
		payload := &approvalPayload{}
		require.NoError(t, c.Unmarshal(payload))
		assert.Equal(t, DecisionRejected, payload.Decision)
		assert.Equal(t, "no budget", payload.Comments)
	})
}
