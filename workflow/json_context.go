package workflow

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// maxSafeInteger float64 可以精确表示的最大整数 2^53
const maxSafeInteger = 1 << 53

// JSONContext 实例数据/节点数据/节点结果的统一载体
// 数字统一是 float64, 和从数据库读出来以后的形式一致, 路由表达式依赖这一点
// 超过 2^53 的整数保留为 json.Number, 序列化时原样输出
// nil 的 JSONContext 可以安全读取, 当成空对象
type JSONContext struct {
	data map[string]any
}

// NewJSONContext 从字节创建, 内容不是对象的时候得到空对象
func NewJSONContext(b []byte) *JSONContext {
	c := &JSONContext{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		if data, err := decodeJSONObject(b); err == nil {
			c.data = data
		}
	}
	return c
}

func decodeJSONObject(b []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(b))
	decoder.UseNumber()
	var data map[string]any
	if err := decoder.Decode(&data); err != nil {
		return nil, err
	}
	if data == nil {
		data = make(map[string]any)
	}
	normalizeNumbers(data)
	return data, nil
}

// normalizeNumbers json.Number 转成 float64, 转换会丢精度的整数保持原文
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val
		}
		if math.Abs(f) > maxSafeInteger && !strings.ContainsAny(string(val), ".eE") {
			return val
		}
		return f
	}
	return v
}

// NewJSONContextFromMap 直接引用传入的 map, 不做拷贝
func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &JSONContext{data: m}
}

// Get 按路径读取, 例如 Get("nodes", "intake", "decision")
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if c == nil || len(keys) == 0 {
		return nil, false
	}
	var current any = c.data
	for _, key := range keys {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = m[key]; !ok {
			return nil, false
		}
	}
	return current, true
}

func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

func (c *JSONContext) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func (c *JSONContext) GetFloat64(keys ...string) (float64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func (c *JSONContext) GetBool(keys ...string) (bool, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set 按路径写入, 中间不是对象的会被覆盖
func (c *JSONContext) Set(keys []string, value any) error {
	if c == nil {
		return errors.New("set on nil JSONContext")
	}
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}
	current := c.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[key] = next
		}
		current = next
	}
	current[keys[len(keys)-1]] = value
	return nil
}

func (c *JSONContext) Delete(keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	current := c.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, keys[len(keys)-1])
}

func (c *JSONContext) ToBytes() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.data)
}

func (c *JSONContext) ToBytesWithoutError() []byte {
	b, err := c.ToBytes()
	if err != nil {
		return []byte("{}")
	}
	return b
}

// ToMap 返回底层 map, 修改会影响原对象
func (c *JSONContext) ToMap() map[string]any {
	if c == nil {
		return map[string]any{}
	}
	return c.data
}

// Clone 深拷贝, 结果里面的数字都会变成 float64 (大整数除外)
func (c *JSONContext) Clone() *JSONContext {
	return NewJSONContext(c.ToBytesWithoutError())
}

// Unmarshal 转换成结构体
func (c *JSONContext) Unmarshal(v any) error {
	b, err := c.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (c *JSONContext) MarshalJSON() ([]byte, error) {
	return c.ToBytes()
}

func (c *JSONContext) UnmarshalJSON(b []byte) error {
	data, err := decodeJSONObject(b)
	if err != nil {
		return err
	}
	c.data = data
	return nil
}
