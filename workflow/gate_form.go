package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FormField 表单字段描述, 描述性的, 不在列表里面的字段原样保留
type FormField struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Label    string   `json:"label,omitempty"`
	Required bool     `json:"required,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// FormGate 表单节点
type FormGate struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func NewFormGate() *FormGate {
	return &FormGate{cache: make(map[string]*jsonschema.Schema)}
}

func (g *FormGate) NodeType() NodeType {
	return NodeTypeForm
}

func formFieldsFromConfig(config *JSONContext) ([]*FormField, error) {
	fields := make([]*FormField, 0)
	raw, ok := config.Get(NodeContextKeyFormFields)
	if !ok {
		return fields, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "marshal formFields failed")
	}
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "formFields is not a field list: %v", err)
	}
	for _, field := range fields {
		if field == nil || field.Name == "" {
			return nil, errors.WithMessage(ErrWorkflowDefinitionInvalid, "formFields has field without name")
		}
	}
	return fields, nil
}

// formFieldSchemaType 表单控件类型转换成 json schema 类型, 不认识的类型不做限制
func formFieldSchemaType(fieldType string) string {
	switch fieldType {
	case "text", "textarea", "string", "email", "date", "select", "radio", "phone", "url":
		return "string"
	case "number":
		return "number"
	case "integer":
		return "integer"
	case "checkbox", "boolean":
		return "boolean"
	case "multiselect":
		return "array"
	}
	return ""
}

// buildFormSchema 字段列表转换成 json schema
// additionalProperties 不做限制, 必填的字符串字段不能为空串
func buildFormSchema(fields []*FormField) map[string]any {
	properties := make(map[string]any)
	required := make([]string, 0)
	for _, field := range fields {
		property := make(map[string]any)
		schemaType := formFieldSchemaType(field.Type)
		if schemaType != "" {
			property["type"] = schemaType
		}
		if field.Required {
			required = append(required, field.Name)
			if schemaType == "string" {
				property["minLength"] = 1
			}
			if schemaType == "" {
				property["not"] = map[string]any{"type": "null"}
			}
		}
		if len(field.Options) > 0 && schemaType == "string" {
			property["enum"] = field.Options
		}
		properties[field.Name] = property
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": true,
	}
}

func (g *FormGate) compile(fields []*FormField) (*jsonschema.Schema, error) {
	schemaBytes, err := json.Marshal(buildFormSchema(fields))
	if err != nil {
		return nil, errors.Wrap(err, "marshal form schema failed")
	}
	key := string(schemaBytes)
	g.mu.RLock()
	if cached, ok := g.cache[key]; ok {
		g.mu.RUnlock()
		return cached, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if cached, ok := g.cache[key]; ok {
		return cached, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal form schema failed")
	}
	url := fmt.Sprintf("workflow://form-schema/%d.json", len(g.cache))
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, errors.Wrap(err, "add form schema resource failed")
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, errors.Wrap(err, "compile form schema failed")
	}
	g.cache[key] = compiled
	return compiled, nil
}

func (g *FormGate) Prepare(ctx context.Context, req *ActivationRequest) (*JSONContext, error) {
	fields, err := formFieldsFromConfig(req.Node.Config)
	if err != nil {
		return nil, err
	}
	// 预先编译一次, 配置有问题在激活的时候就报出来
	if _, err := g.compile(fields); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "node %s: %v", req.Node.ID, err)
	}
	data := NewJSONContext(nil)
	data.Set([]string{NodeContextKeyFormFields}, fields)
	if title, ok := req.Node.Config.GetString("title"); ok {
		data.Set([]string{"title"}, title)
	}
	return data, nil
}

func (g *FormGate) Resolve(ctx context.Context, req *GateRequest) (*JSONContext, error) {
	fields, err := formFieldsFromConfig(req.Node.Config)
	if err != nil {
		return nil, err
	}
	schema, err := g.compile(fields)
	if err != nil {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "node %s: %v", req.Node.ID, err)
	}
	submitted := req.Payload.fieldsContext()
	b, err := submitted.ToBytes()
	if err != nil {
		return nil, errors.WithMessagef(ErrValidation, "form payload is not json: %v", err)
	}
	// jsonschema 需要 json.Number 形式的数字, 这里重新解析一次
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return nil, errors.WithMessagef(ErrValidation, "form payload is not json: %v", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, errors.WithMessagef(ErrValidation, "form %s: %v", req.Node.ID, err)
	}
	result := NewJSONContext(nil)
	result.Set([]string{"submittedBy"}, req.Actor)
	result.Set([]string{"data"}, submitted.ToMap())
	result.Set([]string{"submittedAt"}, req.Now.UTC().Format(time.RFC3339))
	return result, nil
}
