package workflow

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Actor 操作人, 由调用方显式传入, 引擎不保存会话
type Actor struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	CompanyID string `json:"companyId,omitempty"`
	// Anonymous 通过 magic link 进来的匿名用户, ID 可能为空
	Anonymous bool `json:"anonymous,omitempty"`
}

// BinaryPayload 上传的文件
type BinaryPayload struct {
	Name        string
	ContentType string
	Content     []byte
}

// GatePayload gate的输入, Fields 为提交的表单/审批字段, Binary 为上传文件
type GatePayload struct {
	Fields map[string]any
	Binary *BinaryPayload
}

func (p *GatePayload) fieldsContext() *JSONContext {
	if p == nil {
		return NewJSONContext(nil)
	}
	return NewJSONContextFromMap(p.Fields)
}

// ActivationRequest 节点激活时传给 Gate.Prepare 的参数
type ActivationRequest struct {
	Instance     *WorkflowInstance
	Node         *NodeDefinition
	InstanceData *JSONContext
}

// GateRequest 节点解析时传给 Gate.Resolve 的参数
type GateRequest struct {
	NodeInstance *WorkflowNodeInstance
	Node         *NodeDefinition
	InstanceData *JSONContext
	Actor        *Actor
	Payload      *GatePayload
	// Privileged 特权路径(比如单击审批链接), 跳过审批人校验
	Privileged bool
	Now        time.Time
}

// Gate 交互节点, 每种节点类型一个实现
// 新增节点类型只需要新增一个实现, 不需要修改状态机
type Gate interface {
	/**
	 * @description: 节点类型
	 */
	NodeType() NodeType
	/**
	 * @description: 节点激活, 计算节点的输入数据(审批人, CRM快照等), 在激活的事务中调用
	 * @param ctx context.Context
	 * @param req *ActivationRequest
	 * @return *JSONContext 节点data, error
	 */
	Prepare(ctx context.Context, req *ActivationRequest) (*JSONContext, error)
	/**
	 * @description: 校验提交内容并生成节点结果
	 *				 校验失败不能有任何写操作, 状态流转由状态机负责, gate不关心
	 * @param ctx context.Context
	 * @param req *GateRequest
	 * @return *JSONContext 节点result, error
	 */
	Resolve(ctx context.Context, req *GateRequest) (*JSONContext, error)
}

// MagicLinkPurpose magic link 用途, 和节点类型一一对应
type MagicLinkPurpose = string

const (
	MagicLinkPurposePdf  MagicLinkPurpose = "pdf"
	MagicLinkPurposeForm MagicLinkPurpose = "form"
)

var magicLinkPurposeNodeTypes = map[MagicLinkPurpose]NodeType{
	MagicLinkPurposePdf:  NodeTypePdfSignature,
	MagicLinkPurposeForm: NodeTypeForm,
}

// PurposeMatchesNodeType 判断用途是否和节点类型匹配, pdf 只能用于 pdfSignature 节点
func PurposeMatchesNodeType(purpose MagicLinkPurpose, nodeType NodeType) bool {
	expected, ok := magicLinkPurposeNodeTypes[purpose]
	return ok && expected == nodeType
}

// lookupPath 用点号分隔的路径读取数据, 例如 nodes.intake.data.approver
func lookupPath(data *JSONContext, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	return data.Get(splitPath(path)...)
}

func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '.' })
}

// stringify 实例数据里面的id可能是数字也可能是字符串
func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int:
		return strconv.Itoa(t), true
	case json.Number:
		return t.String(), true
	}
	return "", false
}
