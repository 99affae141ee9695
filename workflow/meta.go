package workflow

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validatorUtil = validator.New()

var (
	ErrWorkflowParamInvalid         = errors.New("workflow param invalid")
	ErrWorkflowDefinitionNotFound   = errors.New("workflow definition not found")
	ErrWorkflowDefinitionInvalid    = errors.New("workflow definition invalid")
	ErrNodeHandlerNotFound          = errors.New("node handler not found")
	ErrNodeHandlerAlreadyRegistered = errors.New("node handler already registered")
	ErrWorkflowInstanceNotFound     = errors.New("workflow instance not found")
	ErrWorkflowNodeInstanceNotFound = errors.New("workflow node instance not found")

	// 下面是节点解析过程中的业务错误, 上层按照类型映射成不同的响应
	// ErrValidation: 提交内容不完整或者格式不对, 调用方修改后可以重试
	ErrValidation = errors.New("validation failed")
	// ErrStaleState: 节点或者实例已经被处理过了, 上层当成幂等噪音处理, 不算失败
	ErrStaleState = errors.New("stale state")
	// ErrNotApprover: 当前操作人不是节点指定的审批人
	ErrNotApprover = errors.New("actor is not the target approver")
	// ErrInvalidSelection: CRM选择的条目不在激活时冻结的快照中
	ErrInvalidSelection = errors.New("invalid crm selection")
	// ErrInstanceCancelled: 实例已经被取消, 终止状态
	ErrInstanceCancelled = errors.New("workflow instance cancelled")
	// ErrTokenInvalid/ErrTokenExpired: magic link 无效或者过期, 对匿名调用方不区分
	ErrTokenInvalid = errors.New("magic link token invalid")
	ErrTokenExpired = errors.New("magic link token expired")

	// 给业务上面使用,目前用于报警定义
	// 如果你希望这种错误打印error 使用errors.Wrapf(ErrWorkBussinessCriticalError, "err message: %s", err)
	ErrWorkBussinessCriticalError = errors.New("work bussiness critical error")
)

// endNodeID 路由里面用来表示流程结束的目标
const endNodeID = "end"

type WorkflowInstanceStatus = string

const (
	WorkflowInstanceStatusActive WorkflowInstanceStatus = "active"
	// 完成, 终止状态 普遍含义: 最后一个节点处理完成
	WorkflowInstanceStatusCompleted WorkflowInstanceStatus = "completed"
	// 失败, 终止状态 普遍含义: 审批被拒绝或者某个节点执行失败
	WorkflowInstanceStatusFailed WorkflowInstanceStatus = "failed"
	// 取消, 终止状态 外部手动取消
	WorkflowInstanceStatusCancelled WorkflowInstanceStatus = "cancelled"
)

func IsOverWorkflowInstanceStatus(status WorkflowInstanceStatus) bool {
	return status == WorkflowInstanceStatusFailed || status == WorkflowInstanceStatusCancelled || status == WorkflowInstanceStatusCompleted
}

func GetWorkflowInstanceStatusText(status WorkflowInstanceStatus) string {
	switch status {
	case WorkflowInstanceStatusActive:
		return "进行中"
	case WorkflowInstanceStatusCompleted:
		return "完成"
	case WorkflowInstanceStatusFailed:
		return "失败"
	case WorkflowInstanceStatusCancelled:
		return "取消"
	}
	return "未知"
}

type WorkflowNodeStatus = string

const (
	// 已创建, 目前激活的时候直接跳过, 给以后的并行节点预留
	WorkflowNodeStatusPending WorkflowNodeStatus = "pending"
	// 等待外部输入, 交互节点激活后的状态
	WorkflowNodeStatusWaitingUserInput WorkflowNodeStatus = "waiting_user_input"
	WorkflowNodeStatusCompleted        WorkflowNodeStatus = "completed"
	WorkflowNodeStatusFailed           WorkflowNodeStatus = "failed"
)

// ValidNodeTransitions 节点状态只能单向流转, completed/failed 之后不会再变化
var ValidNodeTransitions = map[WorkflowNodeStatus][]WorkflowNodeStatus{
	WorkflowNodeStatusPending:          {WorkflowNodeStatusWaitingUserInput, WorkflowNodeStatusCompleted, WorkflowNodeStatusFailed},
	WorkflowNodeStatusWaitingUserInput: {WorkflowNodeStatusCompleted, WorkflowNodeStatusFailed},
	WorkflowNodeStatusCompleted:        {},
	WorkflowNodeStatusFailed:           {},
}

// CanTransitionNode 判断节点状态是否可以从from流转到to
func CanTransitionNode(from, to WorkflowNodeStatus) bool {
	for _, s := range ValidNodeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NodeStatusesBefore 返回可以流转到to的所有状态, 用于更新时的状态守卫
func NodeStatusesBefore(to WorkflowNodeStatus) []string {
	ret := make([]string, 0)
	for _, from := range []WorkflowNodeStatus{WorkflowNodeStatusPending, WorkflowNodeStatusWaitingUserInput, WorkflowNodeStatusCompleted, WorkflowNodeStatusFailed} {
		if CanTransitionNode(from, to) {
			ret = append(ret, from)
		}
	}
	return ret
}

func IsOverWorkflowNodeStatus(status WorkflowNodeStatus) bool {
	return status == WorkflowNodeStatusCompleted || status == WorkflowNodeStatusFailed
}

func GetWorkflowNodeStatusText(status WorkflowNodeStatus) string {
	switch status {
	case WorkflowNodeStatusPending:
		return "等待中"
	case WorkflowNodeStatusWaitingUserInput:
		return "等待用户输入"
	case WorkflowNodeStatusCompleted:
		return "完成"
	case WorkflowNodeStatusFailed:
		return "失败"
	}
	return "未知"
}

type NodeType = string

const (
	NodeTypeForm         NodeType = "form"
	NodeTypeApproval     NodeType = "approval"
	NodeTypeCrmApproval  NodeType = "crmApproval"
	NodeTypePdfSignature NodeType = "pdfSignature"
)

// IsApprovalNodeType 审批类节点, 结果里面有decision, 适用 on_reject 策略
func IsApprovalNodeType(nodeType NodeType) bool {
	return nodeType == NodeTypeApproval || nodeType == NodeTypeCrmApproval
}

type Decision = string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// OnRejectPolicy 审批拒绝之后的处理策略
type OnRejectPolicy = string

const (
	// OnRejectFail 拒绝后整个实例失败, 默认值
	OnRejectFail OnRejectPolicy = "fail"
	// OnRejectContinue 拒绝后按照路由继续往下走, 由路由表达式决定去哪里
	OnRejectContinue OnRejectPolicy = "continue"
)

// NodeContextKey 节点数据key
type NodeContextKey = string

const (
	NodeContextKeyUserID          NodeContextKey = "userId"
	NodeContextKeyUserName        NodeContextKey = "userName"
	NodeContextKeyCrmSnapshot     NodeContextKey = "crmSnapshot"
	NodeContextKeyCrmDefaults     NodeContextKey = "crmDefaults"
	NodeContextKeyFormFields      NodeContextKey = "formFields"
	NodeContextKeyWorkflowContext NodeContextKey = "workflow_context"
	NodeContextKeySystem          NodeContextKey = "system"
	// 备注原因，一般和节点失败相关，表明为什么失败
	NodeContextKeyReason NodeContextKey = "reason"
)

// 实例数据中的约定key
const (
	InstanceDataKeyMeetingOwnerID = "meeting_owner_id"
	InstanceDataKeyCompanyID      = "company_id"
)

// IsSeriousError
// 用于判断是否是严重错误，如果是严重错误，则打error级别日志，
// 否则打warn级别日志
// 严重错误定义：需要人工介入处理处理，如配置不正确, 注册缺失
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrWorkflowDefinitionNotFound) ||
		errors.Is(causeErr, ErrWorkflowDefinitionInvalid) ||
		errors.Is(causeErr, ErrNodeHandlerNotFound) ||
		errors.Is(causeErr, ErrNodeHandlerAlreadyRegistered) ||
		errors.Is(causeErr, ErrWorkBussinessCriticalError) {
		return true
	}
	return false
}

// IsBenignError 已经处理过的重复请求, 记录日志就行, 返回给调用方成功
func IsBenignError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStaleState)
}

// IsTokenError magic link 相关的所有失败, 对外统一成一个提示
func IsTokenError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrTokenExpired)
}

// IsCallerError 调用方输入的问题, 修改之后可以重试
func IsCallerError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidSelection) || errors.Is(err, ErrWorkflowParamInvalid)
}
