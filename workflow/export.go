package workflow

import (
	"context"
	"time"
)

type WorkflowService interface {
	/**
	 * @description: 创建工作流实例并激活第一个节点, 在同一个事务中完成
	 * @param ctx context.Context
	 * @param req *StartInstanceReq
	 * @return *WorkflowInstanceDetail, error
	 */
	StartInstance(ctx context.Context, req *StartInstanceReq) (*WorkflowInstanceDetail, error)
	/**
	 * @description: 激活实例的当前节点, 幂等
	 *				 当前节点还没有结束的时候直接返回当前节点, 不会重复创建
	 *				 一个工作流实例同一时间只会被一个goroutine激活
	 * @param ctx context.Context
	 * @param workflowInstanceID int64
	 * @return *WorkflowNodeInstance 当前节点, error
	 */
	ActivateInstance(ctx context.Context, workflowInstanceID int64) (*WorkflowNodeInstance, error)
	/**
	 * @description: 查询工作流实例详情, 包含所有节点实例
	 */
	GetInstance(ctx context.Context, workflowInstanceID int64) (*WorkflowInstanceDetail, error)
	QueryWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstance, error)
	CountWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error)
	GetNodeInstance(ctx context.Context, nodeInstanceID int64) (*WorkflowNodeInstance, error)
	/**
	 * @description: 取消工作流实例, 之后对当前节点的提交都会返回 ErrInstanceCancelled
	 *				 已经取消的实例再次取消直接返回nil
	 * @param ctx context.Context
	 * @param workflowInstanceID int64
	 * @return error
	 */
	CancelInstance(ctx context.Context, workflowInstanceID int64) error
	/**
	 * @description: 提交表单节点
	 * @return *ResolveResult, error ErrValidation/ErrStaleState/ErrInstanceCancelled
	 */
	SubmitForm(ctx context.Context, req *SubmitFormReq) (*ResolveResult, error)
	/**
	 * @description: 提交审批节点, 操作人必须是节点指定的审批人
	 * @return *ResolveResult, error ErrValidation/ErrNotApprover/ErrStaleState/ErrInstanceCancelled
	 */
	SubmitApproval(ctx context.Context, req *SubmitApprovalReq) (*ResolveResult, error)
	/**
	 * @description: 提交CRM审批节点, 选择必须在激活时的快照范围内
	 * @return *ResolveResult, error 额外可能返回 ErrInvalidSelection
	 */
	SubmitCrmApproval(ctx context.Context, req *SubmitCrmApprovalReq) (*ResolveResult, error)
	/**
	 * @description: 签发 magic link 并交给通知服务发送
	 *				 节点必须在等待输入状态, 用途必须和节点类型匹配
	 * @param ctx context.Context
	 * @param req *SendMagicLinkReq
	 * @return *SendMagicLinkResp, error
	 */
	SendMagicLink(ctx context.Context, req *SendMagicLinkReq) (*SendMagicLinkResp, error)
	/**
	 * @description: 校验 magic link, 只读预览, 不会标记为已使用
	 *				 所有失败都返回 ErrTokenInvalid/ErrTokenExpired
	 */
	ValidateMagicLink(ctx context.Context, token string) (*MagicLinkPreview, error)
	/**
	 * @description: 通过 magic link 提交节点, 每个token只能成功一次
	 *				 token标记使用和节点解析在同一个事务中, 解析失败token不会被消耗
	 */
	CompleteViaMagicLink(ctx context.Context, req *CompleteViaMagicLinkReq) (*ResolveResult, error)
	/**
	 * @description: 单击审批链接, 旧的审批方式, 以节点指定的审批人身份提交
	 *				 和 magic link 一样只能成功一次
	 */
	DirectApprovalByID(ctx context.Context, req *DirectApprovalReq) (*ResolveResult, error)
}

type StartInstanceReq struct {
	WorkflowID string         `json:"workflow_id" validate:"required"`
	Data       map[string]any `json:"data"` // 实例数据, 可以为空
	Actor      *Actor         `json:"-"`
}

type SubmitFormReq struct {
	NodeInstanceID int64          `json:"node_instance_id" validate:"gt=0"`
	Actor          *Actor         `json:"-" validate:"required"`
	Data           map[string]any `json:"data"`
}

type SubmitApprovalReq struct {
	NodeInstanceID int64    `json:"node_instance_id" validate:"gt=0"`
	Actor          *Actor   `json:"-" validate:"required"`
	Decision       Decision `json:"decision"`
	Comments       string   `json:"comments"`
}

type SubmitCrmApprovalReq struct {
	NodeInstanceID   int64             `json:"node_instance_id" validate:"gt=0"`
	Actor            *Actor            `json:"-" validate:"required"`
	Decision         Decision          `json:"decision"`
	Comments         string            `json:"comments"`
	SelectedCrmItems []string          `json:"selectedCrmItems"`
	AssignedSellers  map[string]string `json:"assignedSellers"`
}

type SendMagicLinkReq struct {
	NodeInstanceID int64            `json:"node_instance_id" validate:"gt=0"`
	Purpose        MagicLinkPurpose `json:"purpose" validate:"required,oneof=pdf form"`
	Address        string           `json:"address" validate:"required"`
	TTL            time.Duration    `json:"-"` // <=0 使用默认有效期
	Actor          *Actor           `json:"-"`
}

type SendMagicLinkResp struct {
	TokenID        string    `json:"tokenId"`
	NodeInstanceID int64     `json:"nodeInstanceId"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

type CompleteViaMagicLinkReq struct {
	Token  string         `validate:"required"`
	Fields map[string]any // 表单字段或者签名元数据
	Binary *BinaryPayload // pdf 文件
}

type DirectApprovalReq struct {
	ApprovalID int64    `json:"approval_id" validate:"gt=0"` // 审批节点实例ID
	Decision   Decision `json:"decision"`
	Comments   string   `json:"comments"`
}

type MagicLinkPreview struct {
	NodeInstanceID     int64            `json:"nodeInstanceId"`
	WorkflowInstanceID int64            `json:"workflowInstanceId"`
	Purpose            MagicLinkPurpose `json:"purpose"`
	NodeType           NodeType         `json:"nodeType"`
	NodeName           string           `json:"nodeName"`
	Data               *JSONContext     `json:"data"`
	ExpiresAt          time.Time        `json:"expiresAt"`
}

// ResolveResult 节点解析后的状态
type ResolveResult struct {
	NodeInstance     *WorkflowNodeInstance `json:"nodeInstance"`
	Instance         *WorkflowInstance     `json:"instance"`
	NextNodeInstance *WorkflowNodeInstance `json:"nextNodeInstance,omitempty"` // 新激活的节点, 流程结束时为空
}

// WorkflowInstance 工作流实例entity
type WorkflowInstance struct {
	ID                    int64                  `json:"id"`
	WorkflowID            string                 `json:"workflowId"`
	Status                WorkflowInstanceStatus `json:"status"`
	Data                  *JSONContext           `json:"data"`
	CurrentNodeInstanceID int64                  `json:"currentNodeInstanceId"`
	CreatedAt             int64                  `json:"createdAt"`
	UpdatedAt             int64                  `json:"updatedAt"`
}

// WorkflowNodeInstance 节点实例entity
type WorkflowNodeInstance struct {
	ID                 int64              `json:"id"`
	WorkflowInstanceID int64              `json:"workflowInstanceId"`
	NodeID             string             `json:"nodeId"`
	NodeName           string             `json:"nodeName"`
	NodeType           NodeType           `json:"nodeType"`
	Status             WorkflowNodeStatus `json:"status"`
	Data               *JSONContext       `json:"data"`
	Result             *JSONContext       `json:"result"`
	CreatedAt          int64              `json:"createdAt"`
	UpdatedAt          int64              `json:"updatedAt"`
	CompletedAt        int64              `json:"completedAt,omitempty"`
}

type WorkflowInstanceDetail struct {
	*WorkflowInstance
	WorkflowName  string                  `json:"workflowName"`
	NodeInstances []*WorkflowNodeInstance `json:"nodeInstances"`
}

// WorkflowServiceImpl 工作流服务
type WorkflowServiceImpl struct {
	repo        WorkflowRepo
	executeLock WorkflowLock
	definitions DefinitionProvider
	gates       map[NodeType]Gate
	workers     map[NodeType]NodeWorker
	issuer      *MagicLinkIssuer
	linkBaseURL string
	notifier    LinkNotifier
	observer    Observer
	now         func() time.Time
}

type ServiceOption func(*WorkflowServiceImpl)

// WithGate 注册交互节点, 同类型的会覆盖默认实现
func WithGate(gate Gate) ServiceOption {
	return func(s *WorkflowServiceImpl) {
		s.gates[gate.NodeType()] = gate
	}
}

// WithNodeWorker 注册非交互节点
func WithNodeWorker(nodeType NodeType, worker NodeWorker) ServiceOption {
	return func(s *WorkflowServiceImpl) {
		s.workers[nodeType] = worker
	}
}

// WithMagicLinks 开启 magic link, baseURL 为链接前缀, 例如 https://app.example.com/magic
func WithMagicLinks(issuer *MagicLinkIssuer, baseURL string, notifier LinkNotifier) ServiceOption {
	return func(s *WorkflowServiceImpl) {
		s.issuer = issuer
		s.linkBaseURL = baseURL
		s.notifier = notifier
	}
}

func WithObserver(observer Observer) ServiceOption {
	return func(s *WorkflowServiceImpl) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *WorkflowServiceImpl) {
		if now != nil {
			s.now = now
		}
	}
}

func NewWorkflowService(repo WorkflowRepo, executeLock WorkflowLock, definitions DefinitionProvider, opts ...ServiceOption) WorkflowService {
	s := &WorkflowServiceImpl{
		repo:        repo,
		executeLock: executeLock,
		definitions: definitions,
		gates:       make(map[NodeType]Gate),
		workers:     make(map[NodeType]NodeWorker),
		observer:    noopObserver{},
		now:         time.Now,
	}
	for _, gate := range []Gate{NewFormGate(), NewApprovalGate(nil)} {
		s.gates[gate.NodeType()] = gate
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
