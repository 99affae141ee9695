package workflow

import (
	"context"
)

// WorkflowRepo 工作流存储
// 所有的Update方法都是带条件的更新(compare-and-swap), 返回实际影响的行数,
// 调用方根据影响行数判断是否抢到了状态流转
type WorkflowRepo interface {
	CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error)
	CreateWorkflowNodeInstance(ctx context.Context, nodeInstance *WorkflowNodeInstancePo) (*WorkflowNodeInstancePo, error)
	CreateMagicLinkToken(ctx context.Context, token *MagicLinkTokenPo) (*MagicLinkTokenPo, error)
	QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error)
	CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error)
	QueryWorkflowNodeInstance(ctx context.Context, param *QueryWorkflowNodeInstanceParams) ([]*WorkflowNodeInstancePo, error)
	QueryMagicLinkToken(ctx context.Context, param *QueryMagicLinkTokenParams) ([]*MagicLinkTokenPo, error)
	UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) (int64, error)
	UpdateWorkflowNodeInstance(ctx context.Context, param *UpdateWorkflowNodeInstanceParams) (int64, error)
	UpdateMagicLinkToken(ctx context.Context, param *UpdateMagicLinkTokenParams) (int64, error)
	// Transaction 可重入, ctx中已经有事务的时候直接复用
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
