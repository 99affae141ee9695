package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ApprovalResult 审批节点结果
type ApprovalResult struct {
	Decision     Decision `json:"decision"`
	ApproverID   string   `json:"approverId"`
	ApproverName string   `json:"approverName"`
	Comments     string   `json:"comments"`
	Timestamp    string   `json:"timestamp"`
}

type approvalPayload struct {
	Decision Decision `json:"decision"`
	Comments string   `json:"comments"`
}

// CompanyUser 公司用户
type CompanyUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// UserDirectory 公司用户目录, 外部实现
type UserDirectory interface {
	ListCompanyUsers(ctx context.Context, companyID string) ([]*CompanyUser, error)
}

// ApprovalGate 审批节点
// 审批人来自 config.approverId, 或者 config.approverFrom 指定的实例数据路径
type ApprovalGate struct {
	directory UserDirectory
}

// NewApprovalGate directory 可以为空, 为空时不补充审批人姓名
func NewApprovalGate(directory UserDirectory) *ApprovalGate {
	return &ApprovalGate{directory: directory}
}

func (g *ApprovalGate) NodeType() NodeType {
	return NodeTypeApproval
}

func (g *ApprovalGate) Prepare(ctx context.Context, req *ActivationRequest) (*JSONContext, error) {
	return prepareApprover(ctx, g.directory, req)
}

func (g *ApprovalGate) Resolve(ctx context.Context, req *GateRequest) (*JSONContext, error) {
	approval, err := resolveApproval(req)
	if err != nil {
		return nil, err
	}
	result := NewJSONContext(nil)
	setApprovalResult(result, approval)
	return result, nil
}

// prepareApprover 计算审批人, 写入节点data的userId
func prepareApprover(ctx context.Context, directory UserDirectory, req *ActivationRequest) (*JSONContext, error) {
	approverID, ok := req.Node.Config.GetString("approverId")
	if !ok || approverID == "" {
		approverFrom, _ := req.Node.Config.GetString("approverFrom")
		if approverFrom == "" {
			approverFrom = InstanceDataKeyMeetingOwnerID
		}
		value, found := lookupPath(req.InstanceData, approverFrom)
		if found {
			approverID, ok = stringify(value)
		}
	}
	if !ok || approverID == "" {
		return nil, errors.WithMessagef(ErrValidation, "node %s has no approver, set config.approverId or config.approverFrom", req.Node.ID)
	}
	data := NewJSONContext(nil)
	data.Set([]string{NodeContextKeyUserID}, approverID)
	if directory == nil {
		return data, nil
	}
	companyID, _ := lookupCompanyID(req.InstanceData)
	users, err := directory.ListCompanyUsers(ctx, companyID)
	if err != nil {
		return nil, errors.WithMessagef(err, "ListCompanyUsers failed, companyID: %s", companyID)
	}
	for _, user := range users {
		if user.ID == approverID {
			data.Set([]string{NodeContextKeyUserName}, user.Name)
			break
		}
	}
	return data, nil
}

func lookupCompanyID(instanceData *JSONContext) (string, bool) {
	value, ok := instanceData.Get(InstanceDataKeyCompanyID)
	if !ok {
		return "", false
	}
	return stringify(value)
}

// resolveApproval 审批类节点共用的校验: decision 合法, 操作人是指定的审批人
func resolveApproval(req *GateRequest) (*ApprovalResult, error) {
	payload := &approvalPayload{}
	if err := req.Payload.fieldsContext().Unmarshal(payload); err != nil {
		return nil, errors.WithMessagef(ErrValidation, "approval payload invalid: %v", err)
	}
	if payload.Decision != DecisionApproved && payload.Decision != DecisionRejected {
		return nil, errors.WithMessagef(ErrValidation, "decision must be %s or %s, got %q", DecisionApproved, DecisionRejected, payload.Decision)
	}
	if req.Actor == nil || req.Actor.ID == "" {
		return nil, errors.WithMessage(ErrNotApprover, "approval needs an identified actor")
	}
	targetID, _ := req.NodeInstance.Data.GetString(NodeContextKeyUserID)
	if !req.Privileged && req.Actor.ID != targetID {
		return nil, errors.WithMessagef(ErrNotApprover, "actor %s, approver %s", req.Actor.ID, targetID)
	}
	approverName := req.Actor.Name
	if approverName == "" {
		approverName, _ = req.NodeInstance.Data.GetString(NodeContextKeyUserName)
	}
	return &ApprovalResult{
		Decision:     payload.Decision,
		ApproverID:   req.Actor.ID,
		ApproverName: approverName,
		Comments:     payload.Comments,
		Timestamp:    req.Now.UTC().Format(time.RFC3339),
	}, nil
}

func setApprovalResult(result *JSONContext, approval *ApprovalResult) {
	result.Set([]string{"decision"}, approval.Decision)
	result.Set([]string{"approverId"}, approval.ApproverID)
	result.Set([]string{"approverName"}, approval.ApproverName)
	result.Set([]string{"comments"}, approval.Comments)
	result.Set([]string{"timestamp"}, approval.Timestamp)
}
