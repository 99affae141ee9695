package workflow

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// CrmDataSource 提供节点激活时的CRM数据, 外部实现
type CrmDataSource interface {
	LoadCrmSnapshot(ctx context.Context, req *ActivationRequest) (*CrmSnapshot, error)
}

type crmApprovalPayload struct {
	SelectedCrmItems []string          `json:"selectedCrmItems"`
	AssignedSellers  map[string]string `json:"assignedSellers"`
}

// CrmApprovalGate CRM审批节点, 在审批的基础上增加CRM条目选择和销售分配
type CrmApprovalGate struct {
	source    CrmDataSource
	directory UserDirectory
}

func NewCrmApprovalGate(source CrmDataSource, directory UserDirectory) *CrmApprovalGate {
	return &CrmApprovalGate{source: source, directory: directory}
}

func (g *CrmApprovalGate) NodeType() NodeType {
	return NodeTypeCrmApproval
}

func (g *CrmApprovalGate) Prepare(ctx context.Context, req *ActivationRequest) (*JSONContext, error) {
	data, err := prepareApprover(ctx, nil, req)
	if err != nil {
		return nil, err
	}
	snapshot, err := g.source.LoadCrmSnapshot(ctx, req)
	if err != nil {
		return nil, errors.WithMessagef(err, "LoadCrmSnapshot failed, node: %s", req.Node.ID)
	}
	if snapshot == nil {
		snapshot = &CrmSnapshot{}
	}
	companyID, _ := lookupCompanyID(req.InstanceData)
	roster, err := g.directory.ListCompanyUsers(ctx, companyID)
	if err != nil {
		return nil, errors.WithMessagef(err, "ListCompanyUsers failed, companyID: %s", companyID)
	}
	approverID, _ := data.GetString(NodeContextKeyUserID)
	for _, user := range roster {
		if user.ID == approverID {
			data.Set([]string{NodeContextKeyUserName}, user.Name)
			break
		}
	}
	meetingOwnerID := ""
	if value, ok := req.InstanceData.Get(InstanceDataKeyMeetingOwnerID); ok {
		meetingOwnerID, _ = stringify(value)
	}
	data.Set([]string{NodeContextKeyCrmSnapshot}, snapshot)
	data.Set([]string{NodeContextKeyCrmDefaults}, BuildCrmSelectionDefaults(snapshot, meetingOwnerID, roster))
	// 结构体转换成map, 和从数据库读出来的形式保持一致
	return NewJSONContext(data.ToBytesWithoutError()), nil
}

func (g *CrmApprovalGate) Resolve(ctx context.Context, req *GateRequest) (*JSONContext, error) {
	approval, err := resolveApproval(req)
	if err != nil {
		return nil, err
	}
	fields := req.Payload.fieldsContext()
	if _, ok := fields.Get("selectedCrmItems"); !ok {
		return nil, errors.WithMessage(ErrValidation, "selectedCrmItems is required")
	}
	payload := &crmApprovalPayload{}
	if err := fields.Unmarshal(payload); err != nil {
		return nil, errors.WithMessagef(ErrValidation, "crm approval payload invalid: %v", err)
	}
	snapshot, err := snapshotFromNodeData(req.NodeInstance.Data)
	if err != nil {
		return nil, err
	}
	var roster []*CompanyUser
	if len(payload.AssignedSellers) > 0 {
		companyID, _ := lookupCompanyID(req.InstanceData)
		roster, err = g.directory.ListCompanyUsers(ctx, companyID)
		if err != nil {
			return nil, errors.WithMessagef(err, "ListCompanyUsers failed, companyID: %s", companyID)
		}
	}
	selection, sellers, err := MergeCrmSelection(snapshot, payload.SelectedCrmItems, payload.AssignedSellers, roster)
	if err != nil {
		return nil, err
	}
	result := NewJSONContext(nil)
	setApprovalResult(result, approval)
	result.Set([]string{"selectedCrmItems"}, selection)
	result.Set([]string{"assignedSellers"}, sellers)
	return result, nil
}

func snapshotFromNodeData(data *JSONContext) (*CrmSnapshot, error) {
	snapshot := &CrmSnapshot{}
	raw, ok := data.Get(NodeContextKeyCrmSnapshot)
	if !ok {
		return snapshot, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "marshal crm snapshot failed")
	}
	if err := json.Unmarshal(b, snapshot); err != nil {
		return nil, errors.Wrap(err, "unmarshal crm snapshot failed")
	}
	return snapshot, nil
}

// CrmDefaultsFromNodeData 读取激活时计算的默认选择, 单击审批的时候使用
func CrmDefaultsFromNodeData(data *JSONContext) (*CrmSelectionDefaults, error) {
	defaults := &CrmSelectionDefaults{SelectedCrmItems: &CrmSelection{}, AssignedSellers: map[string]string{}}
	raw, ok := data.Get(NodeContextKeyCrmDefaults)
	if !ok {
		return defaults, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "marshal crm defaults failed")
	}
	if err := json.Unmarshal(b, defaults); err != nil {
		return nil, errors.Wrap(err, "unmarshal crm defaults failed")
	}
	return defaults, nil
}

// Flatten 分组选择转换成平铺的id列表
func (s *CrmSelection) Flatten() []string {
	if s == nil {
		return []string{}
	}
	ret := make([]string, 0, len(s.Accounts)+len(s.Contacts)+len(s.Opportunities))
	ret = append(ret, s.Accounts...)
	ret = append(ret, s.Contacts...)
	ret = append(ret, s.Opportunities...)
	return ret
}
