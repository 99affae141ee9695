package commonregister

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

const (
	MeetingFollowUpWorkflowID = "meeting_follow_up"
	// NodeTypeFollowUpSummary 非交互节点, 汇总CRM审批的选择结果
	NodeTypeFollowUpSummary workflow.NodeType = "followUpSummary"
)

// 会议跟进流程: 填写会议纪要 -> 会议负责人确认CRM条目 -> 汇总 -> 有商机时客户签署合同
const meetingFollowUpConfigJSON = `{
	"id": "meeting_follow_up",
	"name": "会议跟进",
	"start": "intake",
	"nodes": [
		{
			"id": "intake",
			"type": "form",
			"name": "会议纪要",
			"config": {
				"title": "Meeting follow-up",
				"formFields": [
					{"name": "summary", "type": "textarea", "label": "Summary", "required": true},
					{"name": "nextSteps", "type": "textarea", "label": "Next steps"},
					{"name": "clientEmail", "type": "email", "label": "Client email"},
					{"name": "priority", "type": "select", "label": "Priority", "options": ["low", "normal", "high"]}
				]
			},
			"next_nodes": ["crm_review"]
		},
		{
			"id": "crm_review",
			"type": "crmApproval",
			"name": "CRM确认",
			"config": {"approverFrom": "meeting_owner_id"},
			"on_reject": "fail",
			"next_nodes": ["follow_up_summary"]
		},
		{
			"id": "follow_up_summary",
			"type": "followUpSummary",
			"name": "跟进汇总",
			"routes": [
				{"when": "result.opportunityCount > 0", "to": "contract_signature"},
				{"when": "true", "to": "end"}
			]
		},
		{
			"id": "contract_signature",
			"type": "pdfSignature",
			"name": "合同签署",
			"config": {
				"documentName": "Follow-up agreement",
				"signerEmailFrom": "nodes.intake.data.clientEmail",
				"instructions": "Please sign and upload the agreement"
			}
		}
	]
}`

// RegisterMeetingFollowUp 注册内置的会议跟进流程
func RegisterMeetingFollowUp(registry *workflow.DefinitionRegistry) error {
	config := &workflow.WorkflowConfig{}
	if err := json.Unmarshal([]byte(meetingFollowUpConfigJSON), config); err != nil {
		return errors.Wrap(err, "unmarshal meeting follow-up config failed")
	}
	if err := registry.LoadWorkflowConfig(config); err != nil {
		return errors.Wrap(err, "load meeting follow-up config failed")
	}
	return nil
}

// ServiceOptions 内置流程需要的非交互节点
func ServiceOptions() []workflow.ServiceOption {
	return []workflow.ServiceOption{
		workflow.WithNodeWorker(NodeTypeFollowUpSummary, workflow.NewNormalNodeWorker(runFollowUpSummary)),
	}
}

type followUpSelection struct {
	Decision         string                 `json:"decision"`
	SelectedCrmItems *workflow.CrmSelection `json:"selectedCrmItems"`
	AssignedSellers  map[string]string      `json:"assignedSellers"`
}

// runFollowUpSummary 读取 crm_review 的结果, 统计选择的条目数量
// 汇总同时写到节点结果(路由使用)和实例数据的 follow_up 下面
func runFollowUpSummary(ctx context.Context, nodeContext *workflow.JSONContext) error {
	raw, ok := nodeContext.Get(workflow.NodeContextKeyWorkflowContext, "nodes", "crm_review")
	if !ok {
		return errors.New("crm_review result not found")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return errors.Wrap(err, "marshal crm_review result failed")
	}
	selection := &followUpSelection{}
	if err := json.Unmarshal(b, selection); err != nil {
		return errors.Wrap(err, "unmarshal crm_review result failed")
	}
	if selection.SelectedCrmItems == nil {
		selection.SelectedCrmItems = &workflow.CrmSelection{}
	}
	summary := map[string]any{
		"accountCount":     len(selection.SelectedCrmItems.Accounts),
		"contactCount":     len(selection.SelectedCrmItems.Contacts),
		"opportunityCount": len(selection.SelectedCrmItems.Opportunities),
		"sellerCount":      len(selection.AssignedSellers),
	}
	for k, v := range summary {
		if err := nodeContext.Set([]string{k}, v); err != nil {
			return err
		}
	}
	summary["summarizedAt"] = workflow.Now(ctx).UTC().Format(time.RFC3339)
	return nodeContext.Set([]string{workflow.NodeContextKeyWorkflowContext, "follow_up"}, summary)
}
