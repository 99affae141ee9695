package tests

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

func TestMeetingFollowUpWithContract(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t)
	detail := s.start(t)
	require.Len(t, detail.NodeInstances, 1)
	assert.Equal(t, "intake", detail.NodeInstances[0].NodeID)

	crmNode := s.submitIntake(t, detail)

	t.Run("CRM审批节点带上会议的快照和默认选择", func(t *testing.T) {
		approver, _ := crmNode.Data.GetString(workflow.NodeContextKeyUserID)
		assert.Equal(t, ownerID, approver)
		name, _ := crmNode.Data.GetString(workflow.NodeContextKeyUserName)
		assert.Equal(t, "Olivia Owner", name)
		opportunities, ok := crmNode.Data.Get(workflow.NodeContextKeyCrmSnapshot, "opportunities")
		require.True(t, ok)
		// 其他会议的商机不在快照里面
		assert.Len(t, opportunities, 1)
		defaults, err := workflow.CrmDefaultsFromNodeData(crmNode.Data)
		require.NoError(t, err)
		assert.Equal(t, []string{"opp-1"}, defaults.SelectedCrmItems.Opportunities)
		assert.Equal(t, map[string]string{"opp-1": ownerID}, defaults.AssignedSellers)
	})

	t.Run("选择了其他会议的商机", func(t *testing.T) {
		_, err := s.service.SubmitCrmApproval(ctx, &workflow.SubmitCrmApprovalReq{
			NodeInstanceID:   crmNode.ID,
			Actor:            &workflow.Actor{ID: ownerID},
			Decision:         workflow.DecisionApproved,
			SelectedCrmItems: []string{"opp-9"},
		})
		assert.True(t, errors.Is(err, workflow.ErrInvalidSelection))
	})

	t.Run("分配给其他公司的销售", func(t *testing.T) {
		_, err := s.service.SubmitCrmApproval(ctx, &workflow.SubmitCrmApprovalReq{
			NodeInstanceID:   crmNode.ID,
			Actor:            &workflow.Actor{ID: ownerID},
			Decision:         workflow.DecisionApproved,
			SelectedCrmItems: []string{"opp-1"},
			AssignedSellers:  map[string]string{"opp-1": "outsider"},
		})
		assert.True(t, errors.Is(err, workflow.ErrInvalidSelection))
	})

	result, err := s.service.SubmitCrmApproval(ctx, &workflow.SubmitCrmApprovalReq{
		NodeInstanceID:   crmNode.ID,
		Actor:            &workflow.Actor{ID: ownerID},
		Decision:         workflow.DecisionApproved,
		Comments:         "looks right",
		SelectedCrmItems: []string{"opp-1", "acc-1"},
		AssignedSellers:  map[string]string{"opp-1": sellerID},
	})
	require.NoError(t, err)
	contractNode := result.NextNodeInstance
	require.NotNil(t, contractNode)
	assert.Equal(t, "contract_signature", contractNode.NodeID)
	assert.Equal(t, workflow.WorkflowNodeStatusWaitingUserInput, contractNode.Status)
	signer, _ := contractNode.Data.GetString("signerEmail")
	assert.Equal(t, clientEmail, signer)

	t.Run("汇总节点自动完成", func(t *testing.T) {
		detail, err := s.service.GetInstance(ctx, detail.ID)
		require.NoError(t, err)
		require.Len(t, detail.NodeInstances, 4)
		summary := detail.NodeInstances[2]
		assert.Equal(t, "follow_up_summary", summary.NodeID)
		assert.Equal(t, workflow.WorkflowNodeStatusCompleted, summary.Status)
		count, _ := detail.Data.GetInt64(workflow.NodeContextKeyWorkflowContext, "follow_up", "opportunityCount")
		assert.Equal(t, int64(1), count)
		count, _ = detail.Data.GetInt64(workflow.NodeContextKeyWorkflowContext, "follow_up", "sellerCount")
		assert.Equal(t, int64(1), count)
	})

	token := s.sendContractLink(t, contractNode.ID)

	t.Run("预览不消耗链接", func(t *testing.T) {
		preview, err := s.service.ValidateMagicLink(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, contractNode.ID, preview.NodeInstanceID)
		assert.Equal(t, workflow.NodeTypePdfSignature, preview.NodeType)
		name, _ := preview.Data.GetString("documentName")
		assert.Equal(t, "Follow-up agreement", name)
	})

	t.Run("上传的不是pdf", func(t *testing.T) {
		_, err := s.service.CompleteViaMagicLink(ctx, &workflow.CompleteViaMagicLinkReq{
			Token:  token,
			Binary: &workflow.BinaryPayload{Name: "agreement.docx", Content: []byte("PK\x03\x04")},
		})
		assert.True(t, errors.Is(err, workflow.ErrValidation))
	})

	result, err = s.service.CompleteViaMagicLink(ctx, &workflow.CompleteViaMagicLinkReq{
		Token:  token,
		Fields: map[string]any{"signerName": "Jane Doe"},
		Binary: signedContract(),
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowInstanceStatusCompleted, result.Instance.Status)
	assert.Nil(t, result.NextNodeInstance)

	t.Run("签署的文件已经保存", func(t *testing.T) {
		ref, ok := result.NodeInstance.Result.GetString("documentRef")
		require.True(t, ok)
		po, err := s.artifacts.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, contractNode.ID, po.NodeInstanceID)
		assert.Equal(t, signedContract().Content, po.Content)
		assert.Equal(t, "agreement-signed.pdf", po.Name)
		email, _ := result.NodeInstance.Result.GetString("signerIdentity", "email")
		assert.Equal(t, clientEmail, email)
		name, _ := result.NodeInstance.Result.GetString("signerIdentity", "name")
		assert.Equal(t, "Jane Doe", name)
	})

	t.Run("链接只能使用一次", func(t *testing.T) {
		_, err := s.service.CompleteViaMagicLink(ctx, &workflow.CompleteViaMagicLinkReq{Token: token, Binary: signedContract()})
		assert.True(t, errors.Is(err, workflow.ErrTokenInvalid))
		_, err = s.service.ValidateMagicLink(ctx, token)
		assert.True(t, errors.Is(err, workflow.ErrTokenInvalid))
	})
}

func TestMeetingFollowUpWithoutOpportunity(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t)
	detail := s.start(t)
	crmNode := s.submitIntake(t, detail)

	result, err := s.service.SubmitCrmApproval(ctx, &workflow.SubmitCrmApprovalReq{
		NodeInstanceID:   crmNode.ID,
		Actor:            &workflow.Actor{ID: ownerID},
		Decision:         workflow.DecisionApproved,
		SelectedCrmItems: []string{"acc-1", "con-1"},
	})
	require.NoError(t, err)
	assert.Nil(t, result.NextNodeInstance)
	assert.Equal(t, workflow.WorkflowInstanceStatusCompleted, result.Instance.Status)

	accounts, ok := result.NodeInstance.Result.Get("selectedCrmItems", "accounts")
	require.True(t, ok)
	assert.Equal(t, []any{"acc-1"}, accounts)
	opportunities, _ := result.NodeInstance.Result.Get("selectedCrmItems", "opportunities")
	assert.Empty(t, opportunities)
}

func TestMeetingFollowUpRejected(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t)
	detail := s.start(t)
	crmNode := s.submitIntake(t, detail)

	t.Run("只有会议负责人可以审批", func(t *testing.T) {
		_, err := s.service.SubmitCrmApproval(ctx, &workflow.SubmitCrmApprovalReq{
			NodeInstanceID:   crmNode.ID,
			Actor:            &workflow.Actor{ID: sellerID},
			Decision:         workflow.DecisionApproved,
			SelectedCrmItems: []string{},
		})
		assert.True(t, errors.Is(err, workflow.ErrNotApprover))
	})

	result, err := s.service.SubmitCrmApproval(ctx, &workflow.SubmitCrmApprovalReq{
		NodeInstanceID:   crmNode.ID,
		Actor:            &workflow.Actor{ID: ownerID},
		Decision:         workflow.DecisionRejected,
		Comments:         "wrong meeting",
		SelectedCrmItems: []string{},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowInstanceStatusFailed, result.Instance.Status)
	decision, _ := result.NodeInstance.Result.GetString("decision")
	assert.Equal(t, workflow.DecisionRejected, decision)
}

func TestMeetingFollowUpDirectApproval(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t)
	detail := s.start(t)
	crmNode := s.submitIntake(t, detail)

	// 单击审批使用激活时的默认选择, 商机分配给会议负责人
	result, err := s.service.DirectApprovalByID(ctx, &workflow.DirectApprovalReq{
		ApprovalID: crmNode.ID,
		Decision:   workflow.DecisionApproved,
	})
	require.NoError(t, err)
	seller, _ := result.NodeInstance.Result.GetString("assignedSellers", "opp-1")
	assert.Equal(t, ownerID, seller)
	approver, _ := result.NodeInstance.Result.GetString("approverName")
	assert.Equal(t, "Olivia Owner", approver)
	require.NotNil(t, result.NextNodeInstance)
	assert.Equal(t, workflow.NodeTypePdfSignature, result.NextNodeInstance.NodeType)

	_, err = s.service.DirectApprovalByID(ctx, &workflow.DirectApprovalReq{
		ApprovalID: crmNode.ID,
		Decision:   workflow.DecisionApproved,
	})
	assert.True(t, errors.Is(err, workflow.ErrStaleState))
}

func TestMeetingFollowUpCancelled(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t)
	detail := s.start(t)
	crmNode := s.submitIntake(t, detail)
	result, err := s.service.DirectApprovalByID(ctx, &workflow.DirectApprovalReq{ApprovalID: crmNode.ID, Decision: workflow.DecisionApproved})
	require.NoError(t, err)
	token := s.sendContractLink(t, result.NextNodeInstance.ID)

	require.NoError(t, s.service.CancelInstance(ctx, detail.ID))

	_, err = s.service.CompleteViaMagicLink(ctx, &workflow.CompleteViaMagicLinkReq{Token: token, Binary: signedContract()})
	assert.True(t, errors.Is(err, workflow.ErrTokenInvalid))

	node, err := s.service.GetNodeInstance(ctx, result.NextNodeInstance.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowNodeStatusFailed, node.Status)
	reason, _ := node.Data.GetString(workflow.NodeContextKeyReason)
	assert.Equal(t, "workflow instance cancelled", reason)
	instance, err := s.service.GetInstance(ctx, detail.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowInstanceStatusCancelled, instance.Status)
}
