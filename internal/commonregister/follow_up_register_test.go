package commonregister

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

func TestRegisterMeetingFollowUp(t *testing.T) {
	registry := workflow.NewDefinitionRegistry()
	require.NoError(t, RegisterMeetingFollowUp(registry))

	definition, err := registry.GetWorkflowDefinition(MeetingFollowUpWorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "intake", definition.StartNode.ID)
	assert.Equal(t, workflow.NodeTypeForm, definition.StartNode.Type)
	require.NotNil(t, definition.StartNode.Next)
	assert.Equal(t, workflow.NodeTypeCrmApproval, definition.StartNode.Next.Type)

	summary, ok := definition.GetNode("follow_up_summary")
	require.True(t, ok)
	t.Run("有商机的时候去签署合同", func(t *testing.T) {
		next, err := definition.NextNode(summary, workflow.NewJSONContextFromMap(map[string]any{"opportunityCount": 2}), nil)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, "contract_signature", next.ID)
	})
	t.Run("没有商机直接结束", func(t *testing.T) {
		next, err := definition.NextNode(summary, workflow.NewJSONContextFromMap(map[string]any{"opportunityCount": 0}), nil)
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("重复注册", func(t *testing.T) {
		assert.Error(t, RegisterMeetingFollowUp(registry))
	})
}

func TestRunFollowUpSummary(t *testing.T) {
	t.Run("统计选择结果", func(t *testing.T) {
		nodeContext := workflow.NewJSONContext([]byte(`{
			"workflow_context": {
				"nodes": {
					"crm_review": {
						"decision": "approved",
						"selectedCrmItems": {"accounts": ["a1"], "contacts": [], "opportunities": ["o1", "o2"]},
						"assignedSellers": {"o1": "u1"}
					}
				}
			}
		}`))
		now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
		ctx := workflow.ContextWithClock(context.Background(), func() time.Time { return now })
		require.NoError(t, runFollowUpSummary(ctx, nodeContext))

		count, ok := nodeContext.GetInt64("opportunityCount")
		require.True(t, ok)
		assert.Equal(t, int64(2), count)
		count, ok = nodeContext.GetInt64(workflow.NodeContextKeyWorkflowContext, "follow_up", "accountCount")
		require.True(t, ok)
		assert.Equal(t, int64(1), count)
		count, ok = nodeContext.GetInt64(workflow.NodeContextKeyWorkflowContext, "follow_up", "sellerCount")
		require.True(t, ok)
		assert.Equal(t, int64(1), count)
		summarizedAt, _ := nodeContext.GetString(workflow.NodeContextKeyWorkflowContext, "follow_up", "summarizedAt")
		assert.Equal(t, "2024-03-01T09:30:00Z", summarizedAt)
	})

	t.Run("没有审批结果", func(t *testing.T) {
		nodeContext := workflow.NewJSONContext([]byte(`{"workflow_context": {}}`))
		assert.Error(t, runFollowUpSummary(context.Background(), nodeContext))
	})
}
