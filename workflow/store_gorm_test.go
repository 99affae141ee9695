package workflow

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowRepo(t *testing.T) {
	ctx := context.Background()

	t.Run("条件更新返回影响行数", func(t *testing.T) {
		repo := NewWorkflowRepo(newTestDB(t))
		instance, err := repo.CreateWorkflowInstance(ctx, &WorkflowInstancePo{WorkflowID: "w", Status: WorkflowInstanceStatusActive, Data: []byte("{}")})
		require.NoError(t, err)
		node, err := repo.CreateWorkflowNodeInstance(ctx, &WorkflowNodeInstancePo{
			WorkflowInstanceID: instance.ID,
			NodeID:             "a",
			NodeType:           NodeTypeForm,
			Status:             WorkflowNodeStatusWaitingUserInput,
		})
		require.NoError(t, err)

		complete := func() int64 {
			rows, err := repo.UpdateWorkflowNodeInstance(ctx, &UpdateWorkflowNodeInstanceParams{
				Where:  &UpdateWorkflowNodeInstanceWhere{IDIn: []int64{node.ID}, StatusIn: []string{WorkflowNodeStatusWaitingUserInput}},
				Fields: &UpdateWorkflowNodeInstanceField{Status: String(WorkflowNodeStatusCompleted), Result: NewJSONContextFromMap(map[string]any{"ok": true})},
			})
			require.NoError(t, err)
			return rows
		}
		assert.Equal(t, int64(1), complete())
		assert.Equal(t, int64(0), complete())

		pos, err := repo.QueryWorkflowNodeInstance(ctx, &QueryWorkflowNodeInstanceParams{WorkflowNodeInstanceID: &node.ID, Page: &Pager{}})
		require.NoError(t, err)
		require.Len(t, pos, 1)
		assert.Equal(t, WorkflowNodeStatusCompleted, pos[0].Status)
		ok, _ := NewJSONContext(pos[0].Result).GetBool("ok")
		assert.True(t, ok)
	})

	t.Run("节点状态不能倒退", func(t *testing.T) {
		repo := NewWorkflowRepo(newTestDB(t))
		_, err := repo.UpdateWorkflowNodeInstance(ctx, &UpdateWorkflowNodeInstanceParams{
			Where:  &UpdateWorkflowNodeInstanceWhere{IDIn: []int64{1}, StatusIn: []string{WorkflowNodeStatusCompleted}},
			Fields: &UpdateWorkflowNodeInstanceField{Status: String(WorkflowNodeStatusWaitingUserInput)},
		})
		assert.True(t, errors.Is(err, ErrWorkflowParamInvalid))
		assert.Equal(t, []string{WorkflowNodeStatusPending, WorkflowNodeStatusWaitingUserInput}, NodeStatusesBefore(WorkflowNodeStatusCompleted))
		assert.Empty(t, NodeStatusesBefore(WorkflowNodeStatusPending))
	})

	t.Run("更新必须带id条件", func(t *testing.T) {
		repo := NewWorkflowRepo(newTestDB(t))
		_, err := repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
			Where:  &UpdateWorkflowInstanceWhere{StatusIn: []string{WorkflowInstanceStatusActive}},
			Fields: &UpdateWorkflowInstanceField{Status: String(WorkflowInstanceStatusCancelled)},
		})
		assert.Error(t, err)
		_, err = repo.UpdateMagicLinkToken(ctx, &UpdateMagicLinkTokenParams{
			Where:  &UpdateMagicLinkTokenWhere{},
			Fields: &UpdateMagicLinkTokenField{ConsumedAt: Int64(1)},
		})
		assert.Error(t, err)
	})

	t.Run("token只能使用一次", func(t *testing.T) {
		repo := NewWorkflowRepo(newTestDB(t))
		_, err := repo.CreateMagicLinkToken(ctx, &MagicLinkTokenPo{ID: "jti-1", NodeInstanceID: 1, Purpose: MagicLinkPurposeForm, TokenHash: "h"})
		require.NoError(t, err)
		consume := func() int64 {
			rows, err := repo.UpdateMagicLinkToken(ctx, &UpdateMagicLinkTokenParams{
				Where:  &UpdateMagicLinkTokenWhere{IDIn: []string{"jti-1"}, IsUnconsumed: Bool(true)},
				Fields: &UpdateMagicLinkTokenField{ConsumedAt: Int64(testNow.Unix())},
			})
			require.NoError(t, err)
			return rows
		}
		assert.Equal(t, int64(1), consume())
		assert.Equal(t, int64(0), consume())
		pos, err := repo.QueryMagicLinkToken(ctx, &QueryMagicLinkTokenParams{IsUnconsumed: Bool(true), Page: &Pager{}})
		require.NoError(t, err)
		assert.Empty(t, pos)
	})

	t.Run("分页和筛选", func(t *testing.T) {
		repo := NewWorkflowRepo(newTestDB(t))
		for i := 0; i < 5; i++ {
			status := WorkflowInstanceStatusActive
			if i%2 == 1 {
				status = WorkflowInstanceStatusCompleted
			}
			_, err := repo.CreateWorkflowInstance(ctx, &WorkflowInstancePo{WorkflowID: "w", Status: status, Data: []byte("{}")})
			require.NoError(t, err)
		}
		params := &QueryWorkflowInstanceParams{
			StatusIn:     []string{WorkflowInstanceStatusActive},
			OrderbyIDAsc: Bool(false),
			Page:         &Pager{Page: 1, Size: 2},
		}
		pos, err := repo.QueryWorkflowInstance(ctx, params)
		require.NoError(t, err)
		require.Len(t, pos, 2)
		assert.Equal(t, int64(5), pos[0].ID)
		assert.Equal(t, int64(3), pos[1].ID)
		count, err := repo.CountWorkflowInstance(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
	})

	t.Run("事务可重入并且一起回滚", func(t *testing.T) {
		repo := NewWorkflowRepo(newTestDB(t))
		err := repo.Transaction(ctx, func(ctx context.Context) error {
			_, err := repo.CreateWorkflowInstance(ctx, &WorkflowInstancePo{WorkflowID: "outer", Status: WorkflowInstanceStatusActive})
			require.NoError(t, err)
			innerErr := repo.Transaction(ctx, func(ctx context.Context) error {
				_, err := repo.CreateWorkflowInstance(ctx, &WorkflowInstancePo{WorkflowID: "inner", Status: WorkflowInstanceStatusActive})
				return err
			})
			require.NoError(t, innerErr)
			return errors.New("rollback")
		})
		require.Error(t, err)
		count, err := repo.CountWorkflowInstance(ctx, &QueryWorkflowInstanceParams{})
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})
}
