package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func formNode(id string, next ...string) *NodeDefinitionConfig {
	return &NodeDefinitionConfig{ID: id, Type: NodeTypeForm, Name: id, NextNodes: next}
}

func TestBuildWorkflowDefinition(t *testing.T) {
	t.Run("顺序流程", func(t *testing.T) {
		definition, err := BuildWorkflowDefinition(&WorkflowConfig{
			ID:    "seq",
			Name:  "顺序",
			Nodes: []*NodeDefinitionConfig{formNode("a", "b"), formNode("b", "end")},
		})
		require.NoError(t, err)
		assert.Equal(t, "a", definition.StartNode.ID)
		require.NotNil(t, definition.StartNode.Next)
		assert.Equal(t, "b", definition.StartNode.Next.ID)
		b, ok := definition.GetNode("b")
		require.True(t, ok)
		assert.Nil(t, b.Next)
		assert.Equal(t, OnRejectFail, b.OnReject)
	})

	t.Run("指定开始节点", func(t *testing.T) {
		definition, err := BuildWorkflowDefinition(&WorkflowConfig{
			ID:    "seq",
			Start: "b",
			Nodes: []*NodeDefinitionConfig{formNode("a"), formNode("b", "a")},
		})
		require.NoError(t, err)
		assert.Equal(t, "b", definition.StartNode.ID)
	})

	cases := []struct {
		name   string
		config *WorkflowConfig
	}{
		{"没有id", &WorkflowConfig{Nodes: []*NodeDefinitionConfig{formNode("a")}}},
		{"没有节点", &WorkflowConfig{ID: "x"}},
		{"节点缺少类型", &WorkflowConfig{ID: "x", Nodes: []*NodeDefinitionConfig{{ID: "a"}}}},
		{"节点id重复", &WorkflowConfig{ID: "x", Nodes: []*NodeDefinitionConfig{formNode("a"), formNode("a")}}},
		{"节点id是保留字", &WorkflowConfig{ID: "x", Nodes: []*NodeDefinitionConfig{formNode("end")}}},
		{"下一个节点不存在", &WorkflowConfig{ID: "x", Nodes: []*NodeDefinitionConfig{formNode("a", "missing")}}},
		{"不支持分叉", &WorkflowConfig{ID: "x", Nodes: []*NodeDefinitionConfig{formNode("a", "b", "c"), formNode("b"), formNode("c")}}},
		{"默认路径有环", &WorkflowConfig{ID: "x", Nodes: []*NodeDefinitionConfig{formNode("a", "b"), formNode("b", "a")}}},
		{"开始节点不存在", &WorkflowConfig{ID: "x", Start: "z", Nodes: []*NodeDefinitionConfig{formNode("a")}}},
		{"未知的拒绝策略", &WorkflowConfig{ID: "x", Nodes: []*NodeDefinitionConfig{
			{ID: "a", Type: NodeTypeApproval, OnReject: "retry"},
		}}},
		{"路由表达式错误", &WorkflowConfig{ID: "x", Nodes: []*NodeDefinitionConfig{
			{ID: "a", Type: NodeTypeForm, Routes: []*RouteConfig{{When: "result.decision ==", To: "end"}}},
		}}},
		{"路由表达式不是bool", &WorkflowConfig{ID: "x", Nodes: []*NodeDefinitionConfig{
			{ID: "a", Type: NodeTypeForm, Routes: []*RouteConfig{{When: "1 + 1", To: "end"}}},
		}}},
		{"路由目标不存在", &WorkflowConfig{ID: "x", Nodes: []*NodeDefinitionConfig{
			{ID: "a", Type: NodeTypeForm, Routes: []*RouteConfig{{When: "true", To: "missing"}}},
		}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := BuildWorkflowDefinition(c.config)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrWorkflowDefinitionInvalid), err.Error())
		})
	}

	t.Run("路由可以回到前面的节点", func(t *testing.T) {
		_, err := BuildWorkflowDefinition(&WorkflowConfig{
			ID: "loop",
			Nodes: []*NodeDefinitionConfig{
				formNode("a", "b"),
				{ID: "b", Type: NodeTypeApproval, OnReject: OnRejectContinue, Routes: []*RouteConfig{
					{When: `result.decision == "rejected"`, To: "a"},
				}},
			},
		})
		assert.NoError(t, err)
	})
}

func TestNextNode(t *testing.T) {
	definition, err := BuildWorkflowDefinition(&WorkflowConfig{
		ID: "routing",
		Nodes: []*NodeDefinitionConfig{
			{ID: "review", Type: NodeTypeApproval, NextNodes: []string{"archive"}, OnReject: OnRejectContinue, Routes: []*RouteConfig{
				{When: `result.decision == "rejected"`, To: "rework"},
				{When: `data.amount > 1000`, To: "finance"},
				{When: `data.skip == true`, To: "end"},
			}},
			formNode("rework"),
			formNode("finance"),
			formNode("archive"),
		},
	})
	require.NoError(t, err)
	review, _ := definition.GetNode("review")

	next := func(result, data string) *NodeDefinition {
		node, err := definition.NextNode(review, NewJSONContext([]byte(result)), NewJSONContext([]byte(data)))
		require.NoError(t, err)
		return node
	}

	t.Run("第一个命中的路由生效", func(t *testing.T) {
		node := next(`{"decision":"rejected"}`, `{"amount": 5000}`)
		require.NotNil(t, node)
		assert.Equal(t, "rework", node.ID)
	})
	t.Run("按实例数据路由", func(t *testing.T) {
		node := next(`{"decision":"approved"}`, `{"amount": 5000}`)
		require.NotNil(t, node)
		assert.Equal(t, "finance", node.ID)
	})
	t.Run("路由到end结束流程", func(t *testing.T) {
		assert.Nil(t, next(`{"decision":"approved"}`, `{"amount": 10, "skip": true}`))
	})
	t.Run("都没命中走默认节点", func(t *testing.T) {
		node := next(`{"decision":"approved"}`, `{"amount": 10}`)
		require.NotNil(t, node)
		assert.Equal(t, "archive", node.ID)
	})
	t.Run("最后一个节点返回nil", func(t *testing.T) {
		archive, _ := definition.GetNode("archive")
		node, err := definition.NextNode(archive, nil, nil)
		require.NoError(t, err)
		assert.Nil(t, node)
	})
}

func TestDefinitionRegistry(t *testing.T) {
	t.Run("重复注册", func(t *testing.T) {
		registry := NewDefinitionRegistry()
		config := &WorkflowConfig{ID: "dup", Nodes: []*NodeDefinitionConfig{formNode("a")}}
		require.NoError(t, registry.LoadWorkflowConfig(config))
		assert.Error(t, registry.LoadWorkflowConfig(config))
	})

	t.Run("找不到定义", func(t *testing.T) {
		_, err := NewDefinitionRegistry().GetWorkflowDefinition("missing")
		assert.True(t, errors.Is(err, ErrWorkflowDefinitionNotFound))
	})

	t.Run("从目录加载yaml和json", func(t *testing.T) {
		dir := t.TempDir()
		yamlConfig := `
id: onboarding
name: 入职
nodes:
  - id: profile
    type: form
    name: 个人信息
    config:
      formFields:
        - name: fullName
          type: text
          required: true
    next_nodes: [hr]
  - id: hr
    type: approval
    name: HR审批
    config:
      approverId: hr-lead
    on_reject: continue
    routes:
      - when: result.decision == "rejected"
        to: profile
`
		jsonConfig := `{"id": "feedback", "nodes": [{"id": "ask", "type": "form"}]}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "onboarding.yaml"), []byte(yamlConfig), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "feedback.json"), []byte(jsonConfig), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

		registry := NewDefinitionRegistry()
		require.NoError(t, registry.LoadWorkflowConfigDir(dir))
		assert.Equal(t, []string{"feedback", "onboarding"}, registry.WorkflowIDs())

		definition, err := registry.GetWorkflowDefinition("onboarding")
		require.NoError(t, err)
		hr, ok := definition.GetNode("hr")
		require.True(t, ok)
		assert.Equal(t, OnRejectContinue, hr.OnReject)
		approverID, _ := hr.Config.GetString("approverId")
		assert.Equal(t, "hr-lead", approverID)
		profile, _ := definition.GetNode("profile")
		fields, err := formFieldsFromConfig(profile.Config)
		require.NoError(t, err)
		require.Len(t, fields, 1)
		assert.True(t, fields[0].Required)
	})
}
