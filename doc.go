// Package workflow 提供带人工节点的工作流编排功能。
//
// 流程由若干节点组成, 节点分两类：
//   - 交互节点(gate)：表单、审批、CRM审批、PDF签署, 激活后停在 waiting_user_input 等待提交
//   - 非交互节点(worker)：激活后立即执行, 完成后自动推进到下一个节点
//
// 主要特性：
//   - 节点状态机：pending -> waiting_user_input -> completed/failed, 状态切换都是条件更新
//   - 并发安全：同一个节点只能被提交成功一次, 其他并发提交返回 ErrStaleState
//   - Magic link：给外部人员(客户)签发一次性链接, 不需要登录即可填写表单或上传签署的PDF
//   - 数据持久化：基于 GORM, 支持 PostgreSQL、SQLite
//   - 分布式锁：激活和取消使用本地锁或 Redis 锁
//   - 条件路由：节点的 routes 使用 expr 表达式选择下一个节点
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//	    "encoding/json"
//
//	    "github.com/lionking1994/HerdAIWeb-sub001/workflow"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("workflow.db"), &gorm.Config{})
//	    db.AutoMigrate(workflow.AllModels()...)
//
//	    // 2. 加载流程定义
//	    registry := workflow.NewDefinitionRegistry()
//	    config := &workflow.WorkflowConfig{}
//	    json.Unmarshal([]byte(`{
//	        "id": "expense",
//	        "name": "报销",
//	        "nodes": [
//	            {"id": "request", "type": "form", "name": "填写报销单", "next_nodes": ["manager"],
//	             "config": {"formFields": [{"name": "amount", "type": "number", "required": true}]}},
//	            {"id": "manager", "type": "approval", "name": "经理审批",
//	             "config": {"approverFrom": "manager_id"}}
//	        ]
//	    }`), config)
//	    registry.LoadWorkflowConfig(config)
//
//	    // 3. 创建工作流服务
//	    service := workflow.NewWorkflowService(
//	        workflow.NewWorkflowRepo(db),
//	        workflow.NewLocalWorkflowLock(),
//	        registry,
//	    )
//
//	    // 4. 发起流程, 第一个节点在同一个事务中激活
//	    ctx := context.Background()
//	    detail, _ := service.StartInstance(ctx, &workflow.StartInstanceReq{
//	        WorkflowID: "expense",
//	        Data:       map[string]any{"manager_id": "mia"},
//	        Actor:      &workflow.Actor{ID: "emp-42"},
//	    })
//
//	    // 5. 提交表单, 返回新激活的审批节点
//	    result, _ := service.SubmitForm(ctx, &workflow.SubmitFormReq{
//	        NodeInstanceID: detail.CurrentNodeInstanceID,
//	        Actor:          &workflow.Actor{ID: "emp-42"},
//	        Data:           map[string]any{"amount": 120},
//	    })
//	    service.SubmitApproval(ctx, &workflow.SubmitApprovalReq{
//	        NodeInstanceID: result.NextNodeInstance.ID,
//	        Actor:          &workflow.Actor{ID: "mia"},
//	        Decision:       workflow.DecisionApproved,
//	    })
//	}
//
// 实例数据：
//
// 实例数据(instance data)是整个流程共享的 JSON, 启动时由调用方传入。
// 每个节点完成后, 结果写到实例数据的 nodes.{节点id} 下面, 后面的节点可以引用：
//
//	// approverFrom/signerEmailFrom 使用点分隔的路径
//	{"approverFrom": "nodes.request.data.manager_id"}
//
//	// 路由表达式可以访问 result(当前节点结果) 和 data(实例数据)
//	{"when": "result.decision == \"rejected\"", "to": "rework"}
//
// 非交互节点的 NodeContext 包含：
//   - workflow_context: 实例数据, 执行器的修改会同步回实例
//   - config: 节点配置
//   - 执行器自己写入的数据, 成为节点结果
//
// 错误约定：
//   - ErrValidation/ErrInvalidSelection/ErrNotApprover：调用方的输入有问题, 节点保持等待
//   - ErrStaleState：节点已经被处理, 或者实例已经结束
//   - ErrInstanceCancelled：实例已经取消
//   - ErrTokenInvalid/ErrTokenExpired：magic link 无效或者过期
//
// 服务端程序见 cmd/workflowd, HTTP 接口见 internal/api。
package workflow
