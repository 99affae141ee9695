package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
)

// 辅助函数：替代 String 和 Bool
func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
func Int64(i int64) *int64    { return &i }

// maxAutomaticSteps 一次激活最多连续执行的非交互节点数, 防止路由配置成死循环
const maxAutomaticSteps = 100

func newWorkflowInstance(po *WorkflowInstancePo) *WorkflowInstance {
	return &WorkflowInstance{
		ID:                    po.ID,
		WorkflowID:            po.WorkflowID,
		Status:                po.Status,
		Data:                  NewJSONContext(po.Data),
		CurrentNodeInstanceID: po.CurrentNodeInstanceID,
		CreatedAt:             po.CreatedAt,
		UpdatedAt:             po.UpdatedAt,
	}
}

func newWorkflowNodeInstance(po *WorkflowNodeInstancePo, nodeName string) *WorkflowNodeInstance {
	return &WorkflowNodeInstance{
		ID:                 po.ID,
		WorkflowInstanceID: po.WorkflowInstanceID,
		NodeID:             po.NodeID,
		NodeName:           nodeName,
		NodeType:           po.NodeType,
		Status:             po.Status,
		Data:               NewJSONContext(po.Data),
		Result:             NewJSONContext(po.Result),
		CreatedAt:          po.CreatedAt,
		UpdatedAt:          po.UpdatedAt,
		CompletedAt:        po.CompletedAt,
	}
}

// checkNodeHandler 每个节点类型只能有一个处理器, 交互节点和非交互节点不能重名
func (s *WorkflowServiceImpl) checkNodeHandler(nodeType NodeType) error {
	_, isGate := s.gates[nodeType]
	_, isWorker := s.workers[nodeType]
	switch {
	case isGate && isWorker:
		return errors.WithMessagef(ErrNodeHandlerAlreadyRegistered, "nodeType %s registered as both gate and worker", nodeType)
	case !isGate && !isWorker:
		return errors.WithMessagef(ErrNodeHandlerNotFound, "nodeType: %s", nodeType)
	}
	return nil
}

func (s *WorkflowServiceImpl) getInstancePo(ctx context.Context, workflowInstanceID int64) (*WorkflowInstancePo, error) {
	pos, err := s.repo.QueryWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
		WorkflowInstanceID: &workflowInstanceID,
		Page: &Pager{
			Page: 1,
			Size: 1,
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowInstance failed, workflowInstanceID: %d", workflowInstanceID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowInstanceNotFound, "workflowInstanceID: %d", workflowInstanceID)
	}
	return pos[0], nil
}

func (s *WorkflowServiceImpl) getNodeInstancePo(ctx context.Context, nodeInstanceID int64) (*WorkflowNodeInstancePo, error) {
	pos, err := s.repo.QueryWorkflowNodeInstance(ctx, &QueryWorkflowNodeInstanceParams{
		WorkflowNodeInstanceID: &nodeInstanceID,
		Page: &Pager{
			Page: 1,
			Size: 1,
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowNodeInstance failed, nodeInstanceID: %d", nodeInstanceID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowNodeInstanceNotFound, "nodeInstanceID: %d", nodeInstanceID)
	}
	return pos[0], nil
}

// nodeName 节点名称只在定义里面, 定义找不到的时候返回空
func (s *WorkflowServiceImpl) nodeName(workflowID string, nodeID string) string {
	definition, err := s.definitions.GetWorkflowDefinition(workflowID)
	if err != nil {
		return ""
	}
	if node, ok := definition.GetNode(nodeID); ok {
		return node.Name
	}
	return ""
}

// staleOrCancelled CAS 没有抢到的时候区分是实例被取消了还是被别人处理了
func (s *WorkflowServiceImpl) staleOrCancelled(ctx context.Context, workflowInstanceID int64, format string, args ...any) error {
	po, err := s.getInstancePo(ctx, workflowInstanceID)
	if err != nil {
		return err
	}
	if po.Status == WorkflowInstanceStatusCancelled {
		return errors.WithMessagef(ErrInstanceCancelled, format, args...)
	}
	return errors.WithMessagef(ErrStaleState, format, args...)
}

func (s *WorkflowServiceImpl) StartInstance(ctx context.Context, req *StartInstanceReq) (*WorkflowInstanceDetail, error) {
	if req == nil {
		return nil, errors.Wrap(ErrWorkflowParamInvalid, "StartInstance failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "StartInstance failed, req: %+v, err: %v", req, err)
	}
	definition, err := s.definitions.GetWorkflowDefinition(req.WorkflowID)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetWorkflowDefinition failed, workflowID: %s", req.WorkflowID)
	}
	// 启动之前检查所有节点都有处理器, 避免跑到一半才发现
	for _, node := range definition.Nodes {
		if err := s.checkNodeHandler(node.Type); err != nil {
			return nil, errors.WithMessagef(err, "workflowID: %s, node: %s", req.WorkflowID, node.ID)
		}
	}
	data := NewJSONContextFromMap(req.Data).Clone()
	if req.Actor != nil && req.Actor.ID != "" {
		if _, ok := data.Get("started_by"); !ok {
			data.Set([]string{"started_by"}, req.Actor.ID)
		}
	}

	events := &transitionEvents{workflowID: definition.ID}
	var detail *WorkflowInstanceDetail
	err = s.repo.Transaction(ctx, func(ctx context.Context) error {
		po, err := s.repo.CreateWorkflowInstance(ctx, &WorkflowInstancePo{
			WorkflowID: definition.ID,
			Status:     WorkflowInstanceStatusActive,
			Data:       data.ToBytesWithoutError(),
		})
		if err != nil {
			return errors.WithMessagef(err, "CreateWorkflowInstance failed, workflowID: %s", definition.ID)
		}
		instance := newWorkflowInstance(po)
		if _, err := s.activateNode(ctx, definition, instance, definition.StartNode, 0, data, events); err != nil {
			return errors.WithMessagef(err, "activate start node failed, workflowInstanceID: %d", po.ID)
		}
		detail, err = s.getInstanceDetail(ctx, po.ID)
		return err
	})
	if err != nil {
		s.logOperationError(ctx, "StartInstance", err)
		return nil, err
	}
	events.flush(s.observer)
	return detail, nil
}

func (s *WorkflowServiceImpl) ActivateInstance(ctx context.Context, workflowInstanceID int64) (*WorkflowNodeInstance, error) {
	if workflowInstanceID <= 0 {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "ActivateInstance failed, workflowInstanceID: %d", workflowInstanceID)
	}
	var current *WorkflowNodeInstance
	var events *transitionEvents
	err := s.executeLock.NonBlockingSynchronized(ctx,
		workflowOpLockKey(workflowInstanceID),
		instanceLockDuration,
		func(ctx context.Context) error {
			return s.repo.Transaction(ctx, func(ctx context.Context) error {
				po, err := s.getInstancePo(ctx, workflowInstanceID)
				if err != nil {
					return err
				}
				if po.Status == WorkflowInstanceStatusCancelled {
					return errors.WithMessagef(ErrInstanceCancelled, "workflowInstanceID: %d", workflowInstanceID)
				}
				if IsOverWorkflowInstanceStatus(po.Status) {
					return errors.WithMessagef(ErrStaleState, "workflow instance is %s, workflowInstanceID: %d", po.Status, workflowInstanceID)
				}
				if po.CurrentNodeInstanceID > 0 {
					nodePo, err := s.getNodeInstancePo(ctx, po.CurrentNodeInstanceID)
					if err != nil {
						return err
					}
					if IsOverWorkflowNodeStatus(nodePo.Status) {
						return errors.WithMessagef(ErrStaleState, "current node is %s, nodeInstanceID: %d", nodePo.Status, nodePo.ID)
					}
					// 已经激活过了, 直接返回
					current = newWorkflowNodeInstance(nodePo, s.nodeName(po.WorkflowID, nodePo.NodeID))
					return nil
				}
				definition, err := s.definitions.GetWorkflowDefinition(po.WorkflowID)
				if err != nil {
					return errors.WithMessagef(err, "GetWorkflowDefinition failed, workflowID: %s", po.WorkflowID)
				}
				events = &transitionEvents{workflowID: definition.ID}
				instance := newWorkflowInstance(po)
				current, err = s.activateNode(ctx, definition, instance, definition.StartNode, 0, instance.Data, events)
				return err
			})
		})
	if err != nil {
		if errors.Is(err, LockFailedError) {
			err = errors.WithMessagef(ErrStaleState, "workflow instance is being processed, workflowInstanceID: %d", workflowInstanceID)
		}
		s.logOperationError(ctx, "ActivateInstance", err)
		return nil, err
	}
	events.flush(s.observer)
	return current, nil
}

func (s *WorkflowServiceImpl) GetInstance(ctx context.Context, workflowInstanceID int64) (*WorkflowInstanceDetail, error) {
	if workflowInstanceID <= 0 {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "GetInstance failed, workflowInstanceID: %d", workflowInstanceID)
	}
	return s.getInstanceDetail(ctx, workflowInstanceID)
}

func (s *WorkflowServiceImpl) getInstanceDetail(ctx context.Context, workflowInstanceID int64) (*WorkflowInstanceDetail, error) {
	po, err := s.getInstancePo(ctx, workflowInstanceID)
	if err != nil {
		return nil, err
	}
	nodePos, err := s.repo.QueryWorkflowNodeInstance(ctx, &QueryWorkflowNodeInstanceParams{
		WorkflowInstanceID: &workflowInstanceID,
		OrderbyIDAsc:       Bool(true),
		Page: &Pager{
			IsNoLimit: Bool(true),
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowNodeInstance failed, workflowInstanceID: %d", workflowInstanceID)
	}
	detail := &WorkflowInstanceDetail{
		WorkflowInstance: newWorkflowInstance(po),
		NodeInstances:    make([]*WorkflowNodeInstance, 0, len(nodePos)),
	}
	definition, err := s.definitions.GetWorkflowDefinition(po.WorkflowID)
	if err != nil {
		// 定义被下线了也要能查看历史实例
		slog.WarnContext(ctx, fmt.Sprintf("GetWorkflowDefinition failed, workflowInstanceID: %d, err: %v", workflowInstanceID, err))
	} else {
		detail.WorkflowName = definition.Name
	}
	for _, nodePo := range nodePos {
		name := ""
		if definition != nil {
			if node, ok := definition.GetNode(nodePo.NodeID); ok {
				name = node.Name
			}
		}
		detail.NodeInstances = append(detail.NodeInstances, newWorkflowNodeInstance(nodePo, name))
	}
	return detail, nil
}

func (s *WorkflowServiceImpl) QueryWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstance, error) {
	if params == nil {
		return nil, errors.Wrap(ErrWorkflowParamInvalid, "QueryWorkflowInstance failed, params is nil")
	}
	if params.Page == nil {
		params.Page = &Pager{Page: 1, Size: 20}
	}
	pos, err := s.repo.QueryWorkflowInstance(ctx, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowInstance failed, params: %+v", params)
	}
	ret := make([]*WorkflowInstance, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, newWorkflowInstance(po))
	}
	return ret, nil
}

func (s *WorkflowServiceImpl) CountWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error) {
	if params == nil {
		return 0, errors.Wrap(ErrWorkflowParamInvalid, "CountWorkflowInstance failed, params is nil")
	}
	count, err := s.repo.CountWorkflowInstance(ctx, params)
	if err != nil {
		return 0, errors.WithMessagef(err, "CountWorkflowInstance failed, params: %+v", params)
	}
	return count, nil
}

func (s *WorkflowServiceImpl) GetNodeInstance(ctx context.Context, nodeInstanceID int64) (*WorkflowNodeInstance, error) {
	if nodeInstanceID <= 0 {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "GetNodeInstance failed, nodeInstanceID: %d", nodeInstanceID)
	}
	po, err := s.getNodeInstancePo(ctx, nodeInstanceID)
	if err != nil {
		return nil, err
	}
	instancePo, err := s.getInstancePo(ctx, po.WorkflowInstanceID)
	if err != nil {
		return nil, err
	}
	return newWorkflowNodeInstance(po, s.nodeName(instancePo.WorkflowID, po.NodeID)), nil
}

func (s *WorkflowServiceImpl) CancelInstance(ctx context.Context, workflowInstanceID int64) error {
	if workflowInstanceID <= 0 {
		return errors.Wrapf(ErrWorkflowParamInvalid, "CancelInstance failed, workflowInstanceID: %d", workflowInstanceID)
	}
	var events *transitionEvents
	err := s.executeLock.NonBlockingSynchronized(ctx,
		workflowOpLockKey(workflowInstanceID),
		instanceLockDuration,
		func(ctx context.Context) error {
			return s.repo.Transaction(ctx, func(ctx context.Context) error {
				// 提交不加锁, 当前节点可能刚好被处理掉, 重新读取后再试
				for attempt := 0; attempt < 3; attempt++ {
					po, err := s.getInstancePo(ctx, workflowInstanceID)
					if err != nil {
						return err
					}
					if po.Status == WorkflowInstanceStatusCancelled {
						return nil
					}
					if IsOverWorkflowInstanceStatus(po.Status) {
						return errors.WithMessagef(ErrStaleState, "workflow instance is %s, workflowInstanceID: %d", po.Status, workflowInstanceID)
					}
					var cancelledNode *WorkflowNodeInstancePo
					if po.CurrentNodeInstanceID > 0 {
						nodePo, err := s.getNodeInstancePo(ctx, po.CurrentNodeInstanceID)
						if err != nil {
							return err
						}
						if !IsOverWorkflowNodeStatus(nodePo.Status) {
							nodeData := NewJSONContext(nodePo.Data)
							nodeData.Set([]string{NodeContextKeyReason}, "workflow instance cancelled")
							rows, err := s.repo.UpdateWorkflowNodeInstance(ctx, &UpdateWorkflowNodeInstanceParams{
								Where: &UpdateWorkflowNodeInstanceWhere{
									IDIn:     []int64{nodePo.ID},
									StatusIn: []string{nodePo.Status},
								},
								Fields: &UpdateWorkflowNodeInstanceField{
									Status:      String(WorkflowNodeStatusFailed),
									Data:        nodeData,
									CompletedAt: Int64(s.now().Unix()),
								},
							})
							if err != nil {
								return errors.WithMessagef(err, "UpdateWorkflowNodeInstance failed, nodeInstanceID: %d", nodePo.ID)
							}
							if rows == 0 {
								continue
							}
							cancelledNode = nodePo
						}
					}
					rows, err := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
						Where: &UpdateWorkflowInstanceWhere{
							IDIn:                    []int64{workflowInstanceID},
							StatusIn:                []string{WorkflowInstanceStatusActive},
							CurrentNodeInstanceIDIn: []int64{po.CurrentNodeInstanceID},
						},
						Fields: &UpdateWorkflowInstanceField{
							Status: String(WorkflowInstanceStatusCancelled),
						},
					})
					if err != nil {
						return errors.WithMessagef(err, "UpdateWorkflowInstance failed, workflowInstanceID: %d", workflowInstanceID)
					}
					if rows == 0 {
						if cancelledNode != nil {
							// 节点已经改成失败了, 实例却没抢到, 只能回滚
							return errors.WithMessagef(ErrStaleState, "workflow instance changed while cancelling, workflowInstanceID: %d", workflowInstanceID)
						}
						continue
					}
					events = &transitionEvents{workflowID: po.WorkflowID, finished: WorkflowInstanceStatusCancelled}
					if cancelledNode != nil {
						events.resolved = append(events.resolved, resolvedEvent{nodeType: cancelledNode.NodeType, status: WorkflowNodeStatusFailed})
					}
					return nil
				}
				return errors.WithMessagef(ErrStaleState, "workflow instance keeps changing, workflowInstanceID: %d", workflowInstanceID)
			})
		})
	if err != nil {
		if errors.Is(err, LockFailedError) {
			err = errors.WithMessagef(ErrStaleState, "workflow instance is being processed, workflowInstanceID: %d", workflowInstanceID)
		}
		s.logOperationError(ctx, "CancelInstance", err)
		return err
	}
	events.flush(s.observer)
	return nil
}

func (s *WorkflowServiceImpl) SubmitForm(ctx context.Context, req *SubmitFormReq) (*ResolveResult, error) {
	if req == nil {
		return nil, errors.Wrap(ErrWorkflowParamInvalid, "SubmitForm failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "SubmitForm failed, nodeInstanceID: %d, err: %v", req.NodeInstanceID, err)
	}
	return s.resolve(ctx, &resolveParams{
		operation:      "SubmitForm",
		nodeInstanceID: req.NodeInstanceID,
		nodeTypes:      []NodeType{NodeTypeForm},
		actor:          req.Actor,
		payload:        &GatePayload{Fields: req.Data},
	})
}

func (s *WorkflowServiceImpl) SubmitApproval(ctx context.Context, req *SubmitApprovalReq) (*ResolveResult, error) {
	if req == nil {
		return nil, errors.Wrap(ErrWorkflowParamInvalid, "SubmitApproval failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "SubmitApproval failed, nodeInstanceID: %d, err: %v", req.NodeInstanceID, err)
	}
	return s.resolve(ctx, &resolveParams{
		operation:      "SubmitApproval",
		nodeInstanceID: req.NodeInstanceID,
		nodeTypes:      []NodeType{NodeTypeApproval},
		actor:          req.Actor,
		payload: &GatePayload{Fields: map[string]any{
			"decision": req.Decision,
			"comments": req.Comments,
		}},
	})
}

func (s *WorkflowServiceImpl) SubmitCrmApproval(ctx context.Context, req *SubmitCrmApprovalReq) (*ResolveResult, error) {
	if req == nil {
		return nil, errors.Wrap(ErrWorkflowParamInvalid, "SubmitCrmApproval failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "SubmitCrmApproval failed, nodeInstanceID: %d, err: %v", req.NodeInstanceID, err)
	}
	fields := map[string]any{
		"decision": req.Decision,
		"comments": req.Comments,
	}
	// 没传和传空列表不一样, 空列表表示什么都不选
	if req.SelectedCrmItems != nil {
		fields["selectedCrmItems"] = req.SelectedCrmItems
	}
	if req.AssignedSellers != nil {
		fields["assignedSellers"] = req.AssignedSellers
	}
	return s.resolve(ctx, &resolveParams{
		operation:      "SubmitCrmApproval",
		nodeInstanceID: req.NodeInstanceID,
		nodeTypes:      []NodeType{NodeTypeCrmApproval},
		actor:          req.Actor,
		payload:        &GatePayload{Fields: fields},
	})
}

func (s *WorkflowServiceImpl) DirectApprovalByID(ctx context.Context, req *DirectApprovalReq) (*ResolveResult, error) {
	if req == nil {
		return nil, errors.Wrap(ErrWorkflowParamInvalid, "DirectApprovalByID failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "DirectApprovalByID failed, approvalID: %d, err: %v", req.ApprovalID, err)
	}
	return s.resolve(ctx, &resolveParams{
		operation:      "DirectApprovalByID",
		nodeInstanceID: req.ApprovalID,
		nodeTypes:      []NodeType{NodeTypeApproval, NodeTypeCrmApproval},
		privileged:     true,
		beforeResolve: func(ctx context.Context, gateReq *GateRequest) error {
			nodeData := gateReq.NodeInstance.Data
			userID, _ := nodeData.GetString(NodeContextKeyUserID)
			userName, _ := nodeData.GetString(NodeContextKeyUserName)
			// 链接本身就是凭证, 以节点指定的审批人身份提交
			gateReq.Actor = &Actor{ID: userID, Name: userName}
			fields := map[string]any{
				"decision": req.Decision,
				"comments": req.Comments,
			}
			if gateReq.NodeInstance.NodeType == NodeTypeCrmApproval {
				defaults, err := CrmDefaultsFromNodeData(nodeData)
				if err != nil {
					return errors.WithMessagef(err, "CrmDefaultsFromNodeData failed, nodeInstanceID: %d", gateReq.NodeInstance.ID)
				}
				fields["selectedCrmItems"] = defaults.SelectedCrmItems.Flatten()
				fields["assignedSellers"] = defaults.AssignedSellers
			}
			gateReq.Payload = &GatePayload{Fields: fields}
			return nil
		},
	})
}

type resolveParams struct {
	operation      string
	nodeInstanceID int64
	nodeTypes      []NodeType // 允许的节点类型
	actor          *Actor
	payload        *GatePayload
	privileged     bool
	// beforeResolve 在同一个事务中, gate.Resolve 之前调用, 可以修改请求
	beforeResolve func(ctx context.Context, gateReq *GateRequest) error
}

/*
*
  - @description: 交互节点解析, 整个过程在一个事务里面
    1. 检查实例和节点状态
    2. gate 校验并生成结果
    3. 节点 waiting_user_input -> completed (CAS)
    4. 推进到下一个节点或者结束实例
  - @param ctx context.Context
  - @param params *resolveParams
  - @return *ResolveResult, error
*/
func (s *WorkflowServiceImpl) resolve(ctx context.Context, params *resolveParams) (*ResolveResult, error) {
	var result *ResolveResult
	var events *transitionEvents
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		nodePo, err := s.getNodeInstancePo(ctx, params.nodeInstanceID)
		if err != nil {
			return err
		}
		instancePo, err := s.getInstancePo(ctx, nodePo.WorkflowInstanceID)
		if err != nil {
			return err
		}
		if instancePo.Status == WorkflowInstanceStatusCancelled {
			return errors.WithMessagef(ErrInstanceCancelled, "workflowInstanceID: %d", instancePo.ID)
		}
		if IsOverWorkflowInstanceStatus(instancePo.Status) || nodePo.Status != WorkflowNodeStatusWaitingUserInput {
			return errors.WithMessagef(ErrStaleState, "node is %s, instance is %s, nodeInstanceID: %d", nodePo.Status, instancePo.Status, nodePo.ID)
		}
		if !containsNodeType(params.nodeTypes, nodePo.NodeType) {
			return errors.WithMessagef(ErrValidation, "%s can not resolve %s node, nodeInstanceID: %d", params.operation, nodePo.NodeType, nodePo.ID)
		}
		definition, err := s.definitions.GetWorkflowDefinition(instancePo.WorkflowID)
		if err != nil {
			return errors.WithMessagef(err, "GetWorkflowDefinition failed, workflowID: %s", instancePo.WorkflowID)
		}
		nodeDefinition, ok := definition.GetNode(nodePo.NodeID)
		if !ok {
			return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "node %s not found in workflow %s", nodePo.NodeID, definition.ID)
		}
		gate, ok := s.gates[nodePo.NodeType]
		if !ok {
			return errors.WithMessagef(ErrNodeHandlerNotFound, "nodeType: %s", nodePo.NodeType)
		}

		instance := newWorkflowInstance(instancePo)
		nodeInstance := newWorkflowNodeInstance(nodePo, nodeDefinition.Name)
		now := s.now()
		gateReq := &GateRequest{
			NodeInstance: nodeInstance,
			Node:         nodeDefinition,
			InstanceData: instance.Data,
			Actor:        params.actor,
			Payload:      params.payload,
			Privileged:   params.privileged,
			Now:          now,
		}
		if params.beforeResolve != nil {
			if err := params.beforeResolve(ctx, gateReq); err != nil {
				return err
			}
		}
		out, err := gate.Resolve(ctx, gateReq)
		if err != nil {
			return errors.WithMessagef(err, "%s resolve failed, nodeInstanceID: %d", nodePo.NodeType, nodePo.ID)
		}
		if out == nil {
			out = NewJSONContext(nil)
		}
		// 和从数据库读出来的形式保持一致, 路由表达式看到的都是 map/float64
		nodeResult := NewJSONContext(out.ToBytesWithoutError())

		rows, err := s.repo.UpdateWorkflowNodeInstance(ctx, &UpdateWorkflowNodeInstanceParams{
			Where: &UpdateWorkflowNodeInstanceWhere{
				IDIn:     []int64{nodePo.ID},
				StatusIn: []string{WorkflowNodeStatusWaitingUserInput},
			},
			Fields: &UpdateWorkflowNodeInstanceField{
				Status:      String(WorkflowNodeStatusCompleted),
				Result:      nodeResult,
				CompletedAt: Int64(now.Unix()),
			},
		})
		if err != nil {
			return errors.WithMessagef(err, "UpdateWorkflowNodeInstance failed, nodeInstanceID: %d", nodePo.ID)
		}
		if rows == 0 {
			return s.staleOrCancelled(ctx, instancePo.ID, "node already resolved, nodeInstanceID: %d", nodePo.ID)
		}
		nodeInstance.Status = WorkflowNodeStatusCompleted
		nodeInstance.Result = nodeResult
		nodeInstance.CompletedAt = now.Unix()

		events = &transitionEvents{workflowID: definition.ID}
		events.resolved = append(events.resolved, resolvedEvent{nodeType: nodePo.NodeType, status: WorkflowNodeStatusCompleted})
		next, err := s.advance(ctx, definition, instance, nodeInstance, nodeDefinition, events)
		if err != nil {
			return err
		}
		result = &ResolveResult{
			NodeInstance:     nodeInstance,
			Instance:         instance,
			NextNodeInstance: next,
		}
		return nil
	})
	if err != nil {
		if IsBenignError(err) {
			s.observer.StaleState(params.operation)
		}
		s.logOperationError(ctx, params.operation, err)
		return nil, err
	}
	events.flush(s.observer)
	return result, nil
}

func containsNodeType(nodeTypes []NodeType, nodeType NodeType) bool {
	if len(nodeTypes) == 0 {
		return true
	}
	for _, t := range nodeTypes {
		if t == nodeType {
			return true
		}
	}
	return false
}

// advance 节点完成后推进实例, 返回新激活的交互节点, 实例结束返回nil
func (s *WorkflowServiceImpl) advance(ctx context.Context, definition *WorkflowDefinition, instance *WorkflowInstance,
	nodeInstance *WorkflowNodeInstance, nodeDefinition *NodeDefinition, events *transitionEvents) (*WorkflowNodeInstance, error) {
	data := instance.Data
	data.Set([]string{"nodes", nodeDefinition.ID}, nodeInstance.Result.ToMap())

	if IsApprovalNodeType(nodeDefinition.Type) && nodeDefinition.OnReject == OnRejectFail {
		if decision, _ := nodeInstance.Result.GetString("decision"); decision == DecisionRejected {
			return nil, s.finishInstance(ctx, instance, nodeInstance.ID, WorkflowInstanceStatusFailed, data, events)
		}
	}
	next, err := definition.NextNode(nodeDefinition, nodeInstance.Result, data)
	if err != nil {
		return nil, errors.WithMessagef(err, "NextNode failed, nodeInstanceID: %d", nodeInstance.ID)
	}
	if next == nil {
		return nil, s.finishInstance(ctx, instance, nodeInstance.ID, WorkflowInstanceStatusCompleted, data, events)
	}
	return s.activateNode(ctx, definition, instance, next, nodeInstance.ID, data, events)
}

// finishInstance 实例进入终止状态, 当前节点必须还是 expectedCurrent
func (s *WorkflowServiceImpl) finishInstance(ctx context.Context, instance *WorkflowInstance, expectedCurrent int64,
	status WorkflowInstanceStatus, data *JSONContext, events *transitionEvents) error {
	rows, err := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where: &UpdateWorkflowInstanceWhere{
			IDIn:                    []int64{instance.ID},
			StatusIn:                []string{WorkflowInstanceStatusActive},
			CurrentNodeInstanceIDIn: []int64{expectedCurrent},
		},
		Fields: &UpdateWorkflowInstanceField{
			Status: String(status),
			Data:   data,
		},
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateWorkflowInstance failed, workflowInstanceID: %d", instance.ID)
	}
	if rows == 0 {
		return s.staleOrCancelled(ctx, instance.ID, "finish workflow instance failed, workflowInstanceID: %d", instance.ID)
	}
	instance.Status = status
	instance.Data = data
	events.finished = status
	return nil
}

// moveCurrentNode 实例当前节点从 expectedCurrent 切换到 nodeInstanceID
func (s *WorkflowServiceImpl) moveCurrentNode(ctx context.Context, instance *WorkflowInstance, expectedCurrent int64, nodeInstanceID int64, data *JSONContext) error {
	rows, err := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where: &UpdateWorkflowInstanceWhere{
			IDIn:                    []int64{instance.ID},
			StatusIn:                []string{WorkflowInstanceStatusActive},
			CurrentNodeInstanceIDIn: []int64{expectedCurrent},
		},
		Fields: &UpdateWorkflowInstanceField{
			CurrentNodeInstanceID: &nodeInstanceID,
			Data:                  data,
		},
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateWorkflowInstance failed, workflowInstanceID: %d", instance.ID)
	}
	if rows == 0 {
		return s.staleOrCancelled(ctx, instance.ID, "move current node failed, workflowInstanceID: %d", instance.ID)
	}
	instance.CurrentNodeInstanceID = nodeInstanceID
	instance.Data = data
	return nil
}

/*
*
  - @description: 激活节点
    交互节点: gate.Prepare 之后创建 waiting_user_input 的节点实例, 停下来等外部输入
    非交互节点: 同步执行 NodeWorker, 然后继续激活下一个节点, 直到遇到交互节点或者流程结束
  - @return *WorkflowNodeInstance 等待输入的节点, 流程结束返回nil
*/
func (s *WorkflowServiceImpl) activateNode(ctx context.Context, definition *WorkflowDefinition, instance *WorkflowInstance,
	node *NodeDefinition, expectedCurrent int64, data *JSONContext, events *transitionEvents) (*WorkflowNodeInstance, error) {
	current := expectedCurrent
	for steps := 0; node != nil; steps++ {
		if steps >= maxAutomaticSteps {
			return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "more than %d automatic steps, workflow: %s, node: %s", maxAutomaticSteps, definition.ID, node.ID)
		}
		if gate, ok := s.gates[node.Type]; ok {
			return s.activateGateNode(ctx, gate, instance, node, current, data, events)
		}
		worker, ok := s.workers[node.Type]
		if !ok {
			return nil, errors.WithMessagef(ErrNodeHandlerNotFound, "workflow: %s, node: %s, type: %s", definition.ID, node.ID, node.Type)
		}

		nodeContext := NewJSONContext(nil)
		nodeContext.Set([]string{NodeContextKeyWorkflowContext}, data.Clone().ToMap())
		nodeContext.Set([]string{"config"}, node.Config.ToMap())
		runErr := runNodeWorker(ContextWithClock(ctx, s.now), worker, node.Type, nodeContext)
		status := WorkflowNodeStatusCompleted
		if runErr != nil {
			addNodeContextSystemError(runErr, nodeContext, s.now())
			if !errors.Is(runErr, ErrNodeFailedWithContinue) {
				status = WorkflowNodeStatusFailed
			}
			if IsSeriousError(runErr) {
				slog.ErrorContext(ctx, fmt.Sprintf("[error]node run failed, workflowInstanceID: %d, node: %s, err: %v", instance.ID, node.ID, runErr))
			} else {
				slog.WarnContext(ctx, fmt.Sprintf("[warn]node run failed, workflowInstanceID: %d, node: %s, err: %v", instance.ID, node.ID, runErr))
			}
		}
		// 执行器对 workflow_context 的修改同步回实例数据
		if workflowContext, ok := nodeContext.Get(NodeContextKeyWorkflowContext); ok {
			if m, ok := workflowContext.(map[string]any); ok {
				data = NewJSONContextFromMap(m)
			}
		}
		nodeResult := nodeContext.Clone()
		nodeResult.Delete(NodeContextKeyWorkflowContext)
		nodeResult.Delete("config")

		nodePo, err := s.repo.CreateWorkflowNodeInstance(ctx, &WorkflowNodeInstancePo{
			WorkflowInstanceID: instance.ID,
			NodeID:             node.ID,
			NodeType:           node.Type,
			Status:             status,
			Data:               NewJSONContextFromMap(map[string]any{"config": node.Config.ToMap()}).ToBytesWithoutError(),
			Result:             nodeResult.ToBytesWithoutError(),
			CompletedAt:        s.now().Unix(),
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "CreateWorkflowNodeInstance failed, workflowInstanceID: %d, node: %s", instance.ID, node.ID)
		}
		events.resolved = append(events.resolved, resolvedEvent{nodeType: node.Type, status: status})
		data.Set([]string{"nodes", node.ID}, nodeResult.ToMap())
		if err := s.moveCurrentNode(ctx, instance, current, nodePo.ID, data); err != nil {
			return nil, err
		}
		current = nodePo.ID
		if status == WorkflowNodeStatusFailed {
			return nil, s.finishInstance(ctx, instance, current, WorkflowInstanceStatusFailed, data, events)
		}
		node, err = definition.NextNode(node, nodeResult, data)
		if err != nil {
			return nil, errors.WithMessagef(err, "NextNode failed, nodeInstanceID: %d", nodePo.ID)
		}
	}
	return nil, s.finishInstance(ctx, instance, current, WorkflowInstanceStatusCompleted, data, events)
}

func (s *WorkflowServiceImpl) activateGateNode(ctx context.Context, gate Gate, instance *WorkflowInstance,
	node *NodeDefinition, expectedCurrent int64, data *JSONContext, events *transitionEvents) (*WorkflowNodeInstance, error) {
	status := WorkflowNodeStatusWaitingUserInput
	nodeData, err := gate.Prepare(ctx, &ActivationRequest{
		Instance:     instance,
		Node:         node,
		InstanceData: data,
	})
	var completedAt int64
	if err != nil {
		if !errors.Is(err, ErrValidation) {
			return nil, errors.WithMessagef(err, "%s prepare failed, workflowInstanceID: %d, node: %s", node.Type, instance.ID, node.ID)
		}
		// 节点输入算不出来(比如找不到审批人), 等不到任何人提交, 直接失败
		slog.WarnContext(ctx, fmt.Sprintf("[warn]node prepare failed, workflowInstanceID: %d, node: %s, err: %v", instance.ID, node.ID, err))
		status = WorkflowNodeStatusFailed
		completedAt = s.now().Unix()
		nodeData = NewJSONContext(nil)
		nodeData.Set([]string{NodeContextKeyReason}, err.Error())
	}
	if nodeData == nil {
		nodeData = NewJSONContext(nil)
	}
	nodePo, err := s.repo.CreateWorkflowNodeInstance(ctx, &WorkflowNodeInstancePo{
		WorkflowInstanceID: instance.ID,
		NodeID:             node.ID,
		NodeType:           node.Type,
		Status:             status,
		Data:               nodeData.ToBytesWithoutError(),
		Result:             []byte("{}"),
		CompletedAt:        completedAt,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "CreateWorkflowNodeInstance failed, workflowInstanceID: %d, node: %s", instance.ID, node.ID)
	}
	if err := s.moveCurrentNode(ctx, instance, expectedCurrent, nodePo.ID, data); err != nil {
		return nil, err
	}
	nodeInstance := newWorkflowNodeInstance(nodePo, node.Name)
	if status == WorkflowNodeStatusFailed {
		events.resolved = append(events.resolved, resolvedEvent{nodeType: node.Type, status: status})
		return nodeInstance, s.finishInstance(ctx, instance, nodePo.ID, WorkflowInstanceStatusFailed, data, events)
	}
	events.activated = append(events.activated, node.Type)
	return nodeInstance, nil
}

// logOperationError 重复提交打info, 调用方的问题打warn, 需要人工介入的打error
func (s *WorkflowServiceImpl) logOperationError(ctx context.Context, operation string, err error) {
	switch {
	case IsSeriousError(err):
		slog.ErrorContext(ctx, fmt.Sprintf("[error]%s failed, err: %v", operation, err))
	case IsBenignError(err):
		slog.InfoContext(ctx, fmt.Sprintf("%s ignored, err: %v", operation, err))
	case IsCallerError(err), IsTokenError(err),
		errors.Is(err, ErrNotApprover), errors.Is(err, ErrInstanceCancelled),
		errors.Is(err, ErrWorkflowInstanceNotFound), errors.Is(err, ErrWorkflowNodeInstanceNotFound):
		slog.WarnContext(ctx, fmt.Sprintf("[warn]%s failed, err: %v", operation, err))
	default:
		slog.ErrorContext(ctx, fmt.Sprintf("%s failed, err: %v", operation, err))
	}
}

// magicLinkURL baseURL 末尾的 / 可有可无
func (s *WorkflowServiceImpl) magicLinkURL(token string) string {
	return strings.TrimRight(s.linkBaseURL, "/") + "/" + token
}
