package workflow

import (
	"context"

	"github.com/pkg/errors"
)

func (s *WorkflowServiceImpl) SendMagicLink(ctx context.Context, req *SendMagicLinkReq) (*SendMagicLinkResp, error) {
	if req == nil {
		return nil, errors.Wrap(ErrWorkflowParamInvalid, "SendMagicLink failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "SendMagicLink failed, nodeInstanceID: %d, err: %v", req.NodeInstanceID, err)
	}
	if s.issuer == nil || s.notifier == nil {
		return nil, errors.Wrap(ErrWorkBussinessCriticalError, "magic links are not configured")
	}
	var resp *SendMagicLinkResp
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		nodePo, err := s.getNodeInstancePo(ctx, req.NodeInstanceID)
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
		if !PurposeMatchesNodeType(req.Purpose, nodePo.NodeType) {
			return errors.WithMessagef(ErrValidation, "purpose %s does not match %s node, nodeInstanceID: %d", req.Purpose, nodePo.NodeType, nodePo.ID)
		}
		token, claims, err := s.issuer.Issue(nodePo.ID, req.Purpose, req.TTL)
		if err != nil {
			return errors.WithMessagef(err, "Issue magic link failed, nodeInstanceID: %d", nodePo.ID)
		}
		_, err = s.repo.CreateMagicLinkToken(ctx, &MagicLinkTokenPo{
			ID:             claims.ID,
			NodeInstanceID: nodePo.ID,
			Purpose:        req.Purpose,
			TokenHash:      HashMagicLinkToken(token),
			Address:        req.Address,
			IssuedAt:       claims.IssuedAt.Unix(),
			ExpiresAt:      claims.ExpiresAt.Unix(),
		})
		if err != nil {
			return errors.WithMessagef(err, "CreateMagicLinkToken failed, nodeInstanceID: %d", nodePo.ID)
		}
		// 通知失败整个事务回滚, 不会留下发不出去的token
		err = s.notifier.SendLink(ctx, &LinkNotification{
			Address:            req.Address,
			URL:                s.magicLinkURL(token),
			Purpose:            req.Purpose,
			NodeInstanceID:     nodePo.ID,
			WorkflowInstanceID: instancePo.ID,
			NodeName:           s.nodeName(instancePo.WorkflowID, nodePo.NodeID),
			ExpiresAt:          claims.ExpiresAt.Time,
		})
		if err != nil {
			return errors.WithMessagef(err, "SendLink failed, nodeInstanceID: %d", nodePo.ID)
		}
		resp = &SendMagicLinkResp{
			TokenID:        claims.ID,
			NodeInstanceID: nodePo.ID,
			ExpiresAt:      claims.ExpiresAt.Time,
		}
		return nil
	})
	if err != nil {
		s.logOperationError(ctx, "SendMagicLink", err)
		return nil, err
	}
	s.observer.MagicLink(MagicLinkEventIssued)
	return resp, nil
}

// loadMagicLinkToken 签名之外还要检查数据库里的记录, token 必须是我们签发并且还没用过的
func (s *WorkflowServiceImpl) loadMagicLinkToken(ctx context.Context, token string, claims *MagicLinkClaims) (*MagicLinkTokenPo, error) {
	pos, err := s.repo.QueryMagicLinkToken(ctx, &QueryMagicLinkTokenParams{
		TokenID: &claims.ID,
		Page: &Pager{
			Page: 1,
			Size: 1,
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryMagicLinkToken failed, tokenID: %s", claims.ID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrTokenInvalid, "token record not found, tokenID: %s", claims.ID)
	}
	po := pos[0]
	if po.TokenHash != HashMagicLinkToken(token) || po.NodeInstanceID != claims.NodeInstanceID || po.Purpose != claims.Purpose {
		return nil, errors.WithMessagef(ErrTokenInvalid, "token record mismatch, tokenID: %s", claims.ID)
	}
	if po.ConsumedAt != 0 {
		return nil, errors.WithMessagef(ErrTokenInvalid, "token already used, tokenID: %s", claims.ID)
	}
	return po, nil
}

func (s *WorkflowServiceImpl) validateMagicLinkClaims(token string) (*MagicLinkClaims, error) {
	if s.issuer == nil {
		return nil, errors.WithMessage(ErrTokenInvalid, "magic links are not configured")
	}
	return s.issuer.Validate(token)
}

func (s *WorkflowServiceImpl) ValidateMagicLink(ctx context.Context, token string) (*MagicLinkPreview, error) {
	preview, err := s.validateMagicLink(ctx, token)
	if err != nil {
		if IsTokenError(err) {
			s.observer.MagicLink(MagicLinkEventRejected)
		}
		s.logOperationError(ctx, "ValidateMagicLink", err)
		return nil, err
	}
	s.observer.MagicLink(MagicLinkEventValidated)
	return preview, nil
}

func (s *WorkflowServiceImpl) validateMagicLink(ctx context.Context, token string) (*MagicLinkPreview, error) {
	claims, err := s.validateMagicLinkClaims(token)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadMagicLinkToken(ctx, token, claims); err != nil {
		return nil, err
	}
	nodePo, err := s.getNodeInstancePo(ctx, claims.NodeInstanceID)
	if err != nil {
		return nil, asMagicLinkTargetGone(err)
	}
	instancePo, err := s.getInstancePo(ctx, nodePo.WorkflowInstanceID)
	if err != nil {
		return nil, asMagicLinkTargetGone(err)
	}
	if _, err := s.definitions.GetWorkflowDefinition(instancePo.WorkflowID); err != nil {
		return nil, asMagicLinkTargetGone(errors.WithMessagef(err, "workflowID: %s", instancePo.WorkflowID))
	}
	// 节点已经处理完或者实例结束了, 链接也就没用了
	if nodePo.Status != WorkflowNodeStatusWaitingUserInput || instancePo.Status != WorkflowInstanceStatusActive {
		return nil, errors.WithMessagef(ErrTokenInvalid, "node is %s, instance is %s, nodeInstanceID: %d", nodePo.Status, instancePo.Status, nodePo.ID)
	}
	node := newWorkflowNodeInstance(nodePo, s.nodeName(instancePo.WorkflowID, nodePo.NodeID))
	return &MagicLinkPreview{
		NodeInstanceID:     node.ID,
		WorkflowInstanceID: node.WorkflowInstanceID,
		Purpose:            claims.Purpose,
		NodeType:           node.NodeType,
		NodeName:           node.NodeName,
		Data:               node.Data,
		ExpiresAt:          claims.ExpiresAt.Time,
	}, nil
}

func (s *WorkflowServiceImpl) CompleteViaMagicLink(ctx context.Context, req *CompleteViaMagicLinkReq) (*ResolveResult, error) {
	if req == nil {
		return nil, errors.Wrap(ErrWorkflowParamInvalid, "CompleteViaMagicLink failed, req is nil")
	}
	claims, err := s.validateMagicLinkClaims(req.Token)
	if err != nil {
		s.observer.MagicLink(MagicLinkEventRejected)
		s.logOperationError(ctx, "CompleteViaMagicLink", err)
		return nil, err
	}
	result, err := s.resolve(ctx, &resolveParams{
		operation:      "CompleteViaMagicLink",
		nodeInstanceID: claims.NodeInstanceID,
		nodeTypes:      []NodeType{magicLinkPurposeNodeTypes[claims.Purpose]},
		payload: &GatePayload{
			Fields: req.Fields,
			Binary: req.Binary,
		},
		beforeResolve: func(ctx context.Context, gateReq *GateRequest) error {
			tokenPo, err := s.loadMagicLinkToken(ctx, req.Token, claims)
			if err != nil {
				return err
			}
			// 和节点解析在同一个事务中, 解析失败的时候这里也会回滚
			rows, err := s.repo.UpdateMagicLinkToken(ctx, &UpdateMagicLinkTokenParams{
				Where: &UpdateMagicLinkTokenWhere{
					IDIn:         []string{tokenPo.ID},
					IsUnconsumed: Bool(true),
				},
				Fields: &UpdateMagicLinkTokenField{
					ConsumedAt: Int64(gateReq.Now.Unix()),
				},
			})
			if err != nil {
				return errors.WithMessagef(err, "UpdateMagicLinkToken failed, tokenID: %s", tokenPo.ID)
			}
			if rows == 0 {
				return errors.WithMessagef(ErrTokenInvalid, "token already used, tokenID: %s", tokenPo.ID)
			}
			gateReq.Actor = &Actor{Anonymous: true, Email: tokenPo.Address}
			return nil
		},
	})
	if err != nil {
		// 对持有链接的人来说, 节点被处理了/实例被取消了都只是"链接失效"
		if errors.Is(err, ErrStaleState) || errors.Is(err, ErrInstanceCancelled) {
			err = errors.WithMessage(ErrTokenInvalid, err.Error())
		}
		err = asMagicLinkTargetGone(err)
		if IsTokenError(err) {
			s.observer.MagicLink(MagicLinkEventRejected)
		}
		return nil, err
	}
	s.observer.MagicLink(MagicLinkEventConsumed)
	return result, nil
}

// asMagicLinkTargetGone 链接指向的节点/实例/流程定义找不到了, 对持有链接的人来说也只是链接失效
func asMagicLinkTargetGone(err error) error {
	if errors.Is(err, ErrWorkflowNodeInstanceNotFound) ||
		errors.Is(err, ErrWorkflowInstanceNotFound) ||
		errors.Is(err, ErrWorkflowDefinitionNotFound) ||
		errors.Is(err, ErrWorkflowDefinitionInvalid) ||
		errors.Is(err, ErrNodeHandlerNotFound) {
		return errors.WithMessage(ErrTokenInvalid, err.Error())
	}
	return err
}
