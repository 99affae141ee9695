package api

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/lionking1994/HerdAIWeb-sub001/internal/artifact"
	"github.com/lionking1994/HerdAIWeb-sub001/internal/logging"
	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

type startInstanceBody struct {
	WorkflowID string         `json:"workflowId"`
	Data       map[string]any `json:"data"`
}

type submitFormBody struct {
	Data map[string]any `json:"data"`
}

type submitApprovalBody struct {
	Decision string `json:"decision"`
	Comments string `json:"comments"`
}

type submitCrmApprovalBody struct {
	Decision         string            `json:"decision"`
	Comments         string            `json:"comments"`
	SelectedCrmItems []string          `json:"selectedCrmItems"`
	AssignedSellers  map[string]string `json:"assignedSellers"`
}

type sendMagicLinkBody struct {
	Purpose    string `json:"purpose"`
	Address    string `json:"address"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

type listInstancesResp struct {
	Items []*workflow.WorkflowInstance `json:"items"`
	Total int64                        `json:"total"`
	Page  int64                        `json:"page"`
	Size  int64                        `json:"size"`
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.WithMessagef(workflow.ErrWorkflowParamInvalid, "invalid %s: %q", name, c.Param(name))
	}
	return id, nil
}

func queryInt(c echo.Context, name string, defaultValue int64) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, errors.WithMessagef(workflow.ErrWorkflowParamInvalid, "invalid %s: %q", name, raw)
	}
	return v, nil
}

// bindBody json 请求体里的数字按 json.Number 解析, 大整数不会丢精度
func bindBody(c echo.Context, body any) error {
	req := c.Request()
	if !strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := (&echo.DefaultBinder{}).BindBody(c, body); err != nil {
			return errors.WithMessagef(workflow.ErrWorkflowParamInvalid, "invalid request body: %v", err)
		}
		return nil
	}
	decoder := json.NewDecoder(req.Body)
	decoder.UseNumber()
	if err := decoder.Decode(body); err != nil && !errors.Is(err, io.EOF) {
		return errors.WithMessagef(workflow.ErrWorkflowParamInvalid, "invalid request body: %v", err)
	}
	return nil
}

func (s *Server) requireActor(c echo.Context) (*workflow.Actor, error) {
	actor := s.actorExtractor.Extract(c)
	if actor == nil {
		return nil, errUnauthenticated
	}
	return actor, nil
}

// maxLinkTTLSeconds 换算成 time.Duration 不会溢出, 真正的上限由 MagicLinkIssuer 控制
const maxLinkTTLSeconds = int64(math.MaxInt64 / int64(time.Second))

func linkTTL(seconds int64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	if seconds > maxLinkTTLSeconds {
		seconds = maxLinkTTLSeconds
	}
	return time.Duration(seconds) * time.Second
}

// withNodeInstance 日志带上节点实例id
func withNodeInstance(c echo.Context, nodeInstanceID int64) {
	req := c.Request()
	c.SetRequest(req.WithContext(logging.WithNodeInstanceID(req.Context(), nodeInstanceID)))
}

func withInstance(c echo.Context, workflowInstanceID int64) {
	req := c.Request()
	c.SetRequest(req.WithContext(logging.WithInstanceID(req.Context(), workflowInstanceID)))
}

// StartInstance (POST /api/v1/instances)
func (s *Server) StartInstance(c echo.Context) error {
	body := &startInstanceBody{}
	if err := bindBody(c, body); err != nil {
		return writeError(c, "StartInstance", err)
	}
	detail, err := s.service.StartInstance(c.Request().Context(), &workflow.StartInstanceReq{
		WorkflowID: body.WorkflowID,
		Data:       body.Data,
		Actor:      s.actorExtractor.Extract(c),
	})
	if err != nil {
		return writeError(c, "StartInstance", err)
	}
	return c.JSON(http.StatusCreated, detail)
}

// ListInstances (GET /api/v1/instances)
func (s *Server) ListInstances(c echo.Context) error {
	if _, err := s.requireActor(c); err != nil {
		return writeError(c, "ListInstances", err)
	}
	page, err := queryInt(c, "page", 1)
	if err != nil {
		return writeError(c, "ListInstances", err)
	}
	size, err := queryInt(c, "size", 20)
	if err != nil {
		return writeError(c, "ListInstances", err)
	}
	if size > 100 {
		size = 100
	}
	params := &workflow.QueryWorkflowInstanceParams{
		OrderbyIDAsc: workflow.Bool(false),
	}
	if workflowID := c.QueryParam("workflow_id"); workflowID != "" {
		params.WorkflowIDIn = []string{workflowID}
	}
	if status := c.QueryParam("status"); status != "" {
		params.StatusIn = []string{status}
	}
	ctx := c.Request().Context()
	total, err := s.service.CountWorkflowInstance(ctx, params)
	if err != nil {
		return writeError(c, "ListInstances", err)
	}
	params.Page = &workflow.Pager{Page: page, Size: size}
	items, err := s.service.QueryWorkflowInstance(ctx, params)
	if err != nil {
		return writeError(c, "ListInstances", err)
	}
	return c.JSON(http.StatusOK, &listInstancesResp{Items: items, Total: total, Page: page, Size: size})
}

// GetInstance (GET /api/v1/instances/:id)
func (s *Server) GetInstance(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, "GetInstance", err)
	}
	if _, err := s.requireActor(c); err != nil {
		return writeError(c, "GetInstance", err)
	}
	detail, err := s.service.GetInstance(c.Request().Context(), id)
	if err != nil {
		return writeError(c, "GetInstance", err)
	}
	return c.JSON(http.StatusOK, detail)
}

// ActivateInstance (POST /api/v1/instances/:id/activate)
func (s *Server) ActivateInstance(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, "ActivateInstance", err)
	}
	if _, err := s.requireActor(c); err != nil {
		return writeError(c, "ActivateInstance", err)
	}
	withInstance(c, id)
	nodeInstance, err := s.service.ActivateInstance(c.Request().Context(), id)
	if err != nil {
		return writeError(c, "ActivateInstance", err)
	}
	return c.JSON(http.StatusOK, nodeInstance)
}

// CancelInstance (POST /api/v1/instances/:id/cancel)
func (s *Server) CancelInstance(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, "CancelInstance", err)
	}
	if _, err := s.requireActor(c); err != nil {
		return writeError(c, "CancelInstance", err)
	}
	withInstance(c, id)
	ctx := c.Request().Context()
	if err := s.service.CancelInstance(ctx, id); err != nil {
		return writeError(c, "CancelInstance", err)
	}
	detail, err := s.service.GetInstance(ctx, id)
	if err != nil {
		return writeError(c, "CancelInstance", err)
	}
	return c.JSON(http.StatusOK, detail)
}

// GetNodeInstance (GET /api/v1/node-instances/:id)
func (s *Server) GetNodeInstance(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, "GetNodeInstance", err)
	}
	if _, err := s.requireActor(c); err != nil {
		return writeError(c, "GetNodeInstance", err)
	}
	nodeInstance, err := s.service.GetNodeInstance(c.Request().Context(), id)
	if err != nil {
		return writeError(c, "GetNodeInstance", err)
	}
	return c.JSON(http.StatusOK, nodeInstance)
}

// SubmitForm (POST /api/v1/node-instances/:id/form)
func (s *Server) SubmitForm(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, "SubmitForm", err)
	}
	actor, err := s.requireActor(c)
	if err != nil {
		return writeError(c, "SubmitForm", err)
	}
	body := &submitFormBody{}
	if err := bindBody(c, body); err != nil {
		return writeError(c, "SubmitForm", err)
	}
	withNodeInstance(c, id)
	result, err := s.service.SubmitForm(c.Request().Context(), &workflow.SubmitFormReq{
		NodeInstanceID: id,
		Actor:          actor,
		Data:           body.Data,
	})
	if err != nil {
		return writeError(c, "SubmitForm", err)
	}
	return c.JSON(http.StatusOK, result)
}

// SubmitApproval (POST /api/v1/node-instances/:id/approval)
func (s *Server) SubmitApproval(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, "SubmitApproval", err)
	}
	actor, err := s.requireActor(c)
	if err != nil {
		return writeError(c, "SubmitApproval", err)
	}
	body := &submitApprovalBody{}
	if err := bindBody(c, body); err != nil {
		return writeError(c, "SubmitApproval", err)
	}
	withNodeInstance(c, id)
	result, err := s.service.SubmitApproval(c.Request().Context(), &workflow.SubmitApprovalReq{
		NodeInstanceID: id,
		Actor:          actor,
		Decision:       body.Decision,
		Comments:       body.Comments,
	})
	if err != nil {
		return writeError(c, "SubmitApproval", err)
	}
	return c.JSON(http.StatusOK, result)
}

// SubmitCrmApproval (POST /api/v1/node-instances/:id/crm-approval)
func (s *Server) SubmitCrmApproval(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, "SubmitCrmApproval", err)
	}
	actor, err := s.requireActor(c)
	if err != nil {
		return writeError(c, "SubmitCrmApproval", err)
	}
	body := &submitCrmApprovalBody{}
	if err := bindBody(c, body); err != nil {
		return writeError(c, "SubmitCrmApproval", err)
	}
	withNodeInstance(c, id)
	result, err := s.service.SubmitCrmApproval(c.Request().Context(), &workflow.SubmitCrmApprovalReq{
		NodeInstanceID:   id,
		Actor:            actor,
		Decision:         body.Decision,
		Comments:         body.Comments,
		SelectedCrmItems: body.SelectedCrmItems,
		AssignedSellers:  body.AssignedSellers,
	})
	if err != nil {
		return writeError(c, "SubmitCrmApproval", err)
	}
	return c.JSON(http.StatusOK, result)
}

// SendMagicLink (POST /api/v1/node-instances/:id/magic-links)
func (s *Server) SendMagicLink(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, "SendMagicLink", err)
	}
	actor, err := s.requireActor(c)
	if err != nil {
		return writeError(c, "SendMagicLink", err)
	}
	body := &sendMagicLinkBody{}
	if err := bindBody(c, body); err != nil {
		return writeError(c, "SendMagicLink", err)
	}
	withNodeInstance(c, id)
	resp, err := s.service.SendMagicLink(c.Request().Context(), &workflow.SendMagicLinkReq{
		NodeInstanceID: id,
		Purpose:        body.Purpose,
		Address:        body.Address,
		TTL:            linkTTL(body.TTLSeconds),
		Actor:          actor,
	})
	if err != nil {
		return writeError(c, "SendMagicLink", err)
	}
	return c.JSON(http.StatusCreated, resp)
}

// directApprovalConfirm GET 只返回确认信息, 提交必须用 POST
type directApprovalConfirm struct {
	Status         string `json:"status"`
	Method         string `json:"method"`
	NodeInstanceID int64  `json:"nodeInstanceId"`
	Decision       string `json:"decision"`
}

// ConfirmDirectApproval (GET /approvals/:id/:decision)
// 邮件客户端和安全扫描会预取链接, GET 不能改变状态
func (s *Server) ConfirmDirectApproval(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, "ConfirmDirectApproval", err)
	}
	decision := c.Param("decision")
	if decision != workflow.DecisionApproved && decision != workflow.DecisionRejected {
		return writeError(c, "ConfirmDirectApproval", errors.WithMessagef(workflow.ErrWorkflowParamInvalid, "unknown decision %q", decision))
	}
	return c.JSON(http.StatusOK, &directApprovalConfirm{
		Status:         "confirm_required",
		Method:         http.MethodPost,
		NodeInstanceID: id,
		Decision:       decision,
	})
}

// DirectApproval (POST /approvals/:id/:decision)
// 邮件里面的单击审批链接确认之后, 以节点指定的审批人身份提交
func (s *Server) DirectApproval(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, "DirectApproval", err)
	}
	withNodeInstance(c, id)
	result, err := s.service.DirectApprovalByID(c.Request().Context(), &workflow.DirectApprovalReq{
		ApprovalID: id,
		Decision:   c.Param("decision"),
		Comments:   c.QueryParam("comments"),
	})
	if err != nil {
		return writeError(c, "DirectApproval", err)
	}
	return c.JSON(http.StatusOK, result)
}

// DownloadArtifact (GET /api/v1/artifacts/:ref)
func (s *Server) DownloadArtifact(c echo.Context) error {
	if _, err := s.requireActor(c); err != nil {
		return writeError(c, "DownloadArtifact", err)
	}
	po, err := s.artifacts.Get(c.Request().Context(), c.Param("ref"))
	if err != nil {
		if errors.Is(err, artifact.ErrArtifactNotFound) {
			return writeProblem(c, http.StatusNotFound, "not_found", "Not Found", "artifact not found")
		}
		return writeError(c, "DownloadArtifact", err)
	}
	contentType := po.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", po.Name))
	return c.Blob(http.StatusOK, contentType, po.Content)
}
