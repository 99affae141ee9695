package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

const (
	contentTypeProblemJSON = "application/problem+json"
	problemTypePrefix      = "https://workflow.dev/problems/"

	// magic link 的所有失败对外只有这一句
	magicLinkGoneDetail = "this link is no longer valid"
)

// ProblemDetails RFC 7807
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// NoopResponse 重复提交的响应, 调用方当成成功处理
type NoopResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

var errUnauthenticated = errors.New("actor required")

func writeProblem(c echo.Context, status int, problemType string, title string, detail string) error {
	problem := &ProblemDetails{
		Type:     problemTypePrefix + problemType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}
	// c.JSON 不会覆盖已经设置的 Content-Type
	c.Response().Header().Set(echo.HeaderContentType, contentTypeProblemJSON)
	return c.JSON(status, problem)
}

// writeError 引擎错误映射成http响应
func writeError(c echo.Context, operation string, err error) error {
	ctx := c.Request().Context()
	switch {
	case workflow.IsBenignError(err):
		slog.WarnContext(ctx, fmt.Sprintf("[warn] %s noop, err: %v", operation, err))
		return c.JSON(http.StatusOK, &NoopResponse{Status: "noop", Reason: "already_resolved"})
	case errors.Is(err, errUnauthenticated):
		return writeProblem(c, http.StatusUnauthorized, "unauthenticated", "Unauthenticated", "missing user identity")
	case errors.Is(err, workflow.ErrWorkflowParamInvalid):
		return writeProblem(c, http.StatusBadRequest, "bad_request", "Bad Request", err.Error())
	case errors.Is(err, workflow.ErrInvalidSelection):
		return writeProblem(c, http.StatusUnprocessableEntity, "invalid_selection", "Invalid Selection", err.Error())
	case errors.Is(err, workflow.ErrValidation):
		return writeProblem(c, http.StatusUnprocessableEntity, "validation", "Validation Failed", err.Error())
	case errors.Is(err, workflow.ErrNotApprover):
		return writeProblem(c, http.StatusForbidden, "not_approver", "Forbidden", "actor is not the target approver")
	case errors.Is(err, workflow.ErrInstanceCancelled):
		return writeProblem(c, http.StatusConflict, "instance_cancelled", "Instance Cancelled", "workflow instance cancelled")
	case errors.Is(err, workflow.ErrWorkflowInstanceNotFound),
		errors.Is(err, workflow.ErrWorkflowNodeInstanceNotFound),
		errors.Is(err, workflow.ErrWorkflowDefinitionNotFound):
		return writeProblem(c, http.StatusNotFound, "not_found", "Not Found", err.Error())
	case workflow.IsTokenError(err):
		return writeMagicLinkGone(c)
	}
	slog.ErrorContext(ctx, fmt.Sprintf("[error] %s failed, err: %+v", operation, err))
	return writeProblem(c, http.StatusInternalServerError, "internal", "Internal Server Error", "internal error")
}

// writeMagicLinkError /magic 下面的接口, 除了重复提交和提交内容不对以外都不暴露具体原因
func writeMagicLinkError(c echo.Context, operation string, err error) error {
	switch {
	case workflow.IsBenignError(err), errors.Is(err, workflow.ErrValidation):
		return writeError(c, operation, err)
	case isWorkflowError(err):
		slog.InfoContext(c.Request().Context(), fmt.Sprintf("%s rejected, err: %v", operation, err))
		return writeMagicLinkGone(c)
	}
	return writeError(c, operation, err)
}

// isWorkflowError 引擎定义的错误, 其他的都当成内部错误
func isWorkflowError(err error) bool {
	return workflow.IsTokenError(err) ||
		workflow.IsCallerError(err) ||
		workflow.IsSeriousError(err) ||
		errors.Is(err, workflow.ErrNotApprover) ||
		errors.Is(err, workflow.ErrInstanceCancelled) ||
		errors.Is(err, workflow.ErrWorkflowInstanceNotFound) ||
		errors.Is(err, workflow.ErrWorkflowNodeInstanceNotFound)
}

func writeMagicLinkGone(c echo.Context) error {
	return writeProblem(c, http.StatusGone, "link_gone", "Gone", magicLinkGoneDetail)
}
