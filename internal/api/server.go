// Package api workflow 引擎的 HTTP 接口
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lionking1994/HerdAIWeb-sub001/internal/artifact"
	"github.com/lionking1994/HerdAIWeb-sub001/internal/logging"
	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

const defaultMaxUploadBytes = 20 << 20

// ArtifactReader 下载签署后的文件, 可以不配置
type ArtifactReader interface {
	Get(ctx context.Context, ref string) (*artifact.ArtifactPo, error)
}

type Server struct {
	service        workflow.WorkflowService
	artifacts      ArtifactReader
	actorExtractor ActorExtractor
	maxUploadBytes int64
}

type Option func(*Server)

func WithArtifactReader(reader ArtifactReader) Option {
	return func(s *Server) {
		s.artifacts = reader
	}
}

func WithActorExtractor(extractor ActorExtractor) Option {
	return func(s *Server) {
		if extractor != nil {
			s.actorExtractor = extractor
		}
	}
}

func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

func NewServer(service workflow.WorkflowService, opts ...Option) *Server {
	s := &Server{
		service:        service,
		actorExtractor: HeaderActorExtractor{},
		maxUploadBytes: defaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register 注册路由, /healthz 和 /metrics 由 cmd 负责
func (s *Server) Register(e *echo.Echo) {
	e.Use(requestContext)

	v1 := e.Group("/api/v1")
	v1.POST("/instances", s.StartInstance)
	v1.GET("/instances", s.ListInstances)
	v1.GET("/instances/:id", s.GetInstance)
	v1.POST("/instances/:id/activate", s.ActivateInstance)
	v1.POST("/instances/:id/cancel", s.CancelInstance)
	v1.GET("/node-instances/:id", s.GetNodeInstance)
	v1.POST("/node-instances/:id/form", s.SubmitForm)
	v1.POST("/node-instances/:id/approval", s.SubmitApproval)
	v1.POST("/node-instances/:id/crm-approval", s.SubmitCrmApproval)
	v1.POST("/node-instances/:id/magic-links", s.SendMagicLink)
	if s.artifacts != nil {
		v1.GET("/artifacts/:ref", s.DownloadArtifact)
	}

	e.GET("/magic/:token", s.ValidateMagicLink)
	e.POST("/magic/:token", s.CompleteViaMagicLink)
	e.GET("/approvals/:id/:decision", s.ConfirmDirectApproval)
	e.POST("/approvals/:id/:decision", s.DirectApproval)
}

// requestContext 把 request id 放到ctx中, 日志里面带上
func requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		requestID := c.Request().Header.Get(echo.HeaderXRequestID)
		if requestID == "" {
			requestID = c.Response().Header().Get(echo.HeaderXRequestID)
		}
		if requestID != "" {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))
		}
		return next(c)
	}
}

// Healthz 健康检查
func Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
