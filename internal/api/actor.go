package api

import (
	"github.com/labstack/echo/v4"

	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

// 网关鉴权之后透传的用户信息
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserName  = "X-User-Name"
	HeaderUserEmail = "X-User-Email"
	HeaderCompanyID = "X-Company-Id"
)

// ActorExtractor 从请求中取出操作人, 没有登录用户时返回nil
type ActorExtractor interface {
	Extract(c echo.Context) *workflow.Actor
}

type ActorExtractorFunc func(c echo.Context) *workflow.Actor

func (f ActorExtractorFunc) Extract(c echo.Context) *workflow.Actor {
	return f(c)
}

// HeaderActorExtractor 默认实现, 读取网关设置的请求头
type HeaderActorExtractor struct{}

func (HeaderActorExtractor) Extract(c echo.Context) *workflow.Actor {
	header := c.Request().Header
	userID := header.Get(HeaderUserID)
	if userID == "" {
		return nil
	}
	return &workflow.Actor{
		ID:        userID,
		Name:      header.Get(HeaderUserName),
		Email:     header.Get(HeaderUserEmail),
		CompanyID: header.Get(HeaderCompanyID),
	}
}
