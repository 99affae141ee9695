package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

const magicLinkFileField = "file"

type completeMagicLinkBody struct {
	Fields map[string]any `json:"fields"`
}

// ValidateMagicLink (GET /magic/:token)
// 只读预览, 打开链接的时候调用
func (s *Server) ValidateMagicLink(c echo.Context) error {
	preview, err := s.service.ValidateMagicLink(c.Request().Context(), c.Param("token"))
	if err != nil {
		return writeMagicLinkError(c, "ValidateMagicLink", err)
	}
	return c.JSON(http.StatusOK, preview)
}

// CompleteViaMagicLink (POST /magic/:token)
// json: {"fields": {...}}, multipart: 普通字段 + file 文件
func (s *Server) CompleteViaMagicLink(c echo.Context) error {
	req := &workflow.CompleteViaMagicLinkReq{Token: c.Param("token")}
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, s.maxUploadBytes)

	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(contentType, echo.MIMEMultipartForm) {
		fields, binary, err := readMultipartPayload(c)
		if err != nil {
			return writeUploadError(c, err)
		}
		req.Fields = fields
		req.Binary = binary
	} else {
		body := &completeMagicLinkBody{}
		if err := bindBody(c, body); err != nil {
			return writeUploadError(c, err)
		}
		req.Fields = body.Fields
	}

	result, err := s.service.CompleteViaMagicLink(c.Request().Context(), req)
	if err != nil {
		return writeMagicLinkError(c, "CompleteViaMagicLink", err)
	}
	return c.JSON(http.StatusOK, result)
}

func readMultipartPayload(c echo.Context) (map[string]any, *workflow.BinaryPayload, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, nil, errors.WithMessagef(workflow.ErrWorkflowParamInvalid, "invalid multipart body: %v", err)
	}
	fields := make(map[string]any, len(form.Value))
	for name, values := range form.Value {
		if len(values) > 0 {
			fields[name] = values[0]
		}
	}
	headers := form.File[magicLinkFileField]
	if len(headers) == 0 {
		return fields, nil, nil
	}
	header := headers[0]
	file, err := header.Open()
	if err != nil {
		return nil, nil, errors.Wrap(err, "open uploaded file failed")
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read uploaded file failed")
	}
	contentType := header.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = http.DetectContentType(content)
	}
	return fields, &workflow.BinaryPayload{
		Name:        header.Filename,
		ContentType: contentType,
		Content:     content,
	}, nil
}

func writeUploadError(c echo.Context, err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) || strings.Contains(err.Error(), "request body too large") {
		return writeProblem(c, http.StatusRequestEntityTooLarge, "too_large", "Payload Too Large", "upload exceeds size limit")
	}
	return writeError(c, "CompleteViaMagicLink", err)
}
