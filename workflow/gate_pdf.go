package workflow

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"
)

const defaultPdfMaxBytes = 20 << 20

var pdfMagic = []byte("%PDF-")

// Artifact 需要保存的文件
type Artifact struct {
	NodeInstanceID int64
	Name           string
	ContentType    string
	Content        []byte
}

// ArtifactStore 文件存储, 外部实现, 返回一个不透明的引用
type ArtifactStore interface {
	Put(ctx context.Context, artifact *Artifact) (string, error)
}

// PdfSignatureGate PDF签署节点
type PdfSignatureGate struct {
	store ArtifactStore
}

func NewPdfSignatureGate(store ArtifactStore) *PdfSignatureGate {
	return &PdfSignatureGate{store: store}
}

func (g *PdfSignatureGate) NodeType() NodeType {
	return NodeTypePdfSignature
}

func (g *PdfSignatureGate) Prepare(ctx context.Context, req *ActivationRequest) (*JSONContext, error) {
	data := NewJSONContext(nil)
	for _, key := range []string{"documentName", "documentUrl", "instructions"} {
		if value, ok := req.Node.Config.GetString(key); ok {
			data.Set([]string{key}, value)
		}
	}
	if signerFrom, ok := req.Node.Config.GetString("signerEmailFrom"); ok {
		if value, found := lookupPath(req.InstanceData, signerFrom); found {
			if email, ok := stringify(value); ok {
				data.Set([]string{"signerEmail"}, email)
			}
		}
	}
	return data, nil
}

func (g *PdfSignatureGate) Resolve(ctx context.Context, req *GateRequest) (*JSONContext, error) {
	if req.Payload == nil || req.Payload.Binary == nil || len(req.Payload.Binary.Content) == 0 {
		return nil, errors.WithMessage(ErrValidation, "signed pdf is required")
	}
	content := req.Payload.Binary.Content
	maxBytes := int64(defaultPdfMaxBytes)
	if configured, ok := req.Node.Config.GetInt64("maxBytes"); ok && configured > 0 {
		maxBytes = configured
	}
	if int64(len(content)) > maxBytes {
		return nil, errors.WithMessagef(ErrValidation, "pdf is %d bytes, limit is %d", len(content), maxBytes)
	}
	if !bytes.HasPrefix(content, pdfMagic) {
		return nil, errors.WithMessage(ErrValidation, "uploaded file is not a pdf")
	}
	name := req.Payload.Binary.Name
	if name == "" {
		name = "signed.pdf"
	}
	documentRef, err := g.store.Put(ctx, &Artifact{
		NodeInstanceID: req.NodeInstance.ID,
		Name:           name,
		ContentType:    "application/pdf",
		Content:        content,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "store signed pdf failed, nodeInstanceID: %d", req.NodeInstance.ID)
	}

	signer := map[string]any{
		"anonymous": req.Actor != nil && req.Actor.Anonymous,
	}
	if req.Actor != nil {
		if req.Actor.ID != "" {
			signer["id"] = req.Actor.ID
		}
		if req.Actor.Name != "" {
			signer["name"] = req.Actor.Name
		}
		if req.Actor.Email != "" {
			signer["email"] = req.Actor.Email
		}
	}
	// 签名的元数据(签名人姓名等)由调用方随文件一起提交
	fields := req.Payload.fieldsContext()
	if signerName, ok := fields.GetString("signerName"); ok && signerName != "" {
		signer["name"] = signerName
	}

	result := NewJSONContext(nil)
	result.Set([]string{"documentRef"}, documentRef)
	result.Set([]string{"signedAt"}, req.Now.UTC().Format(time.RFC3339))
	result.Set([]string{"signerIdentity"}, signer)
	if metadata, ok := fields.Get("signature"); ok {
		result.Set([]string{"signature"}, metadata)
	}
	return result, nil
}
