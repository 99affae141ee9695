package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactPo 签署后的文件, 内容直接存数据库
type ArtifactPo struct {
	ID             string `gorm:"column:id;primaryKey"` // uuid, 也就是返回给引擎的引用
	NodeInstanceID int64  `gorm:"column:node_instance_id;index"`
	Name           string `gorm:"column:name"`
	ContentType    string `gorm:"column:content_type"`
	Size           int64  `gorm:"column:size"`
	Sha256         string `gorm:"column:sha256"`
	Content        []byte `gorm:"column:content"`
	CreatedAt      int64  `gorm:"column:created_at"`
}

func (ArtifactPo) TableName() string {
	return "workflow_artifact"
}

func Models() []any {
	return []any{&ArtifactPo{}}
}

// Store 实现 workflow.ArtifactStore
// 写入会加入ctx中的事务, 节点解析失败的时候文件也一起回滚
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Put(ctx context.Context, artifact *workflow.Artifact) (string, error) {
	if artifact == nil {
		return "", errors.New("nil Artifact")
	}
	sum := sha256.Sum256(artifact.Content)
	po := &ArtifactPo{
		ID:             uuid.NewString(),
		NodeInstanceID: artifact.NodeInstanceID,
		Name:           artifact.Name,
		ContentType:    artifact.ContentType,
		Size:           int64(len(artifact.Content)),
		Sha256:         hex.EncodeToString(sum[:]),
		Content:        artifact.Content,
		CreatedAt:      time.Now().Unix(),
	}
	if err := workflow.GetDBWithContext(ctx, s.db).Create(po).Error; err != nil {
		return "", errors.WithMessagef(err, "create artifact failed, nodeInstanceID: %d", artifact.NodeInstanceID)
	}
	return po.ID, nil
}

func (s *Store) Get(ctx context.Context, ref string) (*ArtifactPo, error) {
	pos := make([]*ArtifactPo, 0, 1)
	err := workflow.GetDBWithContext(ctx, s.db).Model(&ArtifactPo{}).Where("id = ?", ref).Limit(1).Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "query artifact failed, ref: %s", ref)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrArtifactNotFound, "ref: %s", ref)
	}
	return pos[0], nil
}
