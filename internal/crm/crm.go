package crm

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

// CRM 条目类型
const (
	KindAccount     = "account"
	KindContact     = "contact"
	KindOpportunity = "opportunity"
)

// 实例数据中的约定key
const (
	InstanceDataKeyMeetingID = "meeting_id"
	// InstanceDataKeyCrmItems 启动实例时直接带上的CRM条目, 有的话优先使用
	InstanceDataKeyCrmItems = "crm_items"
)

type CompanyUserPo struct {
	ID        string `gorm:"column:id;primaryKey"`
	CompanyID string `gorm:"column:company_id;index"`
	Name      string `gorm:"column:name"`
	Email     string `gorm:"column:email"`
}

func (CompanyUserPo) TableName() string {
	return "company_user"
}

// MeetingCrmItemPo 会议分析出来的CRM条目
type MeetingCrmItemPo struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	MeetingID string `gorm:"column:meeting_id;index"`
	Kind      string `gorm:"column:kind"`
	ItemID    string `gorm:"column:item_id"`
	Name      string `gorm:"column:name"`
}

func (MeetingCrmItemPo) TableName() string {
	return "meeting_crm_item"
}

func Models() []any {
	return []any{&CompanyUserPo{}, &MeetingCrmItemPo{}}
}

// Directory 实现 workflow.UserDirectory
type Directory struct {
	db *gorm.DB
}

func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) ListCompanyUsers(ctx context.Context, companyID string) ([]*workflow.CompanyUser, error) {
	if companyID == "" {
		return []*workflow.CompanyUser{}, nil
	}
	pos := make([]*CompanyUserPo, 0)
	err := workflow.GetDBWithContext(ctx, d.db).Model(&CompanyUserPo{}).
		Where("company_id = ?", companyID).
		Order("name asc, id asc").
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "query company users failed, companyID: %s", companyID)
	}
	users := make([]*workflow.CompanyUser, 0, len(pos))
	for _, po := range pos {
		users = append(users, &workflow.CompanyUser{ID: po.ID, Name: po.Name, Email: po.Email})
	}
	return users, nil
}

// SnapshotSource 实现 workflow.CrmDataSource
// 实例数据里面有 crm_items 的时候直接使用, 否则按 meeting_id 查询会议的CRM条目
type SnapshotSource struct {
	db *gorm.DB
}

func NewSnapshotSource(db *gorm.DB) *SnapshotSource {
	return &SnapshotSource{db: db}
}

func (s *SnapshotSource) LoadCrmSnapshot(ctx context.Context, req *workflow.ActivationRequest) (*workflow.CrmSnapshot, error) {
	if req == nil {
		return nil, errors.New("nil ActivationRequest")
	}
	if raw, ok := req.InstanceData.Get(InstanceDataKeyCrmItems); ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, errors.Wrap(err, "marshal crm_items failed")
		}
		snapshot := &workflow.CrmSnapshot{}
		if err := json.Unmarshal(b, snapshot); err != nil {
			return nil, errors.WithMessagef(workflow.ErrValidation, "crm_items is not a crm snapshot: %v", err)
		}
		return snapshot, nil
	}
	meetingID := meetingIDFromData(req.InstanceData)
	if meetingID == "" {
		// 没有会议的流程, CRM列表为空
		return &workflow.CrmSnapshot{}, nil
	}
	pos := make([]*MeetingCrmItemPo, 0)
	err := workflow.GetDBWithContext(ctx, s.db).Model(&MeetingCrmItemPo{}).
		Where("meeting_id = ?", meetingID).
		Order("id asc").
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "query meeting crm items failed, meetingID: %s", meetingID)
	}
	snapshot := &workflow.CrmSnapshot{
		Accounts:      make([]*workflow.CrmItem, 0),
		Contacts:      make([]*workflow.CrmItem, 0),
		Opportunities: make([]*workflow.CrmItem, 0),
	}
	for _, po := range pos {
		item := &workflow.CrmItem{ID: po.ItemID, Name: po.Name}
		switch po.Kind {
		case KindAccount:
			snapshot.Accounts = append(snapshot.Accounts, item)
		case KindContact:
			snapshot.Contacts = append(snapshot.Contacts, item)
		case KindOpportunity:
			snapshot.Opportunities = append(snapshot.Opportunities, item)
		}
	}
	return snapshot, nil
}

// meetingIDFromData 会议id可能是数字
func meetingIDFromData(data *workflow.JSONContext) string {
	raw, ok := data.Get(InstanceDataKeyMeetingID)
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}
