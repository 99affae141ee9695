package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type WorkflowInstancePo struct {
	ID                    int64                  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	WorkflowID            string                 `gorm:"column:workflow_id;index" json:"workflow_id"`
	Status                WorkflowInstanceStatus `gorm:"column:status" json:"status"`
	Data                  []byte                 `gorm:"column:data" json:"data"` // 实例上下文, 跨节点传递
	CurrentNodeInstanceID int64                  `gorm:"column:current_node_instance_id" json:"current_node_instance_id"`
	CreatedAt             int64                  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             int64                  `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt             gorm.DeletedAt         `gorm:"column:deleted_at;index" json:"-"` // 只做软删除, 引擎自己不会删除
}

func (WorkflowInstancePo) TableName() string {
	return "workflow_instance"
}

type WorkflowNodeInstancePo struct {
	ID                 int64              `gorm:"column:id;primaryKey;autoIncrement"`
	WorkflowInstanceID int64              `gorm:"column:workflow_instance_id;index"`
	NodeID             string             `gorm:"column:node_id"`
	NodeType           NodeType           `gorm:"column:node_type"`
	Status             WorkflowNodeStatus `gorm:"column:status"`
	Data               []byte             `gorm:"column:data"`   // 节点输入
	Result             []byte             `gorm:"column:result"` // gate写入的结果
	CreatedAt          int64              `gorm:"column:created_at"`
	UpdatedAt          int64              `gorm:"column:updated_at"`
	CompletedAt        int64              `gorm:"column:completed_at"` // 0 表示还没有完成
}

func (WorkflowNodeInstancePo) TableName() string {
	return "workflow_node_instance"
}

// MagicLinkTokenPo 只保存token的hash, token本身不落库
type MagicLinkTokenPo struct {
	ID             string `gorm:"column:id;primaryKey"` // jwt jti
	NodeInstanceID int64  `gorm:"column:node_instance_id;index"`
	Purpose        string `gorm:"column:purpose"`
	TokenHash      string `gorm:"column:token_hash"`
	Address        string `gorm:"column:address"`
	IssuedAt       int64  `gorm:"column:issued_at"`
	ExpiresAt      int64  `gorm:"column:expires_at"`
	ConsumedAt     int64  `gorm:"column:consumed_at"` // 0 表示未使用
}

func (MagicLinkTokenPo) TableName() string {
	return "magic_link_token"
}

// AllModels 需要迁移的表
func AllModels() []any {
	return []any{&WorkflowInstancePo{}, &WorkflowNodeInstancePo{}, &MagicLinkTokenPo{}}
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryWorkflowInstanceParams struct {
	WorkflowInstanceID *int64   `json:"workflow_instance_id"`
	WorkflowIDIn       []string `json:"workflow_id_in"`
	StatusIn           []string `json:"status_in"`
	IDGreaterThan      *int64   `json:"id_greater_than"`
	OrderbyIDAsc       *bool    `json:"orderby_id_asc"`
	Page               *Pager   `json:"page"`
}

type QueryWorkflowNodeInstanceParams struct {
	WorkflowNodeInstanceID *int64   `json:"workflow_node_instance_id"`
	WorkflowInstanceID     *int64   `json:"workflow_instance_id"`
	NodeID                 *string  `json:"node_id"`
	StatusIn               []string `json:"status_in"`
	OrderbyIDAsc           *bool    `json:"orderby_id_asc"`
	Page                   *Pager   `json:"page"`
}

type QueryMagicLinkTokenParams struct {
	TokenID        *string `json:"token_id"`
	NodeInstanceID *int64  `json:"node_instance_id"`
	IsUnconsumed   *bool   `json:"is_unconsumed"`
	Page           *Pager  `json:"page"`
}

type UpdateWorkflowInstanceParams struct {
	Where  *UpdateWorkflowInstanceWhere `json:"where" validate:"required"`
	Fields *UpdateWorkflowInstanceField `json:"field" validate:"required"`
}

type UpdateWorkflowInstanceWhere struct {
	IDIn                    []int64  `json:"id_in"`
	StatusIn                []string `json:"status_in"`
	CurrentNodeInstanceIDIn []int64  `json:"current_node_instance_id_in"`
}

type UpdateWorkflowInstanceField struct {
	Status                *string      `json:"status"`
	Data                  *JSONContext `json:"data"`
	CurrentNodeInstanceID *int64       `json:"current_node_instance_id"`
}

type UpdateWorkflowNodeInstanceParams struct {
	Where  *UpdateWorkflowNodeInstanceWhere `json:"where" validate:"required"`
	Fields *UpdateWorkflowNodeInstanceField `json:"field" validate:"required"`
}

type UpdateWorkflowNodeInstanceWhere struct {
	IDIn     []int64  `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateWorkflowNodeInstanceField struct {
	Status      *string      `json:"status"`
	Data        *JSONContext `json:"data"`
	Result      *JSONContext `json:"result"`
	CompletedAt *int64       `json:"completed_at"`
}

type UpdateMagicLinkTokenParams struct {
	Where  *UpdateMagicLinkTokenWhere `json:"where" validate:"required"`
	Fields *UpdateMagicLinkTokenField `json:"field" validate:"required"`
}

type UpdateMagicLinkTokenWhere struct {
	IDIn         []string `json:"id_in"`
	IsUnconsumed *bool    `json:"is_unconsumed"`
}

type UpdateMagicLinkTokenField struct {
	ConsumedAt *int64 `json:"consumed_at"`
}

type workflowRepo struct {
	db *gorm.DB
}

func NewWorkflowRepo(db *gorm.DB) WorkflowRepo {
	return &workflowRepo{
		db: db,
	}
}

func (r *workflowRepo) CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error) {
	if workflowInstance == nil {
		return nil, fmt.Errorf("nil WorkflowInstancePo")
	}
	workflowInstance.CreatedAt = time.Now().Unix()
	workflowInstance.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(workflowInstance).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowInstance failed")
	}
	return workflowInstance, nil
}

func (r *workflowRepo) CreateWorkflowNodeInstance(ctx context.Context, nodeInstance *WorkflowNodeInstancePo) (*WorkflowNodeInstancePo, error) {
	if nodeInstance == nil {
		return nil, errors.New("nil WorkflowNodeInstancePo")
	}
	nodeInstance.CreatedAt = time.Now().Unix()
	nodeInstance.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(nodeInstance).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowNodeInstance failed")
	}
	return nodeInstance, nil
}

func (r *workflowRepo) CreateMagicLinkToken(ctx context.Context, token *MagicLinkTokenPo) (*MagicLinkTokenPo, error) {
	if token == nil {
		return nil, errors.New("nil MagicLinkTokenPo")
	}
	if err := r.GetDBWithContext(ctx).Create(token).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateMagicLinkToken failed")
	}
	return token, nil
}

func applyPager(db *gorm.DB, page *Pager) (*gorm.DB, error) {
	if page == nil {
		return nil, errors.New("page is nil")
	}
	if page.IsNoLimit != nil && *page.IsNoLimit {
		// 不分页显示指定了true
		return db, nil
	}
	if page.Page == 0 {
		page.Page = 1
	}
	if page.Size == 0 {
		page.Size = 10
	}
	return db.Offset(int(page.Page-1) * int(page.Size)).Limit(int(page.Size)), nil
}

func buildQueryWorkflowInstanceParams(db *gorm.DB, isCount bool, param *QueryWorkflowInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowInstanceParams")
	}
	if param.WorkflowInstanceID != nil {
		db = db.Where("id = ?", *param.WorkflowInstanceID)
	}
	if len(param.WorkflowIDIn) != 0 {
		db = db.Where("workflow_id IN ?", param.WorkflowIDIn)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.IDGreaterThan != nil {
		db = db.Where("id > ?", *param.IDGreaterThan)
	}
	if param.OrderbyIDAsc != nil && !isCount {
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	if !isCount {
		return applyPager(db, param.Page)
	}
	return db, nil
}

func (r *workflowRepo) QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryWorkflowInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildQueryWorkflowInstanceParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	pos := make([]*WorkflowInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowInstance failed")
	}
	return pos, nil
}

func (r *workflowRepo) CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error) {
	if param == nil {
		return 0, fmt.Errorf("nil QueryWorkflowInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildQueryWorkflowInstanceParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountWorkflowInstance failed")
	}
	return count, nil
}

func buildQueryWorkflowNodeInstanceParams(db *gorm.DB, param *QueryWorkflowNodeInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowNodeInstanceParams")
	}
	if param.WorkflowNodeInstanceID != nil {
		db = db.Where("id = ?", *param.WorkflowNodeInstanceID)
	}
	if param.WorkflowInstanceID != nil {
		db = db.Where("workflow_instance_id = ?", *param.WorkflowInstanceID)
	}
	if param.NodeID != nil {
		db = db.Where("node_id = ?", *param.NodeID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.OrderbyIDAsc != nil {
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	return applyPager(db, param.Page)
}

func (r *workflowRepo) QueryWorkflowNodeInstance(ctx context.Context, param *QueryWorkflowNodeInstanceParams) ([]*WorkflowNodeInstancePo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryWorkflowNodeInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowNodeInstancePo{})
	db, err := buildQueryWorkflowNodeInstanceParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowNodeInstanceParams failed")
	}
	pos := make([]*WorkflowNodeInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowNodeInstance failed")
	}
	return pos, nil
}

func (r *workflowRepo) QueryMagicLinkToken(ctx context.Context, param *QueryMagicLinkTokenParams) ([]*MagicLinkTokenPo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryMagicLinkTokenParams")
	}
	db := r.GetDBWithContext(ctx).Model(&MagicLinkTokenPo{})
	if param.TokenID != nil {
		db = db.Where("id = ?", *param.TokenID)
	}
	if param.NodeInstanceID != nil {
		db = db.Where("node_instance_id = ?", *param.NodeInstanceID)
	}
	if param.IsUnconsumed != nil && *param.IsUnconsumed {
		db = db.Where("consumed_at = 0")
	}
	db, err := applyPager(db, param.Page)
	if err != nil {
		return nil, errors.WithMessage(err, "applyPager failed")
	}
	pos := make([]*MagicLinkTokenPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryMagicLinkToken failed")
	}
	return pos, nil
}

func buildUpdateWorkflowInstanceParams(db *gorm.DB, param *UpdateWorkflowInstanceParams) (*gorm.DB, error) {
	isHasWhere := false
	if param == nil {
		return nil, errors.New("nil UpdateWorkflowInstanceParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if len(param.Where.StatusIn) > 0 {
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if len(param.Where.CurrentNodeInstanceIDIn) > 0 {
		db = db.Where("current_node_instance_id IN ?", param.Where.CurrentNodeInstanceIDIn)
	}
	if !isHasWhere {
		return db, errors.Errorf("update workflow instance need id condition, please check, where is %+v", param.Where)
	}
	return db, nil
}

func buildUpdateWorkflowInstanceFields(fields *UpdateWorkflowInstanceField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.Data != nil {
		jsonData, err := fields.Data.ToBytes()
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.Data failed")
		}
		updateFields["data"] = jsonData
	}
	if fields.CurrentNodeInstanceID != nil {
		updateFields["current_node_instance_id"] = *fields.CurrentNodeInstanceID
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *workflowRepo) UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) (int64, error) {
	if param == nil {
		return 0, fmt.Errorf("nil UpdateWorkflowInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildUpdateWorkflowInstanceParams(db, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateWorkflowInstanceParams failed")
	}
	updateFields, err := buildUpdateWorkflowInstanceFields(param.Fields)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateWorkflowInstanceFields failed")
	}
	res := db.Updates(updateFields)
	if res.Error != nil {
		return 0, errors.WithMessage(res.Error, "UpdateWorkflowInstance failed")
	}
	return res.RowsAffected, nil
}

func buildUpdateWorkflowNodeInstanceParams(db *gorm.DB, param *UpdateWorkflowNodeInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil UpdateWorkflowNodeInstanceParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	if len(param.Where.IDIn) == 0 {
		return db, errors.Errorf("update workflow node instance need id condition, please check, where is %+v", param.Where)
	}
	db = db.Where("id IN ?", param.Where.IDIn)
	if len(param.Where.StatusIn) > 0 {
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	return db, nil
}

func buildUpdateWorkflowNodeInstanceFields(fields *UpdateWorkflowNodeInstanceField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.Data != nil {
		jsonData, err := fields.Data.ToBytes()
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.Data failed")
		}
		updateFields["data"] = jsonData
	}
	if fields.Result != nil {
		jsonData, err := fields.Result.ToBytes()
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.Result failed")
		}
		updateFields["result"] = jsonData
	}
	if fields.CompletedAt != nil {
		updateFields["completed_at"] = *fields.CompletedAt
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *workflowRepo) UpdateWorkflowNodeInstance(ctx context.Context, param *UpdateWorkflowNodeInstanceParams) (int64, error) {
	if param == nil {
		return 0, fmt.Errorf("nil UpdateWorkflowNodeInstanceParams")
	}
	if param.Fields != nil && param.Fields.Status != nil && param.Where != nil {
		// 状态更新必须带上状态守卫, 没有指定的时候用所有可以流转过来的状态
		where := *param.Where
		if len(where.StatusIn) == 0 {
			where.StatusIn = NodeStatusesBefore(*param.Fields.Status)
		}
		for _, from := range where.StatusIn {
			if !CanTransitionNode(from, *param.Fields.Status) {
				return 0, errors.WithMessagef(ErrWorkflowParamInvalid, "illegal node transition %s -> %s", from, *param.Fields.Status)
			}
		}
		param = &UpdateWorkflowNodeInstanceParams{Where: &where, Fields: param.Fields}
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowNodeInstancePo{})
	db, err := buildUpdateWorkflowNodeInstanceParams(db, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateWorkflowNodeInstanceParams failed")
	}
	updateFields, err := buildUpdateWorkflowNodeInstanceFields(param.Fields)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateWorkflowNodeInstanceFields failed")
	}
	res := db.Updates(updateFields)
	if res.Error != nil {
		return 0, errors.WithMessage(res.Error, "UpdateWorkflowNodeInstance failed")
	}
	return res.RowsAffected, nil
}

func (r *workflowRepo) UpdateMagicLinkToken(ctx context.Context, param *UpdateMagicLinkTokenParams) (int64, error) {
	if param == nil || param.Where == nil || param.Fields == nil {
		return 0, fmt.Errorf("nil UpdateMagicLinkTokenParams")
	}
	if len(param.Where.IDIn) == 0 {
		return 0, errors.Errorf("update magic link token need id condition, please check, where is %+v", param.Where)
	}
	if param.Fields.ConsumedAt == nil {
		return 0, errors.New("no fields to update")
	}
	db := r.GetDBWithContext(ctx).Model(&MagicLinkTokenPo{}).Where("id IN ?", param.Where.IDIn)
	if param.Where.IsUnconsumed != nil && *param.Where.IsUnconsumed {
		db = db.Where("consumed_at = 0")
	}
	res := db.Update("consumed_at", *param.Fields.ConsumedAt)
	if res.Error != nil {
		return 0, errors.WithMessage(res.Error, "UpdateMagicLinkToken failed")
	}
	return res.RowsAffected, nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

// GetDBWithContext ctx里面有事务就用事务, 没有就用原始连接
// 外部的存储实现(附件, CRM)也可以通过这个方法加入到同一个事务里面
func GetDBWithContext(ctx context.Context, db *gorm.DB) *gorm.DB {
	tx, ok := ctx.Value(transactionContextKey).(*gorm.DB)
	if !ok || tx == nil {
		return db.WithContext(ctx)
	}
	return tx
}

func (r *workflowRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	return GetDBWithContext(ctx, r.db)
}

func (r *workflowRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(transactionContextKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return errors.WithMessage(tx.Error, "begin transaction failed")
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		if commitErr := tx.Commit().Error; commitErr != nil {
			err = errors.WithMessage(commitErr, "commit transaction failed")
		}
	}()
	newCtx := context.WithValue(ctx, transactionContextKey, tx)
	err = fn(newCtx)
	return err
}
