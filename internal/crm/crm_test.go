package crm

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

func TestDirectory(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create([]*CompanyUserPo{
		{ID: "u2", CompanyID: "c1", Name: "Bob"},
		{ID: "u1", CompanyID: "c1", Name: "Alice", Email: "alice@example.com"},
		{ID: "u3", CompanyID: "c2", Name: "Carol"},
	}).Error)
	directory := NewDirectory(db)

	t.Run("按公司查询并按姓名排序", func(t *testing.T) {
		users, err := directory.ListCompanyUsers(context.Background(), "c1")
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "u1", users[0].ID)
		assert.Equal(t, "alice@example.com", users[0].Email)
		assert.Equal(t, "u2", users[1].ID)
	})

	t.Run("没有公司id返回空", func(t *testing.T) {
		users, err := directory.ListCompanyUsers(context.Background(), "")
		require.NoError(t, err)
		assert.Empty(t, users)
	})
}

func TestSnapshotSource(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create([]*MeetingCrmItemPo{
		{MeetingID: "m1", Kind: KindOpportunity, ItemID: "o1", Name: "Renewal"},
		{MeetingID: "m1", Kind: KindAccount, ItemID: "a1", Name: "Acme"},
		{MeetingID: "m1", Kind: KindContact, ItemID: "c1", Name: "Jane"},
		{MeetingID: "m1", Kind: KindOpportunity, ItemID: "o2", Name: "Upsell"},
		{MeetingID: "m2", Kind: KindAccount, ItemID: "a9", Name: "Other"},
	}).Error)
	source := NewSnapshotSource(db)
	load := func(data map[string]any) (*workflow.CrmSnapshot, error) {
		return source.LoadCrmSnapshot(context.Background(), &workflow.ActivationRequest{
			InstanceData: workflow.NewJSONContextFromMap(data),
		})
	}

	t.Run("按会议分组", func(t *testing.T) {
		snapshot, err := load(map[string]any{"meeting_id": "m1"})
		require.NoError(t, err)
		assert.Equal(t, []*workflow.CrmItem{{ID: "a1", Name: "Acme"}}, snapshot.Accounts)
		assert.Equal(t, []*workflow.CrmItem{{ID: "c1", Name: "Jane"}}, snapshot.Contacts)
		assert.Equal(t, []*workflow.CrmItem{{ID: "o1", Name: "Renewal"}, {ID: "o2", Name: "Upsell"}}, snapshot.Opportunities)
	})

	t.Run("实例数据带了条目优先使用", func(t *testing.T) {
		snapshot, err := load(map[string]any{
			"meeting_id": "m1",
			"crm_items": map[string]any{
				"accounts": []any{map[string]any{"id": "x1", "name": "Inline"}},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []*workflow.CrmItem{{ID: "x1", Name: "Inline"}}, snapshot.Accounts)
		assert.Empty(t, snapshot.Opportunities)
	})

	t.Run("条目格式不对", func(t *testing.T) {
		_, err := load(map[string]any{"crm_items": map[string]any{"accounts": "oops"}})
		assert.True(t, errors.Is(err, workflow.ErrValidation))
	})

	t.Run("没有会议返回空快照", func(t *testing.T) {
		snapshot, err := load(map[string]any{})
		require.NoError(t, err)
		assert.Empty(t, snapshot.Accounts)
	})
}
