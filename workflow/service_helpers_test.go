package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testMagicLinkSecret = "test-secret-test-secret-test-secret!"

var testNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// :memory: 每个连接都是独立的库
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(AllModels()...))
	return db
}

type memoryDirectory struct {
	users map[string][]*CompanyUser
}

func (d *memoryDirectory) ListCompanyUsers(ctx context.Context, companyID string) ([]*CompanyUser, error) {
	return d.users[companyID], nil
}

type staticCrmSource struct {
	snapshot *CrmSnapshot
	err      error
}

func (s *staticCrmSource) LoadCrmSnapshot(ctx context.Context, req *ActivationRequest) (*CrmSnapshot, error) {
	return s.snapshot, s.err
}

type memoryArtifactStore struct {
	mu        sync.Mutex
	artifacts map[string]*Artifact
}

func newMemoryArtifactStore() *memoryArtifactStore {
	return &memoryArtifactStore{artifacts: make(map[string]*Artifact)}
}

func (s *memoryArtifactStore) Put(ctx context.Context, artifact *Artifact) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := fmt.Sprintf("artifact-%d", len(s.artifacts)+1)
	s.artifacts[ref] = artifact
	return ref, nil
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []*LinkNotification
	err           error
}

func (n *recordingNotifier) SendLink(ctx context.Context, notification *LinkNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *recordingNotifier) last() *LinkNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.notifications) == 0 {
		return nil
	}
	return n.notifications[len(n.notifications)-1]
}

type countingObserver struct {
	mu        sync.Mutex
	activated map[NodeType]int
	resolved  map[string]int
	finished  map[WorkflowInstanceStatus]int
	stale     map[string]int
	magicLink map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		activated: make(map[NodeType]int),
		resolved:  make(map[string]int),
		finished:  make(map[WorkflowInstanceStatus]int),
		stale:     make(map[string]int),
		magicLink: make(map[string]int),
	}
}

func (o *countingObserver) NodeActivated(workflowID string, nodeType NodeType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activated[nodeType]++
}

func (o *countingObserver) NodeResolved(workflowID string, nodeType NodeType, status WorkflowNodeStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolved[nodeType+"/"+status]++
}

func (o *countingObserver) InstanceFinished(workflowID string, status WorkflowInstanceStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[status]++
}

func (o *countingObserver) StaleState(operation string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stale[operation]++
}

func (o *countingObserver) MagicLink(event string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.magicLink[event]++
}

// 测试使用的流程定义
const (
	testApprovalFlow = `{
		"id": "expense",
		"name": "报销",
		"nodes": [
			{
				"id": "request",
				"type": "form",
				"name": "填写报销单",
				"config": {"formFields": [
					{"name": "amount", "type": "number", "required": true},
					{"name": "reason", "type": "text"}
				]},
				"next_nodes": ["manager"]
			},
			{
				"id": "manager",
				"type": "approval",
				"name": "经理审批",
				"config": {"approverFrom": "manager_id"}
			}
		]
	}`
	testContinueFlow = `{
		"id": "review_loop",
		"name": "审核",
		"nodes": [
			{
				"id": "review",
				"type": "approval",
				"name": "审核",
				"config": {"approverId": "lead"},
				"on_reject": "continue",
				"routes": [{"when": "result.decision == \"rejected\"", "to": "rework"}]
			},
			{
				"id": "rework",
				"type": "form",
				"name": "修改",
				"config": {"formFields": [{"name": "note", "type": "text", "required": true}]}
			}
		]
	}`
	testCrmFlow = `{
		"id": "crm_follow_up",
		"name": "CRM跟进",
		"nodes": [
			{
				"id": "crm",
				"type": "crmApproval",
				"name": "CRM确认",
				"next_nodes": ["sign"]
			},
			{
				"id": "sign",
				"type": "pdfSignature",
				"name": "签署",
				"config": {"signerEmailFrom": "client_email"}
			}
		]
	}`
	testWorkerFlow = `{
		"id": "enrich_then_confirm",
		"name": "自动处理",
		"nodes": [
			{"id": "enrich", "type": "enrich", "name": "补充数据", "next_nodes": ["notify"]},
			{"id": "notify", "type": "notify", "name": "通知", "next_nodes": ["confirm"]},
			{"id": "confirm", "type": "form", "name": "确认"}
		]
	}`
	testBrokenWorkerFlow = `{
		"id": "broken",
		"name": "失败",
		"nodes": [
			{"id": "boom", "type": "boom", "name": "失败节点", "next_nodes": ["confirm"]},
			{"id": "confirm", "type": "form", "name": "确认"}
		]
	}`
)

var testCompanyUsers = []*CompanyUser{
	{ID: "owner", Name: "Olivia Owner"},
	{ID: "seller", Name: "Sam Seller"},
}

var testSnapshot = &CrmSnapshot{
	Accounts:      []*CrmItem{{ID: "acc-1", Name: "Acme"}},
	Contacts:      []*CrmItem{{ID: "con-1", Name: "Jane"}, {ID: "con-2", Name: "John"}},
	Opportunities: []*CrmItem{{ID: "opp-1", Name: "Renewal"}, {ID: "opp-2", Name: "Upsell"}},
}

type testEnv struct {
	service   *WorkflowServiceImpl
	db        *gorm.DB
	repo      WorkflowRepo
	registry  *DefinitionRegistry
	notifier  *recordingNotifier
	observer  *countingObserver
	artifacts *memoryArtifactStore
	now       time.Time
}

func newTestEnv(t *testing.T, opts ...ServiceOption) *testEnv {
	t.Helper()
	db := newTestDB(t)
	registry := NewDefinitionRegistry()
	for _, raw := range []string{testApprovalFlow, testContinueFlow, testCrmFlow, testWorkerFlow, testBrokenWorkerFlow} {
		config := &WorkflowConfig{}
		require.NoError(t, json.Unmarshal([]byte(raw), config))
		require.NoError(t, registry.LoadWorkflowConfig(config))
	}
	env := &testEnv{
		db:        db,
		repo:      NewWorkflowRepo(db),
		registry:  registry,
		notifier:  &recordingNotifier{},
		observer:  newCountingObserver(),
		artifacts: newMemoryArtifactStore(),
		now:       testNow,
	}
	issuer, err := NewMagicLinkIssuer([]byte(testMagicLinkSecret), WithMagicLinkClock(func() time.Time { return env.now }))
	require.NoError(t, err)
	directory := &memoryDirectory{users: map[string][]*CompanyUser{"c1": testCompanyUsers}}
	base := []ServiceOption{
		WithGate(NewApprovalGate(directory)),
		WithGate(NewCrmApprovalGate(&staticCrmSource{snapshot: testSnapshot}, directory)),
		WithGate(NewPdfSignatureGate(env.artifacts)),
		WithNodeWorker("enrich", NewNormalNodeWorker(func(ctx context.Context, nodeContext *JSONContext) error {
			nodeContext.Set([]string{NodeContextKeyWorkflowContext, "enriched"}, true)
			nodeContext.Set([]string{"score"}, 7)
			return nil
		})),
		WithNodeWorker("notify", NewNormalNodeWorker(func(ctx context.Context, nodeContext *JSONContext) error {
			return errors.Wrap(ErrNodeFailedWithContinue, "smtp unavailable")
		})),
		WithNodeWorker("boom", NewNormalNodeWorker(func(ctx context.Context, nodeContext *JSONContext) error {
			return errors.New("downstream failed")
		})),
		WithMagicLinks(issuer, "https://app.example.com/magic/", env.notifier),
		WithObserver(env.observer),
		WithClock(func() time.Time { return env.now }),
	}
	env.service = NewWorkflowService(env.repo, NewLocalWorkflowLock(), registry, append(base, opts...)...).(*WorkflowServiceImpl)
	return env
}

func (e *testEnv) start(t *testing.T, workflowID string, data map[string]any) *WorkflowInstanceDetail {
	t.Helper()
	detail, err := e.service.StartInstance(context.Background(), &StartInstanceReq{
		WorkflowID: workflowID,
		Data:       data,
		Actor:      &Actor{ID: "starter"},
	})
	require.NoError(t, err)
	return detail
}

func (e *testEnv) currentNode(t *testing.T, workflowInstanceID int64) *WorkflowNodeInstance {
	t.Helper()
	detail, err := e.service.GetInstance(context.Background(), workflowInstanceID)
	require.NoError(t, err)
	require.NotZero(t, detail.CurrentNodeInstanceID)
	node, err := e.service.GetNodeInstance(context.Background(), detail.CurrentNodeInstanceID)
	require.NoError(t, err)
	return node
}
