package tests

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lionking1994/HerdAIWeb-sub001/internal/artifact"
	"github.com/lionking1994/HerdAIWeb-sub001/internal/bootstrap"
	"github.com/lionking1994/HerdAIWeb-sub001/internal/commonregister"
	"github.com/lionking1994/HerdAIWeb-sub001/internal/crm"
	"github.com/lionking1994/HerdAIWeb-sub001/internal/notify"
	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

const (
	linkBaseURL = "https://app.example.com/magic"
	linkSecret  = "scenario-secret-scenario-secret-0123"
	companyID   = "c1"
	meetingID   = "m-1"
	ownerID     = "owner"
	sellerID    = "seller"
	clientEmail = "client@example.com"
)

// lockedBuffer 日志可能在多个goroutine里面写
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// lastLinkURL 从通知日志里面取最后一个链接
func (b *lockedBuffer) lastLinkURL(t *testing.T) string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	url := ""
	scanner := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for scanner.Scan() {
		line := map[string]any{}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line["msg"] == "magic link issued" {
			url, _ = line["url"].(string)
		}
	}
	require.NotEmpty(t, url, "no magic link in notifier log")
	return url
}

type scenario struct {
	service   workflow.WorkflowService
	db        *gorm.DB
	artifacts *artifact.Store
	links     *lockedBuffer
}

func newScenario(t *testing.T) *scenario {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, bootstrap.Migrate(db))
	seedMeeting(t, db)

	registry := workflow.NewDefinitionRegistry()
	require.NoError(t, commonregister.RegisterMeetingFollowUp(registry))

	issuer, err := workflow.NewMagicLinkIssuer([]byte(linkSecret))
	require.NoError(t, err)
	links := &lockedBuffer{}
	notifier := notify.NewLogNotifier(slog.New(slog.NewJSONHandler(links, nil)))

	directory := crm.NewDirectory(db)
	artifacts := artifact.NewStore(db)
	opts := []workflow.ServiceOption{
		workflow.WithGate(workflow.NewApprovalGate(directory)),
		workflow.WithGate(workflow.NewCrmApprovalGate(crm.NewSnapshotSource(db), directory)),
		workflow.WithGate(workflow.NewPdfSignatureGate(artifacts)),
		workflow.WithMagicLinks(issuer, linkBaseURL, notifier),
	}
	opts = append(opts, commonregister.ServiceOptions()...)
	return &scenario{
		service:   workflow.NewWorkflowService(workflow.NewWorkflowRepo(db), workflow.NewLocalWorkflowLock(), registry, opts...),
		db:        db,
		artifacts: artifacts,
		links:     links,
	}
}

func seedMeeting(t *testing.T, db *gorm.DB) {
	t.Helper()
	users := []*crm.CompanyUserPo{
		{ID: ownerID, CompanyID: companyID, Name: "Olivia Owner", Email: "olivia@example.com"},
		{ID: sellerID, CompanyID: companyID, Name: "Sam Seller", Email: "sam@example.com"},
		{ID: "outsider", CompanyID: "c2", Name: "Otto Outsider"},
	}
	require.NoError(t, db.Create(&users).Error)
	items := []*crm.MeetingCrmItemPo{
		{MeetingID: meetingID, Kind: crm.KindAccount, ItemID: "acc-1", Name: "Acme"},
		{MeetingID: meetingID, Kind: crm.KindContact, ItemID: "con-1", Name: "Jane Doe"},
		{MeetingID: meetingID, Kind: crm.KindOpportunity, ItemID: "opp-1", Name: "Acme renewal"},
		{MeetingID: "m-other", Kind: crm.KindOpportunity, ItemID: "opp-9", Name: "Other deal"},
	}
	require.NoError(t, db.Create(&items).Error)
}

func (s *scenario) start(t *testing.T) *workflow.WorkflowInstanceDetail {
	t.Helper()
	detail, err := s.service.StartInstance(context.Background(), &workflow.StartInstanceReq{
		WorkflowID: commonregister.MeetingFollowUpWorkflowID,
		Data: map[string]any{
			crm.InstanceDataKeyMeetingID:           meetingID,
			workflow.InstanceDataKeyCompanyID:      companyID,
			workflow.InstanceDataKeyMeetingOwnerID: ownerID,
		},
		Actor: &workflow.Actor{ID: ownerID},
	})
	require.NoError(t, err)
	return detail
}

// submitIntake 提交会议纪要, 返回CRM审批节点
func (s *scenario) submitIntake(t *testing.T, detail *workflow.WorkflowInstanceDetail) *workflow.WorkflowNodeInstance {
	t.Helper()
	result, err := s.service.SubmitForm(context.Background(), &workflow.SubmitFormReq{
		NodeInstanceID: detail.CurrentNodeInstanceID,
		Actor:          &workflow.Actor{ID: ownerID},
		Data: map[string]any{
			"summary":     "Discussed renewal terms",
			"nextSteps":   "Send the agreement",
			"clientEmail": clientEmail,
			"priority":    "high",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, result.NextNodeInstance)
	require.Equal(t, workflow.NodeTypeCrmApproval, result.NextNodeInstance.NodeType)
	return result.NextNodeInstance
}

func (s *scenario) sendContractLink(t *testing.T, nodeInstanceID int64) string {
	t.Helper()
	_, err := s.service.SendMagicLink(context.Background(), &workflow.SendMagicLinkReq{
		NodeInstanceID: nodeInstanceID,
		Purpose:        workflow.MagicLinkPurposePdf,
		Address:        clientEmail,
	})
	require.NoError(t, err)
	url := s.links.lastLinkURL(t)
	require.True(t, strings.HasPrefix(url, linkBaseURL+"/"), url)
	return strings.TrimPrefix(url, linkBaseURL+"/")
}

func signedContract() *workflow.BinaryPayload {
	return &workflow.BinaryPayload{
		Name:        "agreement-signed.pdf",
		ContentType: "application/pdf",
		Content:     []byte("%PDF-1.7\nsigned by client\n%%EOF"),
	}
}
