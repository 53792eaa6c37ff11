package services

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"servify/automation/internal/config"
	"servify/automation/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newAutomationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:?_foreign_keys=on"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// :memory: 每个连接是独立的库
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func hoursPtr(h float64) *float64 { return &h }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testAutomationConfig() config.AutomationConfig {
	cfg := config.GetDefaultConfig().Automation
	cfg.StepTimeout = 2 * time.Second
	cfg.WebhookTimeout = 2 * time.Second
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Cache.TTL = 0
	return cfg
}

func newTestEngine(t *testing.T, db *gorm.DB, webhooks WebhookSender) *Engine {
	t.Helper()
	if webhooks == nil {
		webhooks = NewHTTPWebhookSender(nil, config.CircuitBreakerConfig{})
	}
	return NewEngine(db, testAutomationConfig(), EngineOptions{Webhooks: webhooks}, quietLogger())
}

func seedTicket(t *testing.T, db *gorm.DB, orgID uint, priority, status string) *models.Ticket {
	t.Helper()
	ticket := &models.Ticket{
		OrganizationID: orgID,
		Title:          "printer on fire",
		CustomerID:     7,
		Priority:       priority,
		Status:         status,
	}
	if err := db.Create(ticket).Error; err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return ticket
}

func reloadTicket(t *testing.T, db *gorm.DB, id uint) *models.Ticket {
	t.Helper()
	var ticket models.Ticket
	if err := db.First(&ticket, id).Error; err != nil {
		t.Fatalf("reload ticket: %v", err)
	}
	return &ticket
}

func node(id string, kind models.NodeKind, data string) models.WorkflowNode {
	n := models.WorkflowNode{ID: id, Kind: kind}
	if data != "" {
		n.Data = json.RawMessage(data)
	}
	return n
}

func edge(source, target string) models.WorkflowEdge {
	return models.WorkflowEdge{ID: source + "->" + target, Source: source, Target: target}
}

// escalateIfUrgent is Trigger -> Condition(priority=URGENT) -> Action(escalate).
func escalateIfUrgent(orgID uint, active bool) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		OrganizationID: orgID,
		Name:           "escalate urgent tickets",
		TriggerType:    TriggerTicketCreated,
		Active:         active,
		Nodes: []models.WorkflowNode{
			node("t", models.NodeKindTrigger, `{"type":"ticket_created"}`),
			node("c", models.NodeKindCondition, `{"type":"priority","value":"URGENT"}`),
			node("a", models.NodeKindAction, `{"type":"escalate"}`),
		},
		Edges: []models.WorkflowEdge{edge("t", "c"), edge("c", "a")},
	}
}

func saveWorkflow(t *testing.T, db *gorm.DB, wf *models.WorkflowDefinition) *models.WorkflowDefinition {
	t.Helper()
	if err := db.Create(wf).Error; err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return wf
}

// stepLog renders steps as "<kind> <phase>" in sequence order.
func stepLog(exec *models.WorkflowExecution) []string {
	out := make([]string, 0, len(exec.Steps))
	for _, s := range exec.Steps {
		out = append(out, string(s.NodeKind)+" "+string(s.Phase))
	}
	return out
}
