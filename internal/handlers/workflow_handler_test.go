package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"servify/automation/internal/config"
	"servify/automation/internal/models"
	"servify/automation/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type capturePublisher struct {
	events []services.TicketEvent
}

func (p *capturePublisher) Publish(ctx context.Context, evt services.TicketEvent) error {
	if evt.TicketID == 0 {
		return services.ErrInvalidRequest
	}
	p.events = append(p.events, evt)
	return nil
}

type handlerEnv struct {
	db        *gorm.DB
	router    *gin.Engine
	publisher *capturePublisher
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open(":memory:?_foreign_keys=on"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.AllModels()...))

	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := config.GetDefaultConfig().Automation
	cfg.Cache.TTL = 0
	eng := services.NewEngine(db, cfg, services.EngineOptions{}, log)

	pub := &capturePublisher{}
	r := gin.New()
	// 模拟认证中间件写入的组织
	api := r.Group("/api", func(c *gin.Context) {
		if v, err := strconv.ParseUint(c.GetHeader("X-Organization-ID"), 10, 32); err == nil {
			c.Set("organization_id", uint(v))
		}
		c.Next()
	})
	RegisterWorkflowRoutes(api, NewWorkflowHandler(eng.Workflows, eng.Dispatcher, pub, log), nil)
	return &handlerEnv{db: db, router: r, publisher: pub}
}

func (e *handlerEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, 0, method, path, body)
}

func (e *handlerEnv) doAs(t *testing.T, orgID uint, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if orgID != 0 {
		req.Header.Set("X-Organization-ID", strconv.FormatUint(uint64(orgID), 10))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *handlerEnv) seedTicket(t *testing.T, orgID uint, priority string) *models.Ticket {
	t.Helper()
	ticket := &models.Ticket{OrganizationID: orgID, Title: "vpn down", CustomerID: 1, Priority: priority, Status: "open"}
	require.NoError(t, e.db.Create(ticket).Error)
	return ticket
}

func urgentWorkflowBody(orgID uint) map[string]interface{} {
	return map[string]interface{}{
		"organization_id": orgID,
		"name":            "escalate urgent",
		"trigger_type":    "ticket_created",
		"active":          true,
		"nodes": []map[string]interface{}{
			{"id": "t", "kind": "trigger", "data": map[string]interface{}{"type": "ticket_created"}},
			{"id": "c", "kind": "condition", "data": map[string]interface{}{"type": "priority", "value": "URGENT"}},
			{"id": "a", "kind": "action", "data": map[string]interface{}{"type": "escalate", "reason": "VIP"}},
		},
		"edges": []map[string]interface{}{
			{"id": "e1", "source": "t", "target": "c"},
			{"id": "e2", "source": "c", "target": "a"},
		},
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestWorkflowHandler_CRUD(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(t, http.MethodPost, "/api/automation/workflows", urgentWorkflowBody(1))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.WorkflowDefinition](t, w)
	assert.NotZero(t, created.ID)

	w = env.do(t, http.MethodGet, "/api/automation/workflows?organization_id=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.WorkflowDefinition](t, w), 1)

	w = env.do(t, http.MethodGet, "/api/automation/workflows?organization_id=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]models.WorkflowDefinition](t, w))

	w = env.do(t, http.MethodGet, "/api/automation/workflows", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	path := "/api/automation/workflows/" + itoa(created.ID)
	w = env.do(t, http.MethodPatch, path, map[string]interface{}{"name": "renamed", "active": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "renamed", decode[models.WorkflowDefinition](t, w).Name)

	w = env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[models.WorkflowDefinition](t, w)
	assert.False(t, got.Active)
	assert.Len(t, got.Nodes, 3)

	w = env.do(t, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/api/automation/workflows/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowHandler_CreateValidation(t *testing.T) {
	env := newHandlerEnv(t)

	cyclic := urgentWorkflowBody(1)
	cyclic["edges"] = append(cyclic["edges"].([]map[string]interface{}),
		map[string]interface{}{"id": "e3", "source": "a", "target": "c"})
	unknown := urgentWorkflowBody(1)
	unknown["trigger_type"] = "ticket_exploded"
	noName := urgentWorkflowBody(1)
	delete(noName, "name")

	for name, body := range map[string]map[string]interface{}{"cycle": cyclic, "trigger": unknown, "name": noName} {
		w := env.do(t, http.MethodPost, "/api/automation/workflows", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
		resp := decode[ErrorResponse](t, w)
		assert.Equal(t, http.StatusBadRequest, resp.Code, name)
		assert.NotEmpty(t, resp.Message, name)
	}

	req, _ := http.NewRequest(http.MethodPost, "/api/automation/workflows", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowHandler_ExecuteAndExecutions(t *testing.T) {
	env := newHandlerEnv(t)
	ticket := env.seedTicket(t, 1, "URGENT")

	body := urgentWorkflowBody(1)
	body["active"] = false
	w := env.do(t, http.MethodPost, "/api/automation/workflows", body)
	require.Equal(t, http.StatusCreated, w.Code)
	wf := decode[models.WorkflowDefinition](t, w)
	base := "/api/automation/workflows/" + itoa(wf.ID)

	w = env.do(t, http.MethodPost, base+"/execute", map[string]interface{}{"ticket_id": ticket.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	exec := decode[models.WorkflowExecution](t, w)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, models.TriggerManual, exec.Trigger)
	assert.NotEmpty(t, exec.Steps)

	var after models.Ticket
	require.NoError(t, env.db.First(&after, ticket.ID).Error)
	assert.Equal(t, "escalated", after.Status)
	assert.Equal(t, "VIP", after.EscalatedReason)

	w = env.do(t, http.MethodPost, base+"/execute", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodPost, base+"/execute", map[string]interface{}{"ticket_id": 999})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, base+"/executions?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]models.WorkflowExecution](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, exec.ID, list[0].ID)

	w = env.do(t, http.MethodGet, "/api/automation/executions/"+exec.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[models.WorkflowExecution](t, w).Steps, len(exec.Steps))

	w = env.do(t, http.MethodPost, "/api/automation/executions/"+exec.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = env.do(t, http.MethodGet, "/api/automation/executions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkflowHandler_Events(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(t, http.MethodPost, "/api/automation/events", map[string]interface{}{
		"ticket_id": 5, "trigger_type": "status_changed", "occurred_at": time.Now(),
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, env.publisher.events, 1)
	assert.Equal(t, uint(5), env.publisher.events[0].TicketID)

	w = env.do(t, http.MethodPost, "/api/automation/events", map[string]interface{}{"trigger_type": "status_changed"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowHandler_BatchFire(t *testing.T) {
	env := newHandlerEnv(t)
	urgent := env.seedTicket(t, 1, "URGENT")
	normal := env.seedTicket(t, 1, "NORMAL")
	w := env.do(t, http.MethodPost, "/api/automation/workflows", urgentWorkflowBody(1))
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodPost, "/api/automation/events/batch", map[string]interface{}{
		"trigger_type": "ticket_created", "ticket_ids": []uint{urgent.ID, normal.ID}, "dry_run": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	dry := decode[services.BatchFireResponse](t, w)
	assert.True(t, dry.DryRun)
	assert.Equal(t, 2, dry.Matches)
	assert.Zero(t, dry.Executions)

	w = env.do(t, http.MethodPost, "/api/automation/events/batch", map[string]interface{}{
		"trigger_type": "ticket_created", "ticket_ids": []uint{urgent.ID, normal.ID},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run := decode[services.BatchFireResponse](t, w)
	assert.Equal(t, 2, run.Executions)
	assert.Zero(t, run.Failed)

	var escalated, untouched models.Ticket
	require.NoError(t, env.db.First(&escalated, urgent.ID).Error)
	assert.Equal(t, "escalated", escalated.Status)
	require.NoError(t, env.db.First(&untouched, normal.ID).Error)
	assert.Equal(t, "open", untouched.Status)

	w = env.do(t, http.MethodPost, "/api/automation/events/batch", map[string]interface{}{
		"trigger_type": "nope", "ticket_ids": []uint{urgent.ID},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowHandler_OrganizationIsolation(t *testing.T) {
	env := newHandlerEnv(t)
	own := env.seedTicket(t, 1, "URGENT")
	foreign := env.seedTicket(t, 2, "URGENT")

	w := env.doAs(t, 1, http.MethodPost, "/api/automation/workflows", urgentWorkflowBody(1))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wf := decode[models.WorkflowDefinition](t, w)
	base := "/api/automation/workflows/" + itoa(wf.ID)

	w = env.doAs(t, 1, http.MethodPost, base+"/execute", map[string]interface{}{"ticket_id": own.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	exec := decode[models.WorkflowExecution](t, w)

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{"get", http.MethodGet, base, nil},
		{"update", http.MethodPatch, base, map[string]interface{}{"name": "hijacked"}},
		{"execute", http.MethodPost, base + "/execute", map[string]interface{}{"ticket_id": foreign.ID}},
		{"list executions", http.MethodGet, base + "/executions", nil},
		{"get execution", http.MethodGet, "/api/automation/executions/" + exec.ID, nil},
		{"cancel execution", http.MethodPost, "/api/automation/executions/" + exec.ID + "/cancel", nil},
		{"delete", http.MethodDelete, base, nil},
		{"event for foreign ticket", http.MethodPost, "/api/automation/events", map[string]interface{}{"ticket_id": own.ID, "trigger_type": "ticket_created"}},
		{"batch with foreign ticket", http.MethodPost, "/api/automation/events/batch", map[string]interface{}{"trigger_type": "ticket_created", "ticket_ids": []uint{foreign.ID, own.ID}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.doAs(t, 2, tc.method, tc.path, tc.body)
			assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
		})
	}
	assert.Empty(t, env.publisher.events)

	w = env.doAs(t, 1, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "escalate urgent", decode[models.WorkflowDefinition](t, w).Name)
	w = env.doAs(t, 1, http.MethodGet, base+"/executions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.WorkflowExecution](t, w), 1)

	// token 中的组织覆盖请求体
	w = env.doAs(t, 2, http.MethodPost, "/api/automation/workflows", urgentWorkflowBody(1))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, uint(2), decode[models.WorkflowDefinition](t, w).OrganizationID)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(services.ErrDefinition))
	assert.Equal(t, http.StatusNotFound, statusFor(services.ErrTicketNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(services.ErrExecutionFinalized))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
