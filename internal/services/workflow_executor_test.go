package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"servify/automation/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowExecutor_EscalateUrgentScenario(t *testing.T) {
	db := newAutomationTestDB(t)
	eng := newTestEngine(t, db, nil)
	ctx := context.Background()
	wf := saveWorkflow(t, db, escalateIfUrgent(1, true))

	normal := seedTicket(t, db, 1, "NORMAL", "open")
	before := reloadTicket(t, db, normal.ID)

	exec, err := eng.Executor.Execute(ctx, wf, normal.ID, TriggerTicketCreated)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, []string{
		"trigger started",
		"trigger completed",
		"condition started",
		"condition condition_not_met",
	}, stepLog(exec))

	after := reloadTicket(t, db, normal.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Priority, after.Priority)
	assert.Nil(t, after.EscalatedAt)
	assert.Empty(t, after.EscalatedReason)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))

	urgent := seedTicket(t, db, 1, "URGENT", "open")
	exec, err = eng.Executor.Execute(ctx, wf, urgent.ID, TriggerTicketCreated)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, []string{
		"trigger started",
		"trigger completed",
		"condition started",
		"condition completed",
		"action started",
		"action completed",
	}, stepLog(exec))

	escalated := reloadTicket(t, db, urgent.ID)
	assert.Equal(t, "escalated", escalated.Status)
	assert.NotNil(t, escalated.EscalatedAt)
	assert.Equal(t, "Escalated by workflow automation", escalated.EscalatedReason)
}

func TestWorkflowExecutor_AlwaysTerminates(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	tests := []struct {
		name  string
		nodes []models.WorkflowNode
		edges []models.WorkflowEdge
		want  models.ExecutionStatus
	}{
		{
			name:  "trigger only",
			nodes: []models.WorkflowNode{node("t", models.NodeKindTrigger, "")},
			want:  models.ExecutionCompleted,
		},
		{
			name: "condition leaf",
			nodes: []models.WorkflowNode{
				node("t", models.NodeKindTrigger, ""),
				node("c", models.NodeKindCondition, `{"type":"status","value":"open"}`),
			},
			edges: []models.WorkflowEdge{edge("t", "c")},
			want:  models.ExecutionCompleted,
		},
		{
			name: "failing webhook",
			nodes: []models.WorkflowNode{
				node("t", models.NodeKindTrigger, ""),
				node("w", models.NodeKindAction, `{"type":"send_webhook","webhook_url":"`+failing.URL+`"}`),
			},
			edges: []models.WorkflowEdge{edge("t", "w")},
			want:  models.ExecutionFailed,
		},
		{
			name: "dangling edge",
			nodes: []models.WorkflowNode{
				node("t", models.NodeKindTrigger, ""),
			},
			edges: []models.WorkflowEdge{edge("t", "gone")},
			want:  models.ExecutionFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newAutomationTestDB(t)
			eng := newTestEngine(t, db, nil)
			ticket := seedTicket(t, db, 1, "normal", "open")
			wf := saveWorkflow(t, db, &models.WorkflowDefinition{
				OrganizationID: 1, Name: tt.name, TriggerType: TriggerTicketCreated, Active: true,
				Nodes: tt.nodes, Edges: tt.edges,
			})

			exec, _ := eng.Executor.Execute(context.Background(), wf, ticket.ID, TriggerTicketCreated)
			require.NotNil(t, exec)
			assert.Equal(t, tt.want, exec.Status)
			assert.NotNil(t, exec.CompletedAt)

			var count int64
			db.Model(&models.WorkflowExecution{}).Where("workflow_id = ?", wf.ID).Count(&count)
			assert.Equal(t, int64(1), count)
			db.Model(&models.WorkflowExecution{}).Where("status = ?", models.ExecutionRunning).Count(&count)
			assert.Zero(t, count)
		})
	}
}

func TestWorkflowExecutor_FailedConditionBlocksDownstream(t *testing.T) {
	db := newAutomationTestDB(t)
	eng := newTestEngine(t, db, nil)
	ticket := seedTicket(t, db, 1, "low", "open")
	wf := saveWorkflow(t, db, &models.WorkflowDefinition{
		OrganizationID: 1, Name: "bump", TriggerType: TriggerTicketUpdated, Active: true,
		Nodes: []models.WorkflowNode{
			node("t", models.NodeKindTrigger, ""),
			node("c", models.NodeKindCondition, `{"type":"priority","value":"high"}`),
			node("a1", models.NodeKindAction, `{"type":"update_status","status":"assigned"}`),
			node("a2", models.NodeKindAction, `{"type":"add_tag","tag_id":2}`),
		},
		Edges: []models.WorkflowEdge{edge("t", "c"), edge("c", "a1"), edge("a1", "a2")},
	})

	exec, err := eng.Executor.Execute(context.Background(), wf, ticket.ID, TriggerTicketUpdated)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, "open", reloadTicket(t, db, ticket.ID).Status)

	var tags int64
	db.Model(&models.TicketTag{}).Where("ticket_id = ?", ticket.ID).Count(&tags)
	assert.Zero(t, tags)
}

func TestWorkflowExecutor_FailureKeepsEarlierSideEffects(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	db := newAutomationTestDB(t)
	eng := newTestEngine(t, db, nil)
	ticket := seedTicket(t, db, 1, "normal", "open")
	wf := saveWorkflow(t, db, &models.WorkflowDefinition{
		OrganizationID: 1, Name: "notify", TriggerType: TriggerTicketCreated, Active: true,
		Nodes: []models.WorkflowNode{
			node("t", models.NodeKindTrigger, ""),
			node("s", models.NodeKindAction, `{"type":"update_status","status":"pending"}`),
			node("w", models.NodeKindAction, `{"type":"send_webhook","webhook_url":"`+srv.URL+`","webhook_data":{"x":1}}`),
			node("g", models.NodeKindAction, `{"type":"add_tag","tag_id":1}`),
		},
		Edges: []models.WorkflowEdge{edge("t", "s"), edge("s", "w"), edge("w", "g")},
	})

	exec, err := eng.Executor.Execute(context.Background(), wf, ticket.ID, TriggerTicketCreated)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWebhookStatus))
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "503")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// 已执行的动作不回滚
	assert.Equal(t, "pending", reloadTicket(t, db, ticket.ID).Status)
	var tags int64
	db.Model(&models.TicketTag{}).Where("ticket_id = ?", ticket.ID).Count(&tags)
	assert.Zero(t, tags)

	steps := stepLog(exec)
	assert.Equal(t, "action failed", steps[len(steps)-1])
}

func TestWorkflowExecutor_VisitsEachNodeOnce(t *testing.T) {
	db := newAutomationTestDB(t)
	eng := newTestEngine(t, db, nil)
	ticket := seedTicket(t, db, 1, "normal", "open")

	// diamond: t -> c1 -> n, t -> c2 -> n
	diamond := saveWorkflow(t, db, &models.WorkflowDefinition{
		OrganizationID: 1, Name: "diamond", TriggerType: TriggerTicketCreated, Active: true,
		Nodes: []models.WorkflowNode{
			node("t", models.NodeKindTrigger, ""),
			node("c1", models.NodeKindCondition, `{"type":"status","value":"open"}`),
			node("c2", models.NodeKindCondition, `{"type":"priority","value":"normal"}`),
			node("n", models.NodeKindAction, `{"type":"add_note","content":"seen"}`),
		},
		Edges: []models.WorkflowEdge{edge("t", "c1"), edge("t", "c2"), edge("c1", "n"), edge("c2", "n")},
	})
	exec, err := eng.Executor.Execute(context.Background(), diamond, ticket.ID, TriggerTicketCreated)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"trigger started", "trigger completed",
		"condition started", "condition completed",
		"action started", "action completed",
		"condition started", "condition completed",
	}, stepLog(exec))

	var notes int64
	db.Model(&models.TicketComment{}).Where("ticket_id = ?", ticket.ID).Count(&notes)
	assert.Equal(t, int64(1), notes)

	// 存量数据中的环路在运行时依旧可以终止
	loop := saveWorkflow(t, db, &models.WorkflowDefinition{
		OrganizationID: 1, Name: "loop", TriggerType: TriggerTicketCreated, Active: true,
		Nodes: []models.WorkflowNode{
			node("t", models.NodeKindTrigger, ""),
			node("a1", models.NodeKindAction, `{"type":"add_tag","tag_id":1}`),
			node("a2", models.NodeKindAction, `{"type":"add_tag","tag_id":2}`),
		},
		Edges: []models.WorkflowEdge{edge("t", "a1"), edge("a1", "a2"), edge("a2", "a1")},
	})
	exec, err = eng.Executor.Execute(context.Background(), loop, ticket.ID, TriggerTicketCreated)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Len(t, exec.Steps, 6)
}

func TestWorkflowExecutor_UnknownActionIsSkipped(t *testing.T) {
	db := newAutomationTestDB(t)
	eng := newTestEngine(t, db, nil)
	ticket := seedTicket(t, db, 1, "normal", "open")
	wf := saveWorkflow(t, db, &models.WorkflowDefinition{
		OrganizationID: 1, Name: "legacy", TriggerType: TriggerTicketCreated, Active: true,
		Nodes: []models.WorkflowNode{
			node("t", models.NodeKindTrigger, ""),
			node("x", models.NodeKindAction, `{"type":"send_sms","to":"+100"}`),
			node("p", models.NodeKindAction, `{"type":"update_priority","priority":"high"}`),
		},
		Edges: []models.WorkflowEdge{edge("t", "x"), edge("x", "p")},
	})

	exec, err := eng.Executor.Execute(context.Background(), wf, ticket.ID, TriggerTicketCreated)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, []string{
		"trigger started", "trigger completed",
		"action started", "action skipped",
		"action started", "action completed",
	}, stepLog(exec))
	assert.Equal(t, "high", reloadTicket(t, db, ticket.ID).Priority)
}

func TestWorkflowExecutor_MissingTrigger(t *testing.T) {
	db := newAutomationTestDB(t)
	eng := newTestEngine(t, db, nil)
	ticket := seedTicket(t, db, 1, "normal", "open")
	wf := saveWorkflow(t, db, &models.WorkflowDefinition{
		OrganizationID: 1, Name: "broken", TriggerType: TriggerTicketCreated, Active: true,
		Nodes: []models.WorkflowNode{node("c", models.NodeKindCondition, `{"type":"status","value":"open"}`)},
	})

	exec, err := eng.Executor.Execute(context.Background(), wf, ticket.ID, TriggerTicketCreated)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDefinition))
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Empty(t, exec.Steps)
}

// blockingPerformer blocks every action until its context is done.
type blockingPerformer struct {
	started chan struct{}
}

func (p *blockingPerformer) Perform(ctx context.Context, act Action, ticketID uint) (ActionOutcome, error) {
	close(p.started)
	<-ctx.Done()
	return "", ctx.Err()
}

type panickingPerformer struct{}

func (panickingPerformer) Perform(ctx context.Context, act Action, ticketID uint) (ActionOutcome, error) {
	panic("nil map write")
}

func TestWorkflowExecutor_Cancel(t *testing.T) {
	db := newAutomationTestDB(t)
	rec := NewGormExecutionRecorder(db)
	performer := &blockingPerformer{started: make(chan struct{})}
	exe := NewWorkflowExecutor(rec, NewConditionEvaluator(NewGormTicketStore(db), quietLogger()), performer, quietLogger())
	ticket := seedTicket(t, db, 1, "normal", "open")
	wf := saveWorkflow(t, db, &models.WorkflowDefinition{
		OrganizationID: 1, Name: "slow", TriggerType: TriggerTicketCreated, Active: true,
		Nodes: []models.WorkflowNode{
			node("t", models.NodeKindTrigger, ""),
			node("a", models.NodeKindAction, `{"type":"escalate"}`),
		},
		Edges: []models.WorkflowEdge{edge("t", "a")},
	})

	type result struct {
		exec *models.WorkflowExecution
		err  error
	}
	done := make(chan result, 1)
	go func() {
		exec, err := exe.Execute(context.Background(), wf, ticket.ID, TriggerTicketCreated)
		done <- result{exec, err}
	}()

	select {
	case <-performer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("action never started")
	}
	running, err := rec.List(context.Background(), wf.ID, 1)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.True(t, exe.Cancel(running[0].ID))

	select {
	case r := <-done:
		require.Error(t, r.err)
		assert.True(t, errors.Is(r.err, ErrExecutionCancelled), "got %v", r.err)
		assert.Equal(t, models.ExecutionFailed, r.exec.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop after cancel")
	}
	assert.False(t, exe.Cancel(running[0].ID))
}

func TestWorkflowExecutor_RecoversPanics(t *testing.T) {
	db := newAutomationTestDB(t)
	rec := NewGormExecutionRecorder(db)
	exe := NewWorkflowExecutor(rec, NewConditionEvaluator(NewGormTicketStore(db), quietLogger()), panickingPerformer{}, quietLogger())
	ticket := seedTicket(t, db, 1, "normal", "open")
	wf := saveWorkflow(t, db, escalateIfUrgent(1, true))
	wf.Nodes[1] = node("c", models.NodeKindCondition, `{"type":"status","value":"open"}`)

	exec, err := exe.Execute(context.Background(), wf, ticket.ID, TriggerTicketCreated)
	require.Error(t, err)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "nil map write")
}
