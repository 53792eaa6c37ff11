package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"servify/automation/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ConditionChecker evaluates a decoded condition against one ticket.
type ConditionChecker interface {
	Evaluate(ctx context.Context, cond Condition, ticketID uint) bool
}

// ActionPerformer performs a decoded action against one ticket.
type ActionPerformer interface {
	Perform(ctx context.Context, act Action, ticketID uint) (ActionOutcome, error)
}

// WorkflowExecutor walks one workflow graph for one ticket and records every
// node lifecycle transition.
type WorkflowExecutor struct {
	recorder   ExecutionRecorder
	conditions ConditionChecker
	actions    ActionPerformer
	logger     *logrus.Logger
	tracer     trace.Tracer

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewWorkflowExecutor(recorder ExecutionRecorder, conditions ConditionChecker, actions ActionPerformer, logger *logrus.Logger) *WorkflowExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &WorkflowExecutor{
		recorder:   recorder,
		conditions: conditions,
		actions:    actions,
		logger:     logger,
		tracer:     otel.Tracer("servify/automation/services"),
		running:    make(map[string]context.CancelFunc),
	}
}

// Execute runs wf against ticketID and returns the finalized record with its
// steps. The returned error is the cause of a failed execution (nil when it
// completed); side effects already performed are not rolled back.
func (e *WorkflowExecutor) Execute(ctx context.Context, wf *models.WorkflowDefinition, ticketID uint, trigger string) (*models.WorkflowExecution, error) {
	exec, err := e.recorder.Begin(ctx, wf.ID, ticketID, trigger)
	if err != nil {
		return nil, err
	}
	log := e.logger.WithFields(logrus.Fields{
		"workflow_id":  wf.ID,
		"ticket_id":    ticketID,
		"execution_id": exec.ID,
		"trigger":      trigger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	e.register(exec.ID, cancel)
	defer func() {
		e.unregister(exec.ID)
		cancel()
	}()

	runCtx, span := e.tracer.Start(runCtx, "workflow.execute", trace.WithAttributes(
		attribute.Int64("workflow.id", int64(wf.ID)),
		attribute.Int64("ticket.id", int64(ticketID)),
		attribute.String("execution.id", exec.ID),
		attribute.String("workflow.trigger", trigger),
	))
	defer span.End()

	runErr := e.safeRun(runCtx, wf, exec.ID, ticketID)

	// 终态写入不受取消影响
	fctx := context.WithoutCancel(ctx)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		log.Warnf("automation: execution failed: %v", runErr)
		if err := e.recorder.Fail(fctx, exec.ID, runErr); err != nil {
			log.Errorf("automation: mark execution failed: %v", err)
		}
	} else {
		log.Info("automation: execution completed")
		if err := e.recorder.Complete(fctx, exec.ID); err != nil {
			log.Errorf("automation: mark execution completed: %v", err)
		}
	}

	record, err := e.recorder.Get(fctx, exec.ID)
	if err != nil {
		log.Warnf("automation: reload execution: %v", err)
		return exec, runErr
	}
	return record, runErr
}

// Cancel aborts a running execution. It reports false when the id is not
// currently running in this process.
func (e *WorkflowExecutor) Cancel(executionID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *WorkflowExecutor) register(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()
}

func (e *WorkflowExecutor) unregister(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func (e *WorkflowExecutor) safeRun(ctx context.Context, wf *models.WorkflowDefinition, executionID string, ticketID uint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrActionFailed, r)
		}
	}()

	g, err := compileGraph(wf)
	if err != nil {
		return err
	}
	return e.walk(ctx, g, executionID, ticketID)
}

// walk 深度优先遍历，visited 保证同一次执行内节点至多处理一次
func (e *WorkflowExecutor) walk(ctx context.Context, g *workflowGraph, executionID string, ticketID uint) error {
	visited := make(map[string]bool, len(g.nodes))

	var visit func(id string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		visited[id] = true

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrExecutionCancelled, err)
		}

		proceed, err := e.runNode(ctx, executionID, g.nodes[id], ticketID)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
		for _, next := range g.outgoing[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		return nil
	}
	return visit(g.trigger.ID)
}

// runNode records started plus one outcome phase and reports whether the
// branch continues below this node.
func (e *WorkflowExecutor) runNode(ctx context.Context, executionID string, n *compiledNode, ticketID uint) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("node.id", n.ID),
		attribute.String("node.kind", string(n.Kind)),
	))
	defer span.End()

	if err := e.step(ctx, executionID, n, models.StepStarted, ""); err != nil {
		return false, err
	}

	switch n.Kind {
	case models.NodeKindTrigger:
		return true, e.step(ctx, executionID, n, models.StepCompleted, "")

	case models.NodeKindCondition:
		if e.conditions.Evaluate(ctx, n.condition, ticketID) {
			return true, e.step(ctx, executionID, n, models.StepCompleted, n.condition.ConditionType())
		}
		span.SetAttributes(attribute.Bool("condition.met", false))
		return false, e.step(ctx, executionID, n, models.StepConditionNotMet, n.condition.ConditionType())

	case models.NodeKindAction:
		outcome, err := e.actions.Perform(ctx, n.action, ticketID)
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", ErrExecutionCancelled, err)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if stepErr := e.step(ctx, executionID, n, models.StepFailed, err.Error()); stepErr != nil {
				e.logger.Warnf("automation: record failed step: %v", stepErr)
			}
			return false, fmt.Errorf("node %s: %w", n.ID, err)
		}
		if outcome == ActionSkipped {
			return true, e.step(ctx, executionID, n, models.StepSkipped, "unknown action type "+strconv.Quote(n.action.ActionType()))
		}
		return true, e.step(ctx, executionID, n, models.StepCompleted, n.action.ActionType())
	}

	return false, definitionErrorf("node %q has unknown kind %q", n.ID, n.Kind)
}

func (e *WorkflowExecutor) step(ctx context.Context, executionID string, n *compiledNode, phase models.StepPhase, msg string) error {
	return e.recorder.AppendStep(context.WithoutCancel(ctx), executionID, StepEntry{
		NodeID:   n.ID,
		NodeKind: n.Kind,
		Phase:    phase,
		Message:  msg,
	})
}
