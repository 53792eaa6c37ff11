package services

import (
	"context"
	"errors"
	"fmt"

	"servify/automation/internal/config"
	"servify/automation/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ActiveWorkflowSource lists the active definitions an event can match.
type ActiveWorkflowSource interface {
	ActiveFor(ctx context.Context, orgID uint, trigger string) ([]models.WorkflowDefinition, error)
}

// WorkflowRunner executes one definition against one ticket.
type WorkflowRunner interface {
	Execute(ctx context.Context, wf *models.WorkflowDefinition, ticketID uint, trigger string) (*models.WorkflowExecution, error)
}

// TriggerDispatcher turns a ticket lifecycle event into executions of every
// matching active workflow of the ticket's organization.
type TriggerDispatcher struct {
	tickets   TicketStore
	workflows ActiveWorkflowSource
	runner    WorkflowRunner
	locker    TicketLocker
	cfg       config.AutomationConfig
	logger    *logrus.Logger
}

func NewTriggerDispatcher(tickets TicketStore, workflows ActiveWorkflowSource, runner WorkflowRunner, locker TicketLocker, cfg config.AutomationConfig, logger *logrus.Logger) *TriggerDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if locker == nil {
		locker = NewMemoryTicketLocker()
	}
	return &TriggerDispatcher{
		tickets:   tickets,
		workflows: workflows,
		runner:    runner,
		locker:    locker,
		cfg:       cfg,
		logger:    logger,
	}
}

// Fire executes the matching workflows one after another while holding the
// ticket lock. A failed execution does not stop the remaining ones; its
// outcome is only visible in the returned records.
func (d *TriggerDispatcher) Fire(ctx context.Context, ticketID uint, triggerType string) ([]*models.WorkflowExecution, error) {
	defs, err := d.match(ctx, ticketID, triggerType)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, nil
	}

	unlock, err := d.locker.Lock(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("lock ticket %d: %w", ticketID, err)
	}
	defer unlock()

	log := d.logger.WithFields(logrus.Fields{"ticket_id": ticketID, "trigger": triggerType})
	execs := make([]*models.WorkflowExecution, 0, len(defs))
	for i := range defs {
		if err := ctx.Err(); err != nil {
			return execs, err
		}
		exec, err := d.runner.Execute(ctx, &defs[i], ticketID, triggerType)
		if exec != nil {
			execs = append(execs, exec)
		}
		switch {
		case err == nil:
		case exec == nil && (errors.Is(err, ErrWorkflowNotFound) || errors.Is(err, ErrWorkflowInactive)):
			// 缓存中的定义已被删除或停用
			log.WithField("workflow_id", defs[i].ID).Debugf("automation: skip stale workflow: %v", err)
			if inv, ok := d.workflows.(interface{ Invalidate(orgID uint) }); ok {
				inv.Invalidate(defs[i].OrganizationID)
			}
		default:
			log.WithField("workflow_id", defs[i].ID).Warnf("automation: workflow run failed: %v", err)
		}
	}
	return execs, nil
}

func (d *TriggerDispatcher) match(ctx context.Context, ticketID uint, triggerType string) ([]models.WorkflowDefinition, error) {
	if !isSupportedTrigger(triggerType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTrigger, triggerType)
	}
	ticket, err := d.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return d.workflows.ActiveFor(ctx, ticket.OrganizationID, triggerType)
}

// BatchFireRequest 批量触发请求
type BatchFireRequest struct {
	TriggerType string `json:"trigger_type" binding:"required"`
	TicketIDs   []uint `json:"ticket_ids" binding:"required"`
	DryRun      bool   `json:"dry_run"`
}

// BatchFireResult 单个工单的处理结果
type BatchFireResult struct {
	TicketID   uint               `json:"ticket_id"`
	Matched    []uint             `json:"matched_workflows"`
	Executions []ExecutionSummary `json:"executions,omitempty"`
	Error      string             `json:"error,omitempty"`
}

type ExecutionSummary struct {
	ID         string                 `json:"id"`
	WorkflowID uint                   `json:"workflow_id"`
	Status     models.ExecutionStatus `json:"status"`
	Error      string                 `json:"error,omitempty"`
}

// BatchFireResponse 批量触发汇总
type BatchFireResponse struct {
	TicketsProcessed int               `json:"tickets_processed"`
	Matches          int               `json:"matches"`
	Executions       int               `json:"executions"`
	Failed           int               `json:"failed"`
	DryRun           bool              `json:"dry_run"`
	Results          []BatchFireResult `json:"results"`
}

// BatchFire fires one trigger for many tickets, at most max_concurrency
// tickets at a time. With DryRun it only reports which workflows would run.
func (d *TriggerDispatcher) BatchFire(ctx context.Context, req *BatchFireRequest) (*BatchFireResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request required", ErrInvalidRequest)
	}
	if !isSupportedTrigger(req.TriggerType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTrigger, req.TriggerType)
	}
	if len(req.TicketIDs) == 0 {
		return nil, fmt.Errorf("%w: ticket_ids required", ErrInvalidRequest)
	}
	if limit := d.cfg.MaxBatchTickets; limit > 0 && len(req.TicketIDs) > limit {
		return nil, fmt.Errorf("%w: at most %d ticket ids per batch", ErrInvalidRequest, limit)
	}

	results := make([]BatchFireResult, len(req.TicketIDs))
	g, gctx := errgroup.WithContext(ctx)
	concurrency := d.cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	g.SetLimit(concurrency)

	for i, ticketID := range req.TicketIDs {
		i, ticketID := i, ticketID
		g.Go(func() error {
			results[i] = d.fireOne(gctx, ticketID, req.TriggerType, req.DryRun)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp := &BatchFireResponse{TicketsProcessed: len(results), DryRun: req.DryRun, Results: results}
	for _, r := range results {
		resp.Matches += len(r.Matched)
		resp.Executions += len(r.Executions)
		for _, e := range r.Executions {
			if e.Status == models.ExecutionFailed {
				resp.Failed++
			}
		}
	}
	return resp, nil
}

func (d *TriggerDispatcher) fireOne(ctx context.Context, ticketID uint, triggerType string, dryRun bool) BatchFireResult {
	res := BatchFireResult{TicketID: ticketID, Matched: []uint{}}

	defs, err := d.match(ctx, ticketID, triggerType)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	for _, def := range defs {
		res.Matched = append(res.Matched, def.ID)
	}
	if dryRun || len(defs) == 0 {
		return res
	}

	execs, err := d.Fire(ctx, ticketID, triggerType)
	for _, e := range execs {
		res.Executions = append(res.Executions, ExecutionSummary{
			ID:         e.ID,
			WorkflowID: e.WorkflowID,
			Status:     e.Status,
			Error:      e.Error,
		})
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		res.Error = err.Error()
	}
	return res
}
