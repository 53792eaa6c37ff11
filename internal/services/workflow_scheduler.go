package services

import (
	"context"
	"fmt"
	"sync"

	"servify/automation/internal/config"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// BatchFirer is the dispatcher surface the scheduler needs.
type BatchFirer interface {
	BatchFire(ctx context.Context, req *BatchFireRequest) (*BatchFireResponse, error)
}

// WorkflowScheduler 定时对所有未关闭工单触发 time_check
type WorkflowScheduler struct {
	tickets TicketStore
	firer   BatchFirer
	spec    string
	batch   int
	logger  *logrus.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewWorkflowScheduler(tickets TicketStore, firer BatchFirer, cfg config.AutomationConfig, logger *logrus.Logger) *WorkflowScheduler {
	if logger == nil {
		logger = logrus.New()
	}
	spec := cfg.Scheduler.Spec
	if spec == "" {
		spec = "@every 5m"
	}
	batch := cfg.MaxBatchTickets
	if batch <= 0 {
		batch = 500
	}
	return &WorkflowScheduler{tickets: tickets, firer: firer, spec: spec, batch: batch, logger: logger}
}

// Start registers the sweep and starts the cron loop. Overlapping sweeps are skipped.
func (s *WorkflowScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	cl := cron.PrintfLogger(s.logger)
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	s.ctx, s.cancel = context.WithCancel(ctx)
	if _, err := c.AddFunc(s.spec, func() {
		if err := s.SweepOnce(s.ctx); err != nil {
			s.logger.Warnf("automation: time_check sweep failed: %v", err)
		}
	}); err != nil {
		s.cancel()
		return fmt.Errorf("invalid scheduler spec %q: %w", s.spec, err)
	}
	c.Start()
	s.cron = c
	s.logger.Infof("automation: time_check scheduler started (%s)", s.spec)
	return nil
}

// Stop 停止调度并等待正在进行的扫描结束
func (s *WorkflowScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	s.cancel()
	<-c.Stop().Done()
}

// SweepOnce fires time_check for every open ticket in chunks of max_batch_tickets.
func (s *WorkflowScheduler) SweepOnce(ctx context.Context) error {
	ids, err := s.tickets.ListOpenTicketIDs(ctx)
	if err != nil {
		return fmt.Errorf("list open tickets: %w", err)
	}
	var executions, failed int
	for start := 0; start < len(ids); start += s.batch {
		end := start + s.batch
		if end > len(ids) {
			end = len(ids)
		}
		resp, err := s.firer.BatchFire(ctx, &BatchFireRequest{
			TriggerType: TriggerTimeCheck,
			TicketIDs:   ids[start:end],
		})
		if err != nil {
			return err
		}
		executions += resp.Executions
		failed += resp.Failed
	}
	s.logger.WithFields(logrus.Fields{
		"tickets":    len(ids),
		"executions": executions,
		"failed":     failed,
	}).Info("automation: time_check sweep finished")
	return nil
}
