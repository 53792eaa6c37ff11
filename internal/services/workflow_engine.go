package services

import (
	"servify/automation/internal/config"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Engine bundles the automation components built over one database.
type Engine struct {
	Tickets     TicketStore
	Recorder    *GormExecutionRecorder
	Definitions *WorkflowDefinitionCache
	Conditions  *ConditionEvaluator
	Actions     *ActionDispatcher
	Executor    *WorkflowExecutor
	Dispatcher  *TriggerDispatcher
	Workflows   *WorkflowService
	Scheduler   *WorkflowScheduler
}

// EngineOptions 可选依赖；为空时使用进程内锁与默认 webhook 客户端
type EngineOptions struct {
	Locker   TicketLocker
	Webhooks WebhookSender
	Tickets  TicketStore
}

func NewEngine(db *gorm.DB, cfg config.AutomationConfig, opts EngineOptions, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	tickets := opts.Tickets
	if tickets == nil {
		tickets = NewGormTicketStore(db)
	}
	locker := opts.Locker
	if locker == nil {
		locker = NewMemoryTicketLocker()
	}
	webhooks := opts.Webhooks
	if webhooks == nil {
		webhooks = NewHTTPWebhookSender(nil, cfg.CircuitBreaker)
	}

	recorder := NewGormExecutionRecorder(db)
	defs := NewWorkflowDefinitionCache(db, cfg.Cache.TTL)
	conditions := NewConditionEvaluator(tickets, logger)
	actions := NewActionDispatcher(tickets, webhooks, cfg, logger)
	executor := NewWorkflowExecutor(recorder, conditions, actions, logger)
	dispatcher := NewTriggerDispatcher(tickets, defs, executor, locker, cfg, logger)

	return &Engine{
		Tickets:     tickets,
		Recorder:    recorder,
		Definitions: defs,
		Conditions:  conditions,
		Actions:     actions,
		Executor:    executor,
		Dispatcher:  dispatcher,
		Workflows:   NewWorkflowService(db, defs, tickets, executor, recorder, locker, cfg, logger),
		Scheduler:   NewWorkflowScheduler(tickets, dispatcher, cfg, logger),
	}
}
