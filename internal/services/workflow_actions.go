package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"servify/automation/internal/config"
	"servify/automation/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ActionOutcome 动作执行结果
type ActionOutcome string

const (
	ActionPerformed ActionOutcome = "performed"
	ActionSkipped   ActionOutcome = "skipped"
)

// ActionDispatcher performs the side effect of an action node against the
// ticket bound to the execution.
type ActionDispatcher struct {
	tickets  TicketStore
	webhooks WebhookSender
	cfg      config.AutomationConfig
	logger   *logrus.Logger
	now      func() time.Time
}

func NewActionDispatcher(tickets TicketStore, webhooks WebhookSender, cfg config.AutomationConfig, logger *logrus.Logger) *ActionDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionDispatcher{
		tickets:  tickets,
		webhooks: webhooks,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Perform runs one action. Unknown action types are logged and reported as
// ActionSkipped with a nil error; every other failure is returned wrapped in
// ErrActionFailed (and ErrActionTimeout when the step deadline expired).
func (d *ActionDispatcher) Perform(ctx context.Context, act Action, ticketID uint) (ActionOutcome, error) {
	log := d.logger.WithFields(logrus.Fields{"ticket_id": ticketID, "action": act.ActionType()})

	var err error
	switch a := act.(type) {
	case UpdateStatusAction:
		status := a.Status
		err = d.retryOnTimeout(ctx, func(ctx context.Context) error {
			return d.tickets.UpdateTicket(ctx, ticketID, TicketUpdate{Status: &status})
		})
	case UpdatePriorityAction:
		priority := a.Priority
		err = d.retryOnTimeout(ctx, func(ctx context.Context) error {
			return d.tickets.UpdateTicket(ctx, ticketID, TicketUpdate{Priority: &priority})
		})
	case AddTagAction:
		err = d.retryOnTimeout(ctx, func(ctx context.Context) error {
			return d.tickets.AddTag(ctx, ticketID, a.TagID)
		})
	case AssignAgentAction:
		agentID := a.AgentID
		err = d.retryOnTimeout(ctx, func(ctx context.Context) error {
			return d.tickets.UpdateTicket(ctx, ticketID, TicketUpdate{AssigneeID: &agentID})
		})
	case AddNoteAction:
		author := d.cfg.SystemAuthorID
		if a.AuthorID != nil {
			author = *a.AuthorID
		}
		err = d.withTimeout(ctx, d.cfg.StepTimeout, func(ctx context.Context) error {
			return d.tickets.AppendNote(ctx, ticketID, author, a.Content)
		})
	case EscalateAction:
		err = d.withTimeout(ctx, d.cfg.StepTimeout, func(ctx context.Context) error {
			return d.tickets.UpdateTicket(ctx, ticketID, d.escalation(a))
		})
	case SendWebhookAction:
		if d.webhooks == nil {
			err = errors.New("webhook sender not configured")
			break
		}
		err = d.withTimeout(ctx, d.cfg.WebhookTimeout, func(ctx context.Context) error {
			return d.webhooks.Send(ctx, a.WebhookURL, ticketID, a.WebhookData)
		})
	default:
		// 未知动作：记录并跳过，不中断遍历
		log.Warn("automation: unknown action type, skipping")
		return ActionSkipped, nil
	}

	if err != nil {
		metrics.IncActionFailure(act.ActionType())
		log.Warnf("automation: action failed: %v", err)
		if errors.Is(err, ErrActionFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %w", ErrActionFailed, act.ActionType(), err)
	}
	return ActionPerformed, nil
}

// fallbackEscalationReason is used when neither the action nor the config names a reason.
const fallbackEscalationReason = "Escalated by workflow automation"

func (d *ActionDispatcher) escalation(a EscalateAction) TicketUpdate {
	status := d.cfg.EscalatedStatus
	if status == "" {
		status = "escalated"
	}
	reason := a.Reason
	if reason == "" {
		reason = d.cfg.DefaultEscalationReason
	}
	if reason == "" {
		reason = fallbackEscalationReason
	}
	now := d.now()
	return TicketUpdate{Status: &status, EscalatedAt: &now, EscalatedReason: &reason}
}

// withTimeout bounds fn by timeout. Expiry of that deadline (and not of the
// caller's context) is reported as ErrActionTimeout.
func (d *ActionDispatcher) withTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(tctx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrActionTimeout) {
		return fmt.Errorf("%w after %s: %w", ErrActionTimeout, timeout, err)
	}
	return err
}

// retryOnTimeout 幂等动作在超时时按指数退避重试，其它错误立即返回
func (d *ActionDispatcher) retryOnTimeout(ctx context.Context, fn func(context.Context) error) error {
	attempts := d.cfg.Retry.MaxAttempts
	if attempts <= 1 {
		return d.withTimeout(ctx, d.cfg.StepTimeout, fn)
	}

	eb := backoff.NewExponentialBackOff()
	if d.cfg.Retry.InitialInterval > 0 {
		eb.InitialInterval = d.cfg.Retry.InitialInterval
	}
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		err := d.withTimeout(ctx, d.cfg.StepTimeout, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrActionTimeout) {
			d.logger.Debugf("automation: action timed out, retrying: %v", err)
			return err
		}
		return backoff.Permanent(err)
	}, b)
}
