package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ConditionEvaluator answers "continue this branch?" by reading ticket state.
// It never mutates the ticket.
type ConditionEvaluator struct {
	tickets TicketStore
	logger  *logrus.Logger
	now     func() time.Time
}

func NewConditionEvaluator(tickets TicketStore, logger *logrus.Logger) *ConditionEvaluator {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConditionEvaluator{tickets: tickets, logger: logger, now: time.Now}
}

// Evaluate returns false when the ticket cannot be read, true for unknown
// condition types, and the predicate result otherwise.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, cond Condition, ticketID uint) bool {
	log := e.logger.WithFields(logrus.Fields{"ticket_id": ticketID, "condition": cond.ConditionType()})

	switch c := cond.(type) {
	case PriorityCondition:
		ticket, ok := e.loadTicket(ctx, log, ticketID)
		return ok && ticket.Priority == c.Value
	case StatusCondition:
		ticket, ok := e.loadTicket(ctx, log, ticketID)
		return ok && ticket.Status == c.Value
	case HasTagCondition:
		found, err := e.tickets.HasTag(ctx, ticketID, c.TagID)
		if err != nil {
			log.Warnf("automation: tag lookup failed: %v", err)
			return false
		}
		return found
	case TimeElapsedCondition:
		if c.Hours == nil {
			log.Warn("automation: time_elapsed without hours, halting branch")
			return false
		}
		ticket, ok := e.loadTicket(ctx, log, ticketID)
		if !ok {
			return false
		}
		return e.now().Sub(ticket.CreatedAt).Hours() >= *c.Hours
	case UnknownCondition:
		// 未识别的规则不阻断流程
		log.Warn("automation: unknown condition type, continuing")
		return true
	default:
		log.Warnf("automation: unhandled condition %T, continuing", cond)
		return true
	}
}

func (e *ConditionEvaluator) loadTicket(ctx context.Context, log *logrus.Entry, ticketID uint) (*TicketSnapshot, bool) {
	ticket, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		log.Warnf("automation: load ticket failed: %v", err)
		return nil, false
	}
	return ticket, true
}
