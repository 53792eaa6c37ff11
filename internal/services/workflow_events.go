package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"servify/automation/internal/config"
	"servify/automation/internal/models"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/sirupsen/logrus"
)

// TicketEvent 工单生命周期事件（总线消息体）
type TicketEvent struct {
	TicketID    uint      `json:"ticket_id" binding:"required"`
	TriggerType string    `json:"trigger_type" binding:"required"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NewTicketEventBus returns an in-process pub/sub used both as publisher and subscriber.
// Publish returns once the subscriber has taken the message, so events of
// one topic are delivered in publish order.
func NewTicketEventBus(cfg config.EventsConfig, logger *logrus.Logger) *gochannel.GoChannel {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1000
	}
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            buffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: true,
		},
		NewWatermillLogger(logger),
	)
}

// TicketEventPublisher 将事件写入总线
type TicketEventPublisher struct {
	publisher message.Publisher
	topic     string
}

func NewTicketEventPublisher(publisher message.Publisher, topic string) *TicketEventPublisher {
	return &TicketEventPublisher{publisher: publisher, topic: topic}
}

func (p *TicketEventPublisher) Publish(ctx context.Context, evt TicketEvent) error {
	if evt.TicketID == 0 {
		return fmt.Errorf("%w: ticket_id required", ErrInvalidRequest)
	}
	if !isSupportedTrigger(evt.TriggerType) {
		return fmt.Errorf("%w: %s", ErrUnsupportedTrigger, evt.TriggerType)
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.SetContext(ctx)
	return p.publisher.Publish(p.topic, msg)
}

// EventFirer is the part of the dispatcher the subscriber drives.
type EventFirer interface {
	Fire(ctx context.Context, ticketID uint, triggerType string) ([]*models.WorkflowExecution, error)
}

// TicketEventSubscriber consumes ticket events and fires workflows for them.
type TicketEventSubscriber struct {
	subscriber message.Subscriber
	topic      string
	firer      EventFirer
	logger     *logrus.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

func NewTicketEventSubscriber(subscriber message.Subscriber, topic string, firer EventFirer, logger *logrus.Logger) *TicketEventSubscriber {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketEventSubscriber{
		subscriber: subscriber,
		topic:      topic,
		firer:      firer,
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once Run has subscribed to the topic.
func (s *TicketEventSubscriber) Ready() <-chan struct{} {
	return s.ready
}

// Run blocks until ctx is cancelled. Messages are handled one at a time in
// delivery order and acked on receipt; execution failures are persisted in
// the execution records, so nothing is redelivered.
func (s *TicketEventSubscriber) Run(ctx context.Context) error {
	messages, err := s.subscriber.Subscribe(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Infof("automation: consuming ticket events from %s", s.topic)

	for msg := range messages {
		msg.Ack()
		s.handle(ctx, msg)
	}
	return ctx.Err()
}

func (s *TicketEventSubscriber) handle(ctx context.Context, msg *message.Message) {
	var evt TicketEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		s.logger.WithField("message_uuid", msg.UUID).Warnf("automation: drop malformed event: %v", err)
		return
	}
	log := s.logger.WithFields(logrus.Fields{"ticket_id": evt.TicketID, "trigger": evt.TriggerType})

	execs, err := s.firer.Fire(ctx, evt.TicketID, evt.TriggerType)
	switch {
	case err == nil:
		log.Debugf("automation: event handled, %d execution(s)", len(execs))
	case errors.Is(err, ErrTicketNotFound), errors.Is(err, ErrUnsupportedTrigger):
		log.Warnf("automation: drop event: %v", err)
	default:
		log.Errorf("automation: fire failed: %v", err)
	}
}

// watermillLogger 将 watermill 日志接到 logrus
type watermillLogger struct {
	entry *logrus.Entry
}

func NewWatermillLogger(logger *logrus.Logger) watermill.LoggerAdapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &watermillLogger{entry: logrus.NewEntry(logger).WithField("component", "watermill")}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).WithError(err).Error(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Info(msg)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Debug(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Trace(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}
