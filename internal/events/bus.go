package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Topics published by the approval engine
const (
	TopicSubmitted    = "approval.submitted"
	TopicDecided      = "approval.decided"
	TopicStepAdvanced = "approval.step_advanced"
	TopicApproved     = "approval.approved"
	TopicRejected     = "approval.rejected"
	TopicReturned     = "approval.returned"
	TopicCancelled    = "approval.cancelled"
	TopicEscalated    = "approval.escalated"
	TopicExpired      = "approval.expired"
	TopicReminder     = "approval.reminder"

	// TopicAll subscribes a handler to every topic
	TopicAll = "*"
)

// Event is a notification about a committed approval state change
type Event struct {
	ID         string                 `json:"id"`
	Topic      string                 `json:"topic"`
	RequestID  string                 `json:"requestId"`
	EntityType string                 `json:"entityType"`
	EntityID   string                 `json:"entityId"`
	Status     string                 `json:"status,omitempty"`
	ActorID    string                 `json:"actorId,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt time.Time              `json:"occurredAt"`
}

// NewEvent creates an event with a fresh ID
func NewEvent(topic string, occurredAt time.Time) Event {
	return Event{
		ID:         uuid.New().String(),
		Topic:      topic,
		Data:       map[string]interface{}{},
		OccurredAt: occurredAt,
	}
}

// Handler receives published events
type Handler func(ctx context.Context, event Event)

// Publisher publishes events without blocking the caller
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Bus is an in-process fan-out publisher. Handlers run on their own
// goroutines; a failing or panicking handler never affects the publisher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
	logger   *logrus.Entry
}

// NewBus creates a new event bus
func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger.WithField("component", "approval-events"),
	}
}

// Subscribe registers a handler for a topic, or for all topics with TopicAll
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish dispatches the event to every matching handler asynchronously
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[event.Topic])+len(b.handlers[TopicAll]))
	targets = append(targets, b.handlers[event.Topic]...)
	targets = append(targets, b.handlers[TopicAll]...)
	b.mu.RUnlock()

	// Handlers outlive the request that triggered them
	handlerCtx := context.WithoutCancel(ctx)

	for _, handler := range targets {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.WithFields(logrus.Fields{
						"topic":     event.Topic,
						"requestID": event.RequestID,
						"panic":     r,
					}).Error("Event handler panicked")
				}
			}()
			h(handlerCtx, event)
		}(handler)
	}

	b.logger.WithFields(logrus.Fields{
		"topic":     event.Topic,
		"requestID": event.RequestID,
		"handlers":  len(targets),
	}).Debug("Approval event published")
}

// Wait blocks until all in-flight handlers have returned
func (b *Bus) Wait() {
	b.wg.Wait()
}
