package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventAgentAdded          EventType = "agent.added"
	EventAgentRemoved        EventType = "agent.removed"
	EventAgentUpdated        EventType = "agent.updated"
	EventAgentDraining       EventType = "agent.draining"
	EventFrameworkAdded      EventType = "framework.added"
	EventFrameworkRemoved    EventType = "framework.removed"
	EventFrameworkSuppressed EventType = "framework.suppressed"
	EventFrameworkRevived    EventType = "framework.revived"
	EventOfferEmitted        EventType = "offer.emitted"
	EventOfferRescinded      EventType = "offer.rescinded"
	EventQuotaSet            EventType = "quota.set"
	EventQuotaRemoved        EventType = "quota.removed"
	EventReservationAdded    EventType = "reservation.added"
	EventPassCompleted       EventType = "pass.completed"
)

// Event represents an allocator event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Emit is a convenience wrapper building and publishing an event
func (b *Broker) Emit(eventType EventType, message string, metadata map[string]string) {
	b.Publish(&Event{
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}
