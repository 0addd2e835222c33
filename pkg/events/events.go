package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corralhq/corral/pkg/types"
)

// Event types emitted by the control plane.
const (
	EventNodeRegistered   = "node.registered"
	EventNodeOnline       = "node.online"
	EventNodeOffline      = "node.offline"
	EventVmCreated        = "vm.created"
	EventVmScheduled      = "vm.scheduled"
	EventVmRunning        = "vm.running"
	EventVmStopped        = "vm.stopped"
	EventVmDeleted        = "vm.deleted"
	EventVmError          = "vm.error"
	EventAttestationFail  = "attestation.failed"
	EventBillingPaused    = "billing.paused"
	EventBillingResumed   = "billing.resumed"
	EventBillingCharged   = "billing.charged"
	EventVmStoppedNoFunds = "billing.insufficient-funds"
)

// Recorder persists events; wired to the state store.
type Recorder interface {
	SaveEvent(event *types.Event)
}

// Subscriber is a channel that receives events
type Subscriber chan *types.Event

// Broker distributes events to subscribers and persists them through
// the recorder. Slow subscribers are skipped, never blocked on.
type Broker struct {
	recorder Recorder

	mu          sync.RWMutex
	subscribers map[Subscriber]bool

	eventCh chan *types.Event
	stopCh  chan struct{}
	stopOnce sync.Once
}

// NewBroker creates a new event broker
func NewBroker(recorder Recorder) *Broker {
	return &Broker{
		recorder:    recorder,
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish records and distributes an event.
func (b *Broker) Publish(event *types.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if b.recorder != nil {
		b.recorder.SaveEvent(event)
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// PublishVm is a convenience for VM-scoped events.
func (b *Broker) PublishVm(eventType, vmID, nodeID, message string) {
	b.Publish(&types.Event{Type: eventType, VmID: vmID, NodeID: nodeID, Message: message})
}

// PublishNode is a convenience for node-scoped events.
func (b *Broker) PublishNode(eventType, nodeID, message string) {
	b.Publish(&types.Event{Type: eventType, NodeID: nodeID, Message: message})
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

func (b *Broker) broadcast(event *types.Event) {
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

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
