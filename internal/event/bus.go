package event

import (
	"sync"

	"github.com/splitmind/splitmind/internal/logging"
)

// AllEvents subscribes to every event type.
const AllEvents = "*"

// DefaultQueueSize is the per-subscriber buffer. A subscriber that falls
// this far behind is disconnected rather than allowed to block producers.
const DefaultQueueSize = 256

// Subscription is one subscriber's handle on the bus. Events arrive on
// Events() in publish order until the subscription is closed, either by
// the subscriber or by the bus when the queue overflows.
type Subscription struct {
	id    int
	types map[string]bool
	ch    chan Event
	bus   *Bus
}

// Events returns the receive channel. It is closed on disconnect.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

func (s *Subscription) wants(eventType string) bool {
	return s.types[AllEvents] || s.types[eventType]
}

// Bus is a process-wide publish/subscribe hub with bounded per-subscriber
// queues. Publish never blocks: a subscriber whose queue is full is
// dropped so one stuck consumer cannot stall the orchestrator.
// Per-subscriber ordering follows publish order.
type Bus struct {
	mu        sync.Mutex
	subs      map[int]*Subscription
	nextID    int
	queueSize int
	logger    *logging.Logger
	snapshot  func() []Event
	closed    bool
}

// NewBus creates a Bus with the default queue size.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Bus{
		subs:      make(map[int]*Subscription),
		queueSize: DefaultQueueSize,
		logger:    logger.WithComponent("event_bus"),
	}
}

// SetQueueSize overrides the per-subscriber buffer for subsequent
// subscriptions. Intended for tests.
func (b *Bus) SetQueueSize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > 0 {
		b.queueSize = n
	}
}

// SetSnapshot installs the provider replayed to new subscribers. The
// coordination stream uses this so a late observer sees current state
// before the live tail.
func (b *Bus) SetSnapshot(fn func() []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = fn
}

// Subscribe registers interest in the given event types ("*" for all).
// If a snapshot provider is installed, its events are queued first,
// followed by the live stream.
func (b *Bus) Subscribe(eventTypes ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	if len(types) == 0 {
		types[AllEvents] = true
	}

	var replay []Event
	if b.snapshot != nil {
		replay = b.snapshot()
	}

	size := b.queueSize
	if len(replay) >= size {
		size = len(replay) + b.queueSize
	}

	sub := &Subscription{
		id:    b.nextID,
		types: types,
		ch:    make(chan Event, size),
		bus:   b,
	}
	b.nextID++

	if b.closed {
		close(sub.ch)
		return sub
	}

	for _, ev := range replay {
		if sub.wants(ev.EventType()) {
			sub.ch <- ev
		}
	}

	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every matching subscriber without blocking.
// Subscribers whose queues are full are disconnected.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	var overflow []int
	for id, sub := range b.subs {
		if !sub.wants(ev.EventType()) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			overflow = append(overflow, id)
		}
	}

	for _, id := range overflow {
		b.logger.Warn("disconnecting slow subscriber", "subscriber", id, "event", ev.EventType())
		b.dropLocked(id)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close disconnects all subscribers. Further publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id := range b.subs {
		b.dropLocked(id)
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(id)
}

func (b *Bus) dropLocked(id int) {
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}
