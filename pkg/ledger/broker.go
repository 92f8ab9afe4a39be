package ledger

import (
	"sync"

	"github.com/agentrun/contextd/pkg/types"
)

// Subscriber is a channel that receives ledger events as they are appended,
// for callers tailing a run's ledger (e.g. a streaming context brief).
type Subscriber chan types.LedgerEvent

// broker fans out appended events to subscribers without blocking the
// appender, adapted from the teacher's cluster-event Broker: a buffered
// intake channel plus a buffered channel per subscriber, slow subscribers
// drop events rather than stall writers.
type broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan types.LedgerEvent
	stopCh      chan struct{}
	stopOnce    sync.Once
}

func newBroker() *broker {
	b := &broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan types.LedgerEvent, 100),
		stopCh:      make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *broker) stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// subscribe registers a new subscriber channel.
func (b *broker) subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// unsubscribe removes and closes a subscriber channel.
func (b *broker) unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// publish enqueues an event for fan-out; never blocks the caller beyond the
// intake buffer.
func (b *broker) publish(event types.LedgerEvent) {
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *broker) broadcast(event types.LedgerEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop rather than stall the ledger
		}
	}
}

func (b *broker) subscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
