package queue

import (
	"sync"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

// Bus fans job lifecycle events out to in-process subscribers. Publish never
// blocks: a subscriber whose buffer is full misses that event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan models.JobEvent
	next   int
	closed bool
	logger *common.Logger
}

// NewBus creates an event bus.
func NewBus(logger *common.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan models.JobEvent),
		logger: logger,
	}
}

// Publish delivers the event to every subscriber that has buffer room.
func (b *Bus) Publish(event models.JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Debug().
				Str("event", event.Type).
				Msg("Subscriber buffer full, dropping event")
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel; calling cancel more than
// once is safe.
func (b *Bus) Subscribe(buffer int) (<-chan models.JobEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan models.JobEvent, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

var _ interfaces.EventBus = (*Bus)(nil)
