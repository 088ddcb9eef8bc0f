package events

import (
	"sync"

	"go.uber.org/zap"

	"shipline/internal/domain"
	"shipline/internal/metrics"
)

// Publisher receives committed events.
type Publisher interface {
	Publish(evts ...domain.Event)
}

// Fanout publishes to every non-nil publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(evts ...domain.Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(evts...)
		}
	}
}

type subscription struct {
	projectID string
	ch        chan domain.Event
}

// Bus is an in-process fan-out of committed events. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	next   int
	buffer int
	closed bool
	log    *zap.Logger
}

// NewBus creates a bus whose subscribers buffer up to buffer events.
func NewBus(buffer int, log *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{subs: make(map[int]*subscription), buffer: buffer, log: log}
}

// Subscribe returns a channel of events for projectID ("" for all projects)
// and a function that cancels the subscription and closes the channel.
func (b *Bus) Subscribe(projectID string) (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = &subscription{projectID: projectID, ch: ch}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

func (b *Bus) Publish(evts ...domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, evt := range evts {
		for _, sub := range b.subs {
			if sub.projectID != "" && sub.projectID != evt.ProjectID {
				continue
			}
			select {
			case sub.ch <- evt:
			default:
				metrics.EventsDropped.Inc()
				b.log.Warn("event dropped for slow subscriber", zap.String("type", evt.Type), zap.Int64("event_id", evt.ID))
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
