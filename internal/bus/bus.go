// Package bus provides the in-process publish/subscribe channel that
// connects the recovery, two-factor, and process monitoring subsystems.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/loginflow/internal/core/domain"
	"github.com/vietddude/loginflow/internal/metrics"
)

const subscriberBuffer = 64

type subscriber struct {
	ch    chan domain.Event
	types map[domain.EventType]struct{} // nil means all types
}

// Bus fans out events to local subscribers. Publish never blocks the caller;
// when a subscriber's buffer is full delivery falls back to a goroutine send,
// so local delivery is at-least-once.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	log  *slog.Logger
}

// New creates an event bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs: make(map[*subscriber]struct{}),
		log:  log,
	}
}

// Subscribe registers a subscriber for the given event types. With no types
// the subscriber receives every event. The returned func unsubscribes and
// closes the channel; it is safe to call once.
func (b *Bus) Subscribe(types ...domain.EventType) (<-chan domain.Event, func()) {
	sub := &subscriber{ch: make(chan domain.Event, subscriberBuffer)}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to all matching subscribers. A zero timestamp
// is stamped with the current time.
func (b *Bus) Publish(evt domain.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[evt.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- evt:
		default:
			// Buffer full: hand off to a goroutine so the publisher
			// never blocks but the subscriber still gets the event.
			b.log.Debug("bus: subscriber buffer full, deferring delivery", "type", evt.Type)
			go func(s *subscriber, e domain.Event) {
				defer func() {
					// Subscriber may unsubscribe (closing the channel)
					// while the deferred send is in flight.
					_ = recover()
				}()
				s.ch <- e
			}(sub, evt)
		}
	}
}
