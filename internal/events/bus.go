package events

import (
	"sync"
)

// Observer receives events synchronously. Observers of cancelable kinds may
// call Cancel on the event.
type Observer func(*Event)

// Bus dispatches tagged events to registered observers inline and records
// post-action events in the EventLog.
type Bus struct {
	mu        sync.RWMutex
	observers map[Kind][]Observer
	wildcard  []Observer
	log       *EventLog
}

// NewBus creates a bus. log may be nil.
func NewBus(log *EventLog) *Bus {
	return &Bus{
		observers: make(map[Kind][]Observer),
		log:       log,
	}
}

// Subscribe registers fn for one kind.
func (b *Bus) Subscribe(kind Kind, fn Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers[kind] = append(b.observers[kind], fn)
}

// SubscribeAll registers fn for every kind.
func (b *Bus) SubscribeAll(fn Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, fn)
}

// Fire runs every observer for the event's kind in registration order and
// reports whether the event was canceled. Once canceled, later observers are
// skipped. Non-cancelable events are appended to the log.
func (b *Bus) Fire(e *Event) (canceled bool) {
	b.mu.RLock()
	obs := make([]Observer, 0, len(b.observers[e.Kind])+len(b.wildcard))
	obs = append(obs, b.observers[e.Kind]...)
	obs = append(obs, b.wildcard...)
	b.mu.RUnlock()

	for _, fn := range obs {
		fn(e)
		if e.Canceled() {
			return true
		}
	}

	if !e.Kind.Cancelable() && b.log != nil {
		b.log.Append(*e)
	}
	return false
}

// Log exposes the underlying event log.
func (b *Bus) Log() *EventLog {
	return b.log
}
