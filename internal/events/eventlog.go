// Package events provides the notification bus and the append-only log of jail events.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MRamiBalles/devjails/internal/platform/logger"
)

// persistQueue bounds the events waiting for the persister. Append blocks
// while it is full.
const persistQueue = 4096

// Kind tags an event.
type Kind string

const (
	// Cancelable pre-action notifications.
	KindAdmitting Kind = "ADMITTING"
	KindReleasing Kind = "RELEASING"
	KindEscape    Kind = "ESCAPE"

	// Post-action notifications, recorded in the EventLog.
	KindJailed            Kind = "JAILED"
	KindReleased          Kind = "RELEASED"
	KindEscaped           Kind = "ESCAPED"
	KindSentenceExtended  Kind = "SENTENCE_EXTENDED"
	KindBailChanged       Kind = "BAIL_CHANGED"
	KindBailPaid          Kind = "BAIL_PAID"
	KindRestraintChanged  Kind = "RESTRAINT_CHANGED"
	KindJailChanged       Kind = "JAIL_CHANGED"
	KindAreaChanged       Kind = "AREA_CHANGED"
	KindSubjectConnection Kind = "SUBJECT_CONNECTION"
)

// Cancelable reports whether observers may veto events of this kind.
func (k Kind) Cancelable() bool {
	return k == KindAdmitting || k == KindReleasing || k == KindEscape
}

// Event is an immutable record of something that happened to a subject or jail.
type Event struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Kind      Kind        `json:"kind"`
	SubjectID string      `json:"subject_id,omitempty"`
	Actor     string      `json:"actor,omitempty"` // staff or SYSTEM
	Payload   interface{} `json:"payload,omitempty"`

	canceled bool
}

// New stamps an event with an id and the current time.
func New(kind Kind, subject, actor string, payload interface{}) *Event {
	return &Event{
		ID:        GenerateEventID(),
		Timestamp: time.Now(),
		Kind:      kind,
		SubjectID: subject,
		Actor:     actor,
		Payload:   payload,
	}
}

// Cancel vetoes a cancelable event. It is ignored for other kinds.
func (e *Event) Cancel() {
	if e.Kind.Cancelable() {
		e.canceled = true
	}
}

func (e *Event) Canceled() bool {
	return e.canceled
}

// EventPersister defines how an event is durably archived.
type EventPersister interface {
	Append(event Event) error
}

// EventLog is the in-memory append-only log of post-action events. With a
// persister, events are archived in append order by one writer goroutine.
type EventLog struct {
	mu     sync.RWMutex
	events []Event
	limit  int
	log    *logger.Logger

	// sendMu orders appends so the archive sees the in-memory order.
	sendMu    sync.Mutex
	persister EventPersister
	queue     chan Event
	done      chan struct{}
	closed    bool
}

// NewEventLog creates a new event log with an optional persister.
func NewEventLog(persister EventPersister) *EventLog {
	el := &EventLog{
		events:    make([]Event, 0),
		persister: persister,
		limit:     10000,
		log:       logger.Discard(),
	}
	if persister != nil {
		el.queue = make(chan Event, persistQueue)
		el.done = make(chan struct{})
		go el.writeLoop()
	}
	return el
}

// SetLogger routes persister failures to log.
func (el *EventLog) SetLogger(log *logger.Logger) {
	el.mu.Lock()
	el.log = log
	el.mu.Unlock()
}

func (el *EventLog) writeLoop() {
	defer close(el.done)
	for e := range el.queue {
		if err := el.persister.Append(e); err != nil {
			el.mu.RLock()
			log := el.log
			el.mu.RUnlock()
			log.Error("Failed to archive event", "id", e.ID, "kind", string(e.Kind), "error", err)
		}
	}
}

// Append adds a new event to the log. Events are immutable once appended.
// The oldest half is dropped once the in-memory limit is reached; the
// persister keeps the full history. After Close, events are kept in memory
// only.
func (el *EventLog) Append(event Event) {
	el.sendMu.Lock()
	defer el.sendMu.Unlock()

	el.mu.Lock()
	if el.limit > 0 && len(el.events) >= el.limit {
		kept := make([]Event, len(el.events)-el.limit/2, el.limit)
		copy(kept, el.events[el.limit/2:])
		el.events = kept
	}
	el.events = append(el.events, event)
	el.mu.Unlock()

	if el.queue != nil && !el.closed {
		el.queue <- event
	}
}

// Close stops archiving and waits until every queued event reached the
// persister. It is safe to call more than once.
func (el *EventLog) Close() {
	el.sendMu.Lock()
	if el.queue == nil || el.closed {
		el.sendMu.Unlock()
		return
	}
	el.closed = true
	close(el.queue)
	el.sendMu.Unlock()
	<-el.done
}

// GetBySubject returns all events concerning one subject.
func (el *EventLog) GetBySubject(subjectID string) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()

	var result []Event
	for _, e := range el.events {
		if e.SubjectID == subjectID {
			result = append(result, e)
		}
	}
	return result
}

// GetByKind returns all events of one kind.
func (el *EventLog) GetByKind(kind Kind) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()

	var result []Event
	for _, e := range el.events {
		if e.Kind == kind {
			result = append(result, e)
		}
	}
	return result
}

// Since returns the events after the given id, or the whole log when the id
// is empty. Event ids sort by creation time, so an id already trimmed from
// memory still marks the position: only newer events come back. Used by
// pollers that remember their position.
func (el *EventLog) Since(lastID string) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()

	if lastID == "" {
		return append([]Event(nil), el.events...)
	}
	for i := len(el.events) - 1; i >= 0; i-- {
		if el.events[i].ID == lastID {
			return append([]Event(nil), el.events[i+1:]...)
		}
	}
	out := make([]Event, 0)
	for _, e := range el.events {
		if e.ID > lastID {
			out = append(out, e)
		}
	}
	return out
}

// Replay returns a copy of the full in-memory history.
func (el *EventLog) Replay() []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()
	return append([]Event(nil), el.events...)
}

// GenerateEventID creates a unique, time-sortable event identifier.
func GenerateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
