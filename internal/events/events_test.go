package events

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPersister struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPersister) Append(e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestFireCancelShortCircuits(t *testing.T) {
	bus := NewBus(NewEventLog(nil))
	var calls []string

	bus.Subscribe(KindEscape, func(e *Event) { calls = append(calls, "first"); e.Cancel() })
	bus.Subscribe(KindEscape, func(e *Event) { calls = append(calls, "second") })

	canceled := bus.Fire(New(KindEscape, "s1", "SYSTEM", nil))

	assert.True(t, canceled)
	assert.Equal(t, []string{"first"}, calls)
	assert.Empty(t, bus.Log().Replay(), "cancelable events are not logged")
}

func TestPostEventsCannotBeCanceled(t *testing.T) {
	bus := NewBus(NewEventLog(nil))
	bus.Subscribe(KindReleased, func(e *Event) { e.Cancel() })

	canceled := bus.Fire(New(KindReleased, "s1", "Op", nil))

	assert.False(t, canceled)
	require.Len(t, bus.Log().Replay(), 1)
	assert.Equal(t, KindReleased, bus.Log().Replay()[0].Kind)
}

func TestWildcardObserversSeeEverything(t *testing.T) {
	bus := NewBus(nil)
	var kinds []Kind
	bus.SubscribeAll(func(e *Event) { kinds = append(kinds, e.Kind) })

	bus.Fire(New(KindJailed, "s1", "Op", nil))
	bus.Fire(New(KindAdmitting, "s2", "Op", nil))

	assert.Equal(t, []Kind{KindJailed, KindAdmitting}, kinds)
}

func TestEventLogQueries(t *testing.T) {
	log := NewEventLog(nil)
	a := *New(KindJailed, "s1", "Op", nil)
	b := *New(KindReleased, "s1", "Op", nil)
	c := *New(KindJailed, "s2", "Op", nil)
	log.Append(a)
	log.Append(b)
	log.Append(c)

	assert.Len(t, log.GetBySubject("s1"), 2)
	assert.Len(t, log.GetByKind(KindJailed), 2)
	assert.Equal(t, []Event{b, c}, log.Since(a.ID))
	assert.Len(t, log.Since(""), 3)
}

func TestSinceTrimmedIDReturnsOnlyNewer(t *testing.T) {
	log := NewEventLog(nil)
	log.limit = 4
	var ids []string
	for i := 0; i < 5; i++ {
		e := *New(KindJailed, "s1", "Op", nil)
		ids = append(ids, e.ID)
		log.Append(e)
	}
	require.Len(t, log.Replay(), 3, "the first two were trimmed")

	got := log.Since(ids[1])
	require.Len(t, got, 3)
	assert.Equal(t, ids[2], got[0].ID)

	assert.Empty(t, log.Since(GenerateEventID()), "an id newer than the log returns nothing")
}

func TestEventLogWritesThroughToPersister(t *testing.T) {
	p := &recordingPersister{}
	log := NewEventLog(p)
	log.Append(*New(KindJailed, "s1", "Op", nil))

	assert.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 5*time.Millisecond)
}

type failingPersister struct {
	recordingPersister
	fail string
}

func (p *failingPersister) Append(e Event) error {
	if e.SubjectID == p.fail {
		return errors.New("disk full")
	}
	return p.recordingPersister.Append(e)
}

func TestEventLogKeepsArchivingAfterFailure(t *testing.T) {
	p := &failingPersister{fail: "bad"}
	log := NewEventLog(p)
	log.Append(*New(KindJailed, "bad", "Op", nil))
	log.Append(*New(KindJailed, "s1", "Op", nil))
	log.Close()

	assert.Equal(t, 1, p.count())
	assert.Len(t, log.Replay(), 2)
}

func TestEventLogArchivesInOrder(t *testing.T) {
	dir := t.TempDir()
	w := NewAuditWriter(dir, "audit")
	fixed := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }
	log := NewEventLog(w)

	var want []string
	for i := 0; i < 200; i++ {
		e := *New(KindJailed, "s1", "Op", nil)
		want = append(want, e.ID)
		log.Append(e)
	}
	log.Close()
	require.NoError(t, w.Close())

	got, err := ReadAudit(filepath.Join(dir, "audit-2026-05-01-13.jsonl.zst"))
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, want, ids)
}

func TestEventLogAfterCloseStaysInMemory(t *testing.T) {
	p := &recordingPersister{}
	log := NewEventLog(p)
	log.Append(*New(KindJailed, "s1", "Op", nil))
	log.Close()
	log.Close()
	log.Append(*New(KindReleased, "s1", "Op", nil))

	assert.Equal(t, 1, p.count())
	assert.Len(t, log.Replay(), 2)
}

func TestAuditWriterRejectsAppendAfterClose(t *testing.T) {
	dir := t.TempDir()
	w := NewAuditWriter(dir, "audit")
	fixed := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	require.NoError(t, w.Append(*New(KindJailed, "s1", "Op", nil)))
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(*New(KindReleased, "s1", "Op", nil)), ErrAuditClosed)

	got, err := ReadAudit(filepath.Join(dir, "audit-2026-05-01-13.jsonl.zst"))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEventLogTrimsOldest(t *testing.T) {
	log := NewEventLog(nil)
	log.limit = 4
	for i := 0; i < 5; i++ {
		log.Append(Event{ID: string(rune('a' + i))})
	}

	ids := []string{}
	for _, e := range log.Replay() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"c", "d", "e"}, ids)
}

func TestAuditWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewAuditWriter(dir, "audit")
	fixed := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	require.NoError(t, w.Append(*New(KindJailed, "s1", "Op", map[string]string{"jail": "alpha"})))
	require.NoError(t, w.Append(*New(KindReleased, "s1", "Op", nil)))
	require.NoError(t, w.Close())

	got, err := ReadAudit(filepath.Join(dir, "audit-2026-05-01-13.jsonl.zst"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, KindJailed, got[0].Kind)
	assert.Equal(t, "alpha", got[0].Payload.(map[string]interface{})["jail"])
	assert.Equal(t, KindReleased, got[1].Kind)
}

func TestGenerateEventIDIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := GenerateEventID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
