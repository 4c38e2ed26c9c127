package prisoners

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/devjails/internal/domain/prisoner"
	"github.com/MRamiBalles/devjails/internal/domain/region"
	"github.com/MRamiBalles/devjails/internal/events"
	"github.com/MRamiBalles/devjails/internal/infra/storage"
	"github.com/MRamiBalles/devjails/internal/jails"
	"github.com/MRamiBalles/devjails/internal/platform/clock"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
	"github.com/MRamiBalles/devjails/internal/platform/logger"
	"github.com/MRamiBalles/devjails/internal/platform/metrics"
	"github.com/MRamiBalles/devjails/internal/world"
)

var (
	alphaSpawn = region.Location{World: "world", X: 100, Y: 64, Z: 100}
	homeLoc    = region.Location{World: "world", X: 7, Y: 70, Z: -7}
)

type fixture struct {
	reg     *Registry
	gw      *storage.MemoryGateway
	world   *world.Memory
	clock   *clock.Fake
	bus     *events.Bus
	elog    *events.EventLog
	metrics *metrics.Collector
	jails   *jails.Registry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		gw:      storage.NewMemoryGateway(),
		world:   world.NewMemory("world", nil),
		clock:   clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		elog:    events.NewEventLog(nil),
		metrics: metrics.New(),
	}
	f.bus = events.NewBus(f.elog)
	f.jails = jails.NewRegistry(f.gw, nil, f.bus, logger.Discard())
	_, err := f.jails.CreateOrUpdateJail(ctx, "Alpha", alphaSpawn)
	require.NoError(t, err)

	if opts.DefaultWorld == "" {
		opts.DefaultWorld = "world"
	}
	f.reg = f.newRegistry(opts)
	return f
}

func (f *fixture) newRegistry(opts Options) *Registry {
	return NewRegistry(Deps{
		Store:   f.gw,
		Jails:   f.jails,
		World:   f.world,
		Bus:     f.bus,
		Clock:   f.clock,
		Metrics: f.metrics,
		Log:     logger.Discard(),
	}, opts)
}

func (f *fixture) online(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.world.Connect(id, "steve", homeLoc)
	return id
}

func TestAdmitThenIsJailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.online(t)

	p, err := f.reg.Admit(ctx, id, "alpha", "griefing", "Op", prisoner.For(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "Alpha", p.JailName)
	assert.True(t, p.Online)
	require.NotNil(t, p.OriginalLocation)
	assert.Equal(t, homeLoc, *p.OriginalLocation)

	assert.True(t, f.reg.IsJailed(id))
	assert.Equal(t, int64(1), f.metrics.Admissions)

	tp := f.world.Teleports()
	require.Len(t, tp, 1)
	assert.Equal(t, alphaSpawn, tp[0].To)

	_, err = f.gw.LoadPrisoner(ctx, id.String())
	assert.NoError(t, err)
	assert.Len(t, f.elog.GetByKind(events.KindJailed), 1)
}

func TestAdmitTwiceIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.online(t)

	_, err := f.reg.Admit(ctx, id, "Alpha", "first", "Op", prisoner.For(time.Minute))
	require.NoError(t, err)
	_, err = f.reg.Admit(ctx, id, "Alpha", "second", "Other", prisoner.Permanent())
	assert.ErrorIs(t, err, errclass.ErrAlreadyJailed)
	assert.Equal(t, errclass.ClassConflict, errclass.ClassOf(err))

	p, ok := f.reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, "first", p.Reason)
	assert.False(t, p.IsPermanent())
}

func TestAdmitUnknownJail(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.reg.Admit(context.Background(), uuid.New(), "Nowhere", "", "Op", prisoner.Permanent())
	assert.ErrorIs(t, err, errclass.ErrUnknownJail)
}

func TestAdmitRollsBackOnPersistenceFailure(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.online(t)
	f.gw.Fail = func(op string) error { return errors.New("disk full") }

	_, err := f.reg.Admit(context.Background(), id, "Alpha", "", "Op", prisoner.Permanent())
	assert.ErrorIs(t, err, errclass.ErrPersistenceFailed)
	assert.False(t, f.reg.IsJailed(id))
	assert.Empty(t, f.world.Teleports())
	assert.Empty(t, f.elog.GetByKind(events.KindJailed))
}

func TestAdmitCanBeCanceled(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.Subscribe(events.KindAdmitting, func(e *events.Event) { e.Cancel() })
	id := f.online(t)

	_, err := f.reg.Admit(context.Background(), id, "Alpha", "", "Op", prisoner.Permanent())
	assert.ErrorIs(t, err, errclass.ErrCanceled)
	assert.False(t, f.reg.IsJailed(id))
	keys, _ := f.gw.PrisonerKeys(context.Background())
	assert.Empty(t, keys)
}

func TestOfflineAdmissionQueuesTeleport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := uuid.New()

	p, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.For(time.Minute))
	require.NoError(t, err)
	assert.False(t, p.Online)
	require.NotNil(t, p.OriginalLocation)
	assert.Equal(t, f.world.DefaultSpawn("world"), *p.OriginalLocation)

	to, ok := f.reg.Pending(id)
	require.True(t, ok)
	assert.Equal(t, alphaSpawn, to)

	f.world.Connect(id, "alex", homeLoc)
	assert.True(t, f.reg.MarkOnline(id))
	_, ok = f.reg.Pending(id)
	assert.False(t, ok)

	loc, _ := f.world.Location(id)
	assert.Equal(t, alphaSpawn, loc)
}

func TestRemainingOnlyElapsesOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.online(t)

	_, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.For(time.Minute))
	require.NoError(t, err)

	rem, permanent, err := f.reg.Remaining(id)
	require.NoError(t, err)
	assert.False(t, permanent)
	assert.Equal(t, time.Minute, rem)

	f.clock.Advance(20 * time.Second)
	rem, _, _ = f.reg.Remaining(id)
	assert.Equal(t, 40*time.Second, rem)

	require.NoError(t, f.reg.MarkOffline(ctx, id))
	f.clock.Advance(time.Hour)
	rem, _, _ = f.reg.Remaining(id)
	assert.Equal(t, 40*time.Second, rem)

	f.reg.MarkOnline(id)
	f.reg.MarkOnline(id)
	f.clock.Advance(10 * time.Second)
	rem, _, _ = f.reg.Remaining(id)
	assert.Equal(t, 30*time.Second, rem)

	_, _, err = f.reg.Remaining(uuid.New())
	assert.ErrorIs(t, err, errclass.ErrNotJailed)
}

func TestConnectionEventsOnlyForPrisoners(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	free := f.online(t)

	f.reg.MarkOnline(free)
	require.NoError(t, f.reg.MarkOffline(ctx, free))
	assert.Empty(t, f.elog.GetByKind(events.KindSubjectConnection))

	id := f.online(t)
	_, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.For(time.Minute))
	require.NoError(t, err)
	require.NoError(t, f.reg.MarkOffline(ctx, id))
	f.reg.MarkOnline(id)

	conn := f.elog.GetByKind(events.KindSubjectConnection)
	require.Len(t, conn, 2)
	assert.Equal(t, id.String(), conn[0].SubjectID)
}

func TestExtendSentence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	temp := f.online(t)
	perm := f.online(t)

	before, err := f.reg.Admit(ctx, temp, "Alpha", "", "Op", prisoner.For(time.Minute))
	require.NoError(t, err)
	_, err = f.reg.Admit(ctx, perm, "Alpha", "", "Op", prisoner.Permanent())
	require.NoError(t, err)

	after, err := f.reg.ExtendSentence(ctx, temp, 30*time.Second, "Op")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, after.EndEpoch.Sub(*before.EndEpoch))
	assert.Equal(t, int64(1), f.metrics.Extensions)

	_, err = f.reg.ExtendSentence(ctx, perm, time.Minute, "Op")
	assert.ErrorIs(t, err, errclass.ErrPermanentSentence)
	p, _ := f.reg.Get(perm)
	assert.True(t, p.IsPermanent())

	_, err = f.reg.ExtendSentence(ctx, uuid.New(), time.Minute, "Op")
	assert.ErrorIs(t, err, errclass.ErrNotJailed)
	_, err = f.reg.ExtendSentence(ctx, temp, 0, "Op")
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)
}

func TestExtendRollsBackOnPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.online(t)
	before, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.For(time.Minute))
	require.NoError(t, err)

	f.gw.Fail = func(op string) error { return errors.New("io") }
	_, err = f.reg.ExtendSentence(ctx, id, time.Hour, "Op")
	assert.ErrorIs(t, err, errclass.ErrPersistenceFailed)

	p, _ := f.reg.Get(id)
	assert.True(t, p.EndEpoch.Equal(*before.EndEpoch))
}

func TestSetBail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	a := f.online(t)
	b := f.online(t)
	for _, id := range []uuid.UUID{a, b} {
		_, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.Permanent())
		require.NoError(t, err)
	}

	p, err := f.reg.SetBail(ctx, a, 500, "Op")
	require.NoError(t, err)
	assert.True(t, p.HasBail())
	require.Len(t, f.reg.AllWithBail(), 1)
	assert.Equal(t, a, f.reg.AllWithBail()[0].SubjectID)

	p, err = f.reg.SetBail(ctx, a, 0, "Op")
	require.NoError(t, err)
	assert.False(t, p.HasBail())
	assert.Nil(t, p.BailAmount)
	assert.Empty(t, f.reg.AllWithBail())

	_, err = f.reg.SetBail(ctx, uuid.New(), 10, "Op")
	assert.ErrorIs(t, err, errclass.ErrNotJailed)
}

func TestReleaseLocationPriority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.online(t)
	_, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.Permanent())
	require.NoError(t, err)

	p, _ := f.reg.Get(id)
	assert.Equal(t, f.world.DefaultSpawn("world"), f.reg.ReleaseLocation(p))

	p, err = f.reg.SetReleaseSpawn(ctx, id, prisoner.ReleaseToOrigin)
	require.NoError(t, err)
	assert.Equal(t, homeLoc, f.reg.ReleaseLocation(p))

	gate := region.Location{World: "world", X: -50, Y: 64, Z: -50}
	withPoint := f.newRegistry(Options{DefaultWorld: "world", ReleasePoint: &gate})
	assert.Equal(t, gate, withPoint.ReleaseLocation(p))

	dest, err := f.reg.Release(ctx, id, "Op", ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, homeLoc, dest)
	loc, _ := f.world.Location(id)
	assert.Equal(t, homeLoc, loc)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.online(t)
	_, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.Permanent())
	require.NoError(t, err)

	_, err = f.reg.Release(ctx, id, "Op", ReasonManual)
	require.NoError(t, err)
	assert.False(t, f.reg.IsJailed(id))
	_, err = f.gw.LoadPrisoner(ctx, id.String())
	assert.ErrorIs(t, err, errclass.ErrNotFound)
	assert.Equal(t, int64(1), f.metrics.Releases("Manual"))

	_, err = f.reg.Release(ctx, id, "Op", ReasonManual)
	assert.ErrorIs(t, err, errclass.ErrNotJailed)
}

func TestReleaseKeepsRecordOnPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.online(t)
	_, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.Permanent())
	require.NoError(t, err)

	f.gw.Fail = func(op string) error { return errors.New("io") }
	_, err = f.reg.Release(ctx, id, "Op", ReasonManual)
	assert.ErrorIs(t, err, errclass.ErrPersistenceFailed)
	assert.True(t, f.reg.IsJailed(id))
}

func TestOnlyManualAndBailReleasesCanBeCanceled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.bus.Subscribe(events.KindReleasing, func(e *events.Event) { e.Cancel() })
	id := f.online(t)
	_, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.Permanent())
	require.NoError(t, err)

	_, err = f.reg.Release(ctx, id, "Op", ReasonManual)
	assert.ErrorIs(t, err, errclass.ErrCanceled)
	_, err = f.reg.Release(ctx, id, "", ReasonBailPaid)
	assert.ErrorIs(t, err, errclass.ErrCanceled)
	assert.True(t, f.reg.IsJailed(id))

	_, err = f.reg.Release(ctx, id, "", ReasonExpired)
	require.NoError(t, err)
	assert.False(t, f.reg.IsJailed(id))
}

func TestOfflineReleaseQueuesTeleport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.online(t)
	_, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.Permanent())
	require.NoError(t, err)

	f.world.Disconnect(id)
	require.NoError(t, f.reg.MarkOffline(ctx, id))
	dest, err := f.reg.Release(ctx, id, "Op", ReasonManual)
	require.NoError(t, err)

	to, ok := f.reg.Pending(id)
	require.True(t, ok)
	assert.Equal(t, dest, to)

	f.world.Connect(id, "", alphaSpawn)
	assert.False(t, f.reg.MarkOnline(id))
	loc, _ := f.world.Location(id)
	assert.Equal(t, dest, loc)
}

func TestRestraints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{RestrainOnAdmit: true})
	id := f.online(t)

	p, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.Permanent())
	require.NoError(t, err)
	assert.True(t, p.Restrained)
	s, _ := f.world.Subject(id)
	assert.True(t, s.Restrained)

	_, err = f.reg.SetRestrained(ctx, id, false, "Op")
	require.NoError(t, err)
	s, _ = f.world.Subject(id)
	assert.False(t, s.Restrained)
	assert.Len(t, f.elog.GetByKind(events.KindRestraintChanged), 1)
}

func TestExpiryEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.online(t)

	_, err := f.reg.Admit(ctx, id, "Alpha", "test", "Op", prisoner.For(60*time.Second))
	require.NoError(t, err)
	rem, _, _ := f.reg.Remaining(id)
	assert.Equal(t, 60*time.Second, rem)

	f.clock.Advance(59 * time.Second)
	assert.Empty(t, f.reg.Expired())

	f.clock.Advance(time.Second)
	expired := f.reg.Expired()
	require.Equal(t, []uuid.UUID{id}, expired)

	_, err = f.reg.Release(ctx, id, "", ReasonExpired)
	require.NoError(t, err)
	assert.False(t, f.reg.IsJailed(id))

	released := f.elog.GetByKind(events.KindReleased)
	require.Len(t, released, 1)
	payload := released[0].Payload.(map[string]interface{})
	assert.Equal(t, "Expired", payload["reason"])
	assert.Equal(t, "SYSTEM", released[0].Actor)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	_, err := f.jails.CreateOrUpdateJail(ctx, "Beta", alphaSpawn)
	require.NoError(t, err)

	a, b, c := f.online(t), f.online(t), f.online(t)
	_, err = f.reg.Admit(ctx, a, "Alpha", "", "Op", prisoner.Permanent())
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.reg.Admit(ctx, b, "Beta", "", "Op", prisoner.Permanent())
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.reg.Admit(ctx, c, "alpha", "", "Op", prisoner.Permanent())
	require.NoError(t, err)

	all := f.reg.All()
	require.Len(t, all, 3)
	assert.Equal(t, []uuid.UUID{a, b, c}, []uuid.UUID{all[0].SubjectID, all[1].SubjectID, all[2].SubjectID})

	inAlpha := f.reg.AllByJail("ALPHA")
	require.Len(t, inAlpha, 2)
	assert.Equal(t, a, inAlpha[0].SubjectID)
	assert.Equal(t, c, inAlpha[1].SubjectID)
	assert.Equal(t, 3, f.reg.Count())

	got, _ := f.reg.Get(a)
	got.Reason = "tampered"
	again, _ := f.reg.Get(a)
	assert.Empty(t, again.Reason)
}

func TestOnlineTimeAcrossRestart(t *testing.T) {
	for _, persist := range []bool{true, false} {
		name := "persisted"
		if !persist {
			name = "reference"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, Options{PersistOnlineTime: persist})
			id := f.online(t)

			_, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.For(time.Minute))
			require.NoError(t, err)
			f.clock.Advance(30 * time.Second)
			f.world.Disconnect(id)
			require.NoError(t, f.reg.MarkOffline(ctx, id))

			restarted := f.newRegistry(Options{DefaultWorld: "world", PersistOnlineTime: persist})
			require.NoError(t, restarted.Load(ctx))
			rem, _, err := restarted.Remaining(id)
			require.NoError(t, err)
			if persist {
				assert.Equal(t, 30*time.Second, rem)
			} else {
				assert.Equal(t, time.Minute, rem)
			}
		})
	}
}

func TestLoadStartsClockForConnectedSubjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.online(t)
	_, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.For(time.Minute))
	require.NoError(t, err)

	restarted := f.newRegistry(Options{DefaultWorld: "world"})
	require.NoError(t, restarted.Load(ctx))
	p, ok := restarted.Get(id)
	require.True(t, ok)
	assert.True(t, p.Online)

	f.clock.Advance(10 * time.Second)
	rem, _, _ := restarted.Remaining(id)
	assert.Equal(t, 50*time.Second, rem)
}

func TestReloadDropsMissingSubjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	kept, gone := f.online(t), f.online(t)
	for _, id := range []uuid.UUID{kept, gone} {
		_, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.For(time.Minute))
		require.NoError(t, err)
	}
	f.clock.Advance(5 * time.Second)

	require.NoError(t, f.gw.RemovePrisoner(ctx, gone.String()))
	st, err := f.reg.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReloadStats{Updated: 1, Dropped: 1}, st)

	assert.True(t, f.reg.IsJailed(kept))
	assert.False(t, f.reg.IsJailed(gone))
	assert.Equal(t, int64(1), f.metrics.Releases("Reload"))

	rem, _, _ := f.reg.Remaining(kept)
	assert.Equal(t, 55*time.Second, rem)
}

func TestConcurrentOperationsOnOneSubject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.online(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.For(time.Minute))
		}()
		go func() {
			defer wg.Done()
			_, _ = f.reg.Release(ctx, id, "Op", ReasonManual)
		}()
	}
	wg.Wait()

	_, err := f.gw.LoadPrisoner(ctx, id.String())
	assert.Equal(t, f.reg.IsJailed(id), err == nil)
}

func TestReleaseIfExpiredRechecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.online(t)
	_, err := f.reg.Admit(ctx, id, "Alpha", "", "Op", prisoner.For(10*time.Second))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	require.Len(t, f.reg.Expired(), 1)
	_, err = f.reg.ExtendSentence(ctx, id, time.Minute, "Op")
	require.NoError(t, err)

	released, err := f.reg.ReleaseIfExpired(ctx, id)
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, f.reg.IsJailed(id))

	f.clock.Advance(time.Minute)
	released, err = f.reg.ReleaseIfExpired(ctx, id)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = f.reg.ReleaseIfExpired(ctx, id)
	require.NoError(t, err)
	assert.False(t, released)
}
