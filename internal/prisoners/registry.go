// Package prisoners owns the active prisoner records and every state
// transition on them: admission, release, extension, bail and restraints.
//
// The in-memory map is authoritative. Each subject's operations run under
// that subject's key lock; the new record is committed, written through the
// storage gateway on a worker goroutine, and rolled back if the write fails.
// Readers always receive copies.
package prisoners

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MRamiBalles/devjails/internal/domain/jail"
	"github.com/MRamiBalles/devjails/internal/domain/prisoner"
	"github.com/MRamiBalles/devjails/internal/domain/region"
	"github.com/MRamiBalles/devjails/internal/events"
	"github.com/MRamiBalles/devjails/internal/infra/storage"
	"github.com/MRamiBalles/devjails/internal/platform/async"
	"github.com/MRamiBalles/devjails/internal/platform/clock"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
	"github.com/MRamiBalles/devjails/internal/platform/keylock"
	"github.com/MRamiBalles/devjails/internal/platform/logger"
	"github.com/MRamiBalles/devjails/internal/platform/metrics"
	"github.com/MRamiBalles/devjails/internal/world"
)

// Reason explains why a prisoner left the registry.
type Reason string

const (
	ReasonManual   Reason = "Manual"
	ReasonExpired  Reason = "Expired"
	ReasonBailPaid Reason = "BailPaid"
	ReasonReload   Reason = "Reload"
)

// cancelable reports whether observers may veto a release for this reason.
func (r Reason) cancelable() bool {
	return r == ReasonManual || r == ReasonBailPaid
}

// JailLookup resolves jails by name.
type JailLookup interface {
	Jail(name string) (*jail.Jail, bool)
}

// Scheduler runs world-touching work on the world loop.
type Scheduler interface {
	Submit(fn func())
}

// Options are the configuration switches the registry consumes.
type Options struct {
	// DefaultWorld names the world whose spawn is used as a fallback location.
	DefaultWorld string
	// ReleasePoint, when set, overrides every per-record release choice.
	ReleasePoint *region.Location
	// PersistOnlineTime restores served online time across restarts.
	PersistOnlineTime bool
	RestrainOnAdmit   bool
}

// Deps groups the collaborators of a Registry.
type Deps struct {
	Store   storage.PrisonerStore
	Jails   JailLookup
	World   world.Provider
	Loop    Scheduler
	Bus     *events.Bus
	Clock   clock.Clock
	Metrics *metrics.Collector
	Log     *logger.Logger
}

// Registry holds every active prisoner keyed by subject.
type Registry struct {
	mu        sync.RWMutex
	prisoners map[uuid.UUID]*prisoner.Prisoner
	// pending holds teleports for subjects that were offline when jailed or released.
	pending map[uuid.UUID]region.Location

	locks *keylock.Locker[uuid.UUID]
	opts  Options

	store   storage.PrisonerStore
	jails   JailLookup
	world   world.Provider
	loop    Scheduler
	bus     *events.Bus
	clock   clock.Clock
	metrics *metrics.Collector
	log     *logger.Logger
}

func NewRegistry(d Deps, opts Options) *Registry {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Get()
	}
	if d.Bus == nil {
		d.Bus = events.NewBus(nil)
	}
	return &Registry{
		prisoners: make(map[uuid.UUID]*prisoner.Prisoner),
		pending:   make(map[uuid.UUID]region.Location),
		locks:     keylock.New[uuid.UUID](),
		opts:      opts,
		store:     d.Store,
		jails:     d.Jails,
		world:     d.World,
		loop:      d.Loop,
		bus:       d.Bus,
		clock:     d.Clock,
		metrics:   d.Metrics,
		log:       d.Log,
	}
}

func (r *Registry) get(subject uuid.UUID) (*prisoner.Prisoner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prisoners[subject]
	return p, ok
}

func (r *Registry) put(p *prisoner.Prisoner) {
	r.mu.Lock()
	r.prisoners[p.SubjectID] = p
	r.mu.Unlock()
}

func (r *Registry) drop(subject uuid.UUID) {
	r.mu.Lock()
	delete(r.prisoners, subject)
	r.mu.Unlock()
}

func (r *Registry) save(ctx context.Context, p *prisoner.Prisoner, now time.Time) error {
	rec := storage.PrisonerToRecord(p, now)
	if _, err := async.Run(ctx, func(ctx context.Context) error {
		return r.store.SavePrisoner(ctx, rec)
	}).Await(); err != nil {
		return errclass.Persistence("save prisoner", err)
	}
	return nil
}

func (r *Registry) remove(ctx context.Context, subject uuid.UUID) error {
	if _, err := async.Run(ctx, func(ctx context.Context) error {
		return r.store.RemovePrisoner(ctx, subject.String())
	}).Await(); err != nil {
		return errclass.Persistence("remove prisoner", err)
	}
	return nil
}

// onLoop marshals fn onto the world loop. Without a loop it runs inline.
func (r *Registry) onLoop(fn func()) {
	if r.loop == nil {
		fn()
		return
	}
	r.loop.Submit(fn)
}

func (r *Registry) fire(kind events.Kind, subject uuid.UUID, actor string, payload map[string]interface{}) bool {
	return r.bus.Fire(events.New(kind, subject.String(), actor, payload))
}

func actorOf(staff string) string {
	if staff == "" {
		return "SYSTEM"
	}
	return staff
}

// Admit jails subject in jailName. The record is live in memory while the
// write is in flight and is dropped again if the write fails.
func (r *Registry) Admit(ctx context.Context, subject uuid.UUID, jailName, reason, staff string, sentence prisoner.Sentence) (*prisoner.Prisoner, error) {
	unlock := r.locks.Lock(subject)
	defer unlock()

	if _, ok := r.get(subject); ok {
		return nil, errclass.ErrAlreadyJailed.WithMessagef("subject %s is already jailed", subject)
	}
	j, ok := r.jails.Jail(jailName)
	if !ok {
		return nil, errclass.ErrUnknownJail.WithMessagef("jail %q does not exist", jailName)
	}

	payload := map[string]interface{}{"jail": j.Name, "reason": reason, "permanent": sentence.IsPermanent()}
	if !sentence.IsPermanent() {
		payload["duration_ms"] = sentence.Length().Milliseconds()
	}
	if r.fire(events.KindAdmitting, subject, actorOf(staff), payload) {
		return nil, errclass.ErrCanceled.WithMessage("admission canceled")
	}

	now := r.clock.Now()
	p := prisoner.New(subject, j.Name, reason, staff, now, sentence)
	if loc, ok := r.world.Location(subject); ok {
		p.OriginalLocation = &loc
	} else {
		spawn := r.world.DefaultSpawn(r.opts.DefaultWorld)
		p.OriginalLocation = &spawn
	}
	p.Restrained = r.opts.RestrainOnAdmit
	online := r.world.IsOnline(subject)
	if online {
		p.MarkOnline(now)
	}

	r.put(p)
	if err := r.save(ctx, p, now); err != nil {
		r.drop(subject)
		r.log.Error("Admission rolled back", "subject", subject.String(), "jail", j.Name, "error", err)
		return nil, err
	}

	r.metrics.RecordAdmission()
	spawn := j.Spawn
	restrained := p.Restrained
	if online {
		r.onLoop(func() {
			if err := r.world.Teleport(subject, spawn); err != nil {
				r.log.Warn("Teleport to jail failed", "subject", subject.String(), "error", err)
			}
			if restrained {
				_ = r.world.Restrain(subject, true)
			}
		})
	} else {
		r.setPending(subject, spawn)
	}

	r.fire(events.KindJailed, subject, actorOf(staff), payload)
	r.log.Event("JAILED", actorOf(staff), "Subject jailed",
		"subject", subject.String(), "jail", j.Name, "reason", reason, "permanent", p.IsPermanent())
	return p.Clone(), nil
}

// Release frees subject and returns where they are sent. Manual and bail
// releases may be vetoed by observers; expiry and reload releases may not.
// A Reload release only drops memory state since storage no longer has it.
func (r *Registry) Release(ctx context.Context, subject uuid.UUID, staff string, reason Reason) (region.Location, error) {
	unlock := r.locks.Lock(subject)
	defer unlock()
	return r.releaseLocked(ctx, subject, staff, reason)
}

// ReleaseIfExpired releases subject with ReasonExpired only if its sentence
// is still expired once the subject's lock is held. It reports whether a
// release happened; a subject already gone is not an error.
func (r *Registry) ReleaseIfExpired(ctx context.Context, subject uuid.UUID) (bool, error) {
	unlock := r.locks.Lock(subject)
	defer unlock()

	p, ok := r.get(subject)
	if !ok || !p.Expired(r.clock.Now()) {
		return false, nil
	}
	if _, err := r.releaseLocked(ctx, subject, "", ReasonExpired); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) releaseLocked(ctx context.Context, subject uuid.UUID, staff string, reason Reason) (region.Location, error) {
	p, ok := r.get(subject)
	if !ok {
		return region.Location{}, errclass.ErrNotJailed.WithMessagef("subject %s is not jailed", subject)
	}

	payload := map[string]interface{}{"jail": p.JailName, "reason": string(reason)}
	if reason.cancelable() && r.fire(events.KindReleasing, subject, actorOf(staff), payload) {
		return region.Location{}, errclass.ErrCanceled.WithMessage("release canceled")
	}

	if reason != ReasonReload {
		if err := r.remove(ctx, subject); err != nil {
			return region.Location{}, err
		}
	}
	r.drop(subject)

	dest := r.ReleaseLocation(p)
	restrained := p.Restrained
	if r.world.IsOnline(subject) {
		r.clearPending(subject)
		r.onLoop(func() {
			if restrained {
				_ = r.world.Restrain(subject, false)
			}
			if err := r.world.Teleport(subject, dest); err != nil {
				r.log.Warn("Teleport on release failed", "subject", subject.String(), "error", err)
			}
		})
	} else {
		r.setPending(subject, dest)
	}

	r.metrics.RecordRelease(string(reason))
	payload["location"] = dest
	r.fire(events.KindReleased, subject, actorOf(staff), payload)
	r.log.Event("RELEASED", actorOf(staff), "Subject released",
		"subject", subject.String(), "jail", p.JailName, "reason", string(reason))
	return dest, nil
}

// ReleaseLocation picks the release destination: the configured release
// point, then the prisoner's own choice, then the default world spawn.
func (r *Registry) ReleaseLocation(p *prisoner.Prisoner) region.Location {
	if r.opts.ReleasePoint != nil {
		return *r.opts.ReleasePoint
	}
	if p.ReleaseSpawn == prisoner.ReleaseToOrigin && p.OriginalLocation != nil {
		return *p.OriginalLocation
	}
	return r.world.DefaultSpawn(r.opts.DefaultWorld)
}

// mutate applies fn to a copy of the subject's record, swaps it in, and
// writes it through. The previous record is restored when the write fails.
func (r *Registry) mutate(ctx context.Context, subject uuid.UUID, fn func(p *prisoner.Prisoner) error) (*prisoner.Prisoner, error) {
	unlock := r.locks.Lock(subject)
	defer unlock()

	prev, ok := r.get(subject)
	if !ok {
		return nil, errclass.ErrNotJailed.WithMessagef("subject %s is not jailed", subject)
	}
	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	r.put(next)
	if err := r.save(ctx, next, r.clock.Now()); err != nil {
		r.put(prev)
		return nil, err
	}
	return next.Clone(), nil
}

// ExtendSentence pushes a temporary sentence's end by d.
func (r *Registry) ExtendSentence(ctx context.Context, subject uuid.UUID, d time.Duration, staff string) (*prisoner.Prisoner, error) {
	if d <= 0 {
		return nil, errclass.ErrInvalidArgument.WithMessage("extension must be positive")
	}
	p, err := r.mutate(ctx, subject, func(p *prisoner.Prisoner) error {
		if !p.Extend(d) {
			return errclass.ErrPermanentSentence.WithMessagef("subject %s has a permanent sentence", subject)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.metrics.RecordExtension()
	r.fire(events.KindSentenceExtended, subject, actorOf(staff), map[string]interface{}{
		"jail": p.JailName, "added_ms": d.Milliseconds(), "end_epoch": p.EndEpoch,
	})
	r.log.Event("SENTENCE_EXTENDED", actorOf(staff), "Sentence extended",
		"subject", subject.String(), "by", d.String())
	return p, nil
}

// SetBail sets bail to amount. amount <= 0 clears and disables bail.
func (r *Registry) SetBail(ctx context.Context, subject uuid.UUID, amount float64, staff string) (*prisoner.Prisoner, error) {
	p, err := r.mutate(ctx, subject, func(p *prisoner.Prisoner) error {
		p.SetBail(amount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.fire(events.KindBailChanged, subject, actorOf(staff), map[string]interface{}{
		"amount": p.Bail(), "enabled": p.BailEnabled,
	})
	return p, nil
}

// SetRestrained toggles the handcuff flag and applies it in the world.
func (r *Registry) SetRestrained(ctx context.Context, subject uuid.UUID, restrained bool, staff string) (*prisoner.Prisoner, error) {
	p, err := r.mutate(ctx, subject, func(p *prisoner.Prisoner) error {
		p.Restrained = restrained
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.world.IsOnline(subject) {
		r.onLoop(func() {
			_ = r.world.Restrain(subject, restrained)
		})
	}
	r.fire(events.KindRestraintChanged, subject, actorOf(staff), map[string]interface{}{"restrained": restrained})
	return p, nil
}

// SetReleaseSpawn records where the subject wants to go on release.
func (r *Registry) SetReleaseSpawn(ctx context.Context, subject uuid.UUID, choice prisoner.ReleaseSpawn) (*prisoner.Prisoner, error) {
	return r.mutate(ctx, subject, func(p *prisoner.Prisoner) error {
		p.ReleaseSpawn = choice
		return nil
	})
}
