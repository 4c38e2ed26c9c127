package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/MRamiBalles/devjails/internal/domain/region"
	"github.com/MRamiBalles/devjails/internal/events"
	"github.com/MRamiBalles/devjails/internal/jails"
	"github.com/MRamiBalles/devjails/internal/platform/logger"
	"github.com/MRamiBalles/devjails/internal/prisoners"
)

// Tracker is the host-facing side of the world: it receives connections
// and positions pushed by the host.
type Tracker interface {
	Connect(id uuid.UUID, name string, loc region.Location)
	Disconnect(id uuid.UUID)
	Move(id uuid.UUID, to region.Location) (from region.Location, ok bool)
}

// Engine wires the world loop, the escape detector and the expiration sweep
// to the registries.
type Engine struct {
	loop       *Loop
	escape     *EscapeSystem
	expiration *ExpirationSystem
	restrict   *RestrictionSystem

	prisoners *prisoners.Registry
	jails     *jails.Registry
	tracker   Tracker
	bus       *events.Bus
	logger    *logger.Logger
}

// NewEngine subscribes the escape detector to releases so a released
// subject starts with a clean throttle.
func NewEngine(
	loop *Loop,
	escape *EscapeSystem,
	expiration *ExpirationSystem,
	prisonerReg *prisoners.Registry,
	jailReg *jails.Registry,
	tracker Tracker,
	bus *events.Bus,
	log *logger.Logger,
) *Engine {
	e := &Engine{
		loop:       loop,
		escape:     escape,
		expiration: expiration,
		prisoners:  prisonerReg,
		jails:      jailReg,
		tracker:    tracker,
		bus:        bus,
		logger:     log,
	}
	bus.Subscribe(events.KindReleased, func(ev *events.Event) {
		if id, err := uuid.Parse(ev.SubjectID); err == nil {
			escape.Forget(id)
		}
	})
	return e
}

// UseRestrictions enables the action policy for jailed subjects.
func (e *Engine) UseRestrictions(rs *RestrictionSystem) {
	e.restrict = rs
	e.bus.Subscribe(events.KindReleased, func(ev *events.Event) {
		if id, err := uuid.Parse(ev.SubjectID); err == nil {
			rs.Forget(id)
		}
	})
}

// Check decides whether the host should let a subject's action through.
// Everything is allowed when no restriction policy is installed.
func (e *Engine) Check(id uuid.UUID, at Attempt) Decision {
	if e.restrict == nil {
		return Decision{Allowed: true}
	}
	return e.restrict.Check(id, at)
}

// Load reads jails, areas and prisoners from storage. Jails go first so
// prisoner records can resolve them.
func (e *Engine) Load(ctx context.Context) error {
	start := time.Now()
	if err := e.jails.Load(ctx); err != nil {
		return err
	}
	if err := e.prisoners.Load(ctx); err != nil {
		return err
	}
	e.logger.Info("State loaded", "took", time.Since(start).String())
	return nil
}

// Start runs the world loop and the expiration sweep until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("Starting jail engine...")
	go e.loop.Run(ctx)
	go e.expiration.Start(ctx)
}

// Stop ends the expiration sweep. The world loop stops with its context.
func (e *Engine) Stop() {
	e.expiration.Stop()
}

// Connect records a subject joining and starts its sentence clock.
func (e *Engine) Connect(id uuid.UUID, name string, loc region.Location) bool {
	e.tracker.Connect(id, name, loc)
	return e.prisoners.MarkOnline(id)
}

// Disconnect records a subject leaving and stops its sentence clock.
func (e *Engine) Disconnect(ctx context.Context, id uuid.UUID) error {
	e.tracker.Disconnect(id)
	return e.prisoners.MarkOffline(ctx, id)
}

// Move records a position update and runs escape detection on it.
func (e *Engine) Move(ctx context.Context, id uuid.UUID, to region.Location) (Outcome, bool) {
	from, ok := e.tracker.Move(id, to)
	if !ok {
		return Outcome{}, false
	}
	return e.escape.OnMove(ctx, id, from, to), true
}

// Sweep runs one expiration sweep now.
func (e *Engine) Sweep(ctx context.Context) int {
	return e.expiration.Sweep(ctx)
}

func (e *Engine) Loop() *Loop                    { return e.loop }
func (e *Engine) Escape() *EscapeSystem          { return e.escape }
func (e *Engine) Prisoners() *prisoners.Registry { return e.prisoners }
func (e *Engine) Jails() *jails.Registry         { return e.jails }
