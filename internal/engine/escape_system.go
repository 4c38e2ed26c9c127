package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/MRamiBalles/devjails/internal/domain/jail"
	"github.com/MRamiBalles/devjails/internal/domain/prisoner"
	"github.com/MRamiBalles/devjails/internal/domain/region"
	"github.com/MRamiBalles/devjails/internal/economy"
	"github.com/MRamiBalles/devjails/internal/events"
	"github.com/MRamiBalles/devjails/internal/platform/clock"
	"github.com/MRamiBalles/devjails/internal/platform/config"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
	"github.com/MRamiBalles/devjails/internal/platform/keylock"
	"github.com/MRamiBalles/devjails/internal/platform/logger"
	"github.com/MRamiBalles/devjails/internal/platform/metrics"
	"github.com/MRamiBalles/devjails/internal/world"
)

// JailResolver answers jail lookups and containment.
type JailResolver interface {
	Jail(name string) (*jail.Jail, bool)
	Contains(j *jail.Jail, loc region.Location) bool
}

// PrisonerStore is the part of the prisoner registry the detector uses.
type PrisonerStore interface {
	Get(subject uuid.UUID) (*prisoner.Prisoner, bool)
	ExtendSentence(ctx context.Context, subject uuid.UUID, d time.Duration, staff string) (*prisoner.Prisoner, error)
}

// Broadcaster pushes notices to connected staff.
type Broadcaster interface {
	BroadcastNotice(topic string, payload interface{})
}

// EscapeDeps groups the collaborators of an EscapeSystem. Economy,
// Commands and Broadcaster may be nil.
type EscapeDeps struct {
	Jails       JailResolver
	Prisoners   PrisonerStore
	World       world.Provider
	Commands    world.CommandRunner
	Economy     economy.Economy
	Loop        *Loop
	Bus         *events.Bus
	Broadcaster Broadcaster
	Clock       clock.Clock
	Metrics     *metrics.Collector
	Logger      *logger.Logger
}

// Outcome describes what one position update led to.
type Outcome struct {
	Checked        bool    `json:"checked"` // containment was evaluated
	Escaped        bool    `json:"escaped"`
	Throttled      bool    `json:"throttled"`
	Canceled       bool    `json:"canceled"`
	Handled        bool    `json:"handled"`
	TeleportedBack bool    `json:"teleported_back"`
	Fined          float64 `json:"fined"`
	Extended       bool    `json:"extended"`
	Commands       int     `json:"commands"`
}

// EscapeSystem watches position updates of jailed subjects and runs the
// escape pipeline when one leaves their jail's area. Consequences repeat at
// most once per throttle window per subject.
type EscapeSystem struct {
	cfg config.EscapeConfig
	EscapeDeps

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
	subjects *keylock.Locker[uuid.UUID]
}

func NewEscapeSystem(cfg config.EscapeConfig, deps EscapeDeps) *EscapeSystem {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Get()
	}
	return &EscapeSystem{
		cfg:        cfg,
		EscapeDeps: deps,
		limiters:   make(map[uuid.UUID]*rate.Limiter),
		subjects:   keylock.New[uuid.UUID](),
	}
}

func (s *EscapeSystem) window() time.Duration {
	return time.Duration(s.cfg.Throttle)
}

// limiter returns the subject's limiter, creating one with a full token.
func (s *EscapeSystem) limiter(subject uuid.UUID) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[subject]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.window()), 1)
		s.limiters[subject] = lim
	}
	return lim
}

// throttled reports whether subject is inside its post-violation window.
func (s *EscapeSystem) throttled(subject uuid.UUID, now time.Time) bool {
	if s.window() <= 0 {
		return false
	}
	s.mu.Lock()
	lim, ok := s.limiters[subject]
	s.mu.Unlock()
	return ok && lim.TokensAt(now) < 1
}

// Forget drops the subject's throttle state.
func (s *EscapeSystem) Forget(subject uuid.UUID) {
	s.mu.Lock()
	delete(s.limiters, subject)
	s.mu.Unlock()
}

// Tracked is the number of subjects with throttle state.
func (s *EscapeSystem) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// OnMove handles one position update. Updates for the same subject are
// processed one at a time.
func (s *EscapeSystem) OnMove(ctx context.Context, subject uuid.UUID, from, to region.Location) Outcome {
	var out Outcome
	if !s.cfg.DetectionEnabled {
		return out
	}
	if from.SameBlock(to) {
		return out
	}

	unlock := s.subjects.Lock(subject)
	defer unlock()

	p, ok := s.Prisoners.Get(subject)
	if !ok {
		return out
	}
	if s.cfg.BypassCapability != "" && s.World.HasCapability(subject, s.cfg.BypassCapability) {
		return out
	}
	now := s.Clock.Now()
	if s.throttled(subject, now) {
		out.Throttled = true
		s.Metrics.RecordEscape("throttled")
		return out
	}

	j, ok := s.Jails.Jail(p.JailName)
	if !ok || !j.HasArea() {
		return out
	}
	out.Checked = true
	if s.Jails.Contains(j, to) {
		return out
	}
	out.Escaped = true

	payload := map[string]interface{}{"jail": j.Name, "from": from, "to": to}
	if s.Bus != nil && s.Bus.Fire(events.New(events.KindEscape, subject.String(), "SYSTEM", payload)) {
		out.Canceled = true
		s.Metrics.RecordEscape("canceled")
		return out
	}

	if s.window() > 0 {
		s.limiter(subject).AllowN(now, 1)
	}
	s.handle(ctx, subject, p, j, payload, &out)
	return out
}

func (s *EscapeSystem) handle(ctx context.Context, subject uuid.UUID, p *prisoner.Prisoner, j *jail.Jail, payload map[string]interface{}, out *Outcome) {
	name := s.World.Name(subject)

	if s.cfg.TeleportBack {
		spawn := j.Spawn
		s.onLoop(func() {
			if err := s.World.Teleport(subject, spawn); err != nil {
				s.Logger.Warn("Escape teleport failed", "subject", subject.String(), "error", err)
			}
		})
		out.TeleportedBack = true
	}

	if s.cfg.FineAmount > 0 {
		out.Fined = s.fine(subject)
	}

	if extendBy := time.Duration(s.cfg.ExtendBy); extendBy > 0 && !p.IsPermanent() {
		_, err := s.Prisoners.ExtendSentence(ctx, subject, extendBy, "SYSTEM")
		switch {
		case err == nil:
			out.Extended = true
		case errors.Is(err, errclass.ErrPermanentSentence), errors.Is(err, errclass.ErrNotJailed):
		default:
			s.Logger.Warn("Escape extension failed", "subject", subject.String(), "error", err)
		}
	}

	if s.Commands != nil {
		for _, tmpl := range s.cfg.Commands {
			cmd := expand(tmpl, name, j.Name)
			s.onLoop(func() {
				if err := s.Commands.Dispatch(cmd); err != nil {
					s.Logger.Warn("Escape command failed", "command", cmd, "error", err)
				}
			})
			out.Commands++
		}
	}

	if s.cfg.ShowTitle {
		title := expand(s.cfg.Title, name, j.Name)
		subtitle := expand(s.cfg.Subtitle, name, j.Name)
		s.onLoop(func() {
			_ = s.World.Message(subject, title, subtitle)
		})
	}

	if s.cfg.LogAttempts {
		s.Logger.Event("ESCAPE", name, "Escape attempt", "subject", subject.String(), "jail", j.Name)
	}
	if s.cfg.BroadcastAttempts && s.Broadcaster != nil {
		s.Broadcaster.BroadcastNotice("escape", map[string]interface{}{
			"subject": subject.String(), "name": name, "jail": j.Name,
		})
	}

	out.Handled = true
	s.Metrics.RecordEscape("handled")
	if s.Bus != nil {
		payload["fined"] = out.Fined
		payload["extended"] = out.Extended
		s.Bus.Fire(events.New(events.KindEscaped, subject.String(), "SYSTEM", payload))
	}
}

func (s *EscapeSystem) onLoop(fn func()) {
	if s.Loop == nil {
		fn()
		return
	}
	s.Loop.Submit(fn)
}

// fine withdraws the configured amount. Any economy failure skips the fine.
func (s *EscapeSystem) fine(subject uuid.UUID) float64 {
	if s.Economy == nil || !s.Economy.Available() {
		return 0
	}
	amount := s.cfg.FineAmount
	if err := s.Economy.Withdraw(subject, amount); err != nil {
		s.Logger.Debug("Escape fine skipped", "subject", subject.String(), "error", err)
		return 0
	}
	return amount
}

// expand substitutes {subject} and {jail} in a configured template.
func expand(tmpl, subject, jailName string) string {
	return strings.NewReplacer("{subject}", subject, "{jail}", jailName).Replace(tmpl)
}
