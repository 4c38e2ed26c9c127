package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/MRamiBalles/devjails/internal/platform/clock"
	"github.com/MRamiBalles/devjails/internal/platform/config"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
	"github.com/MRamiBalles/devjails/internal/platform/metrics"
	"github.com/MRamiBalles/devjails/internal/world"
)

// NoticeCooldown spaces out "action blocked" notices to one subject.
const NoticeCooldown = 3 * time.Second

// Action is something a subject attempts on the host.
type Action string

const (
	ActionCommand  Action = "command"
	ActionChat     Action = "chat"
	ActionPvP      Action = "pvp"
	ActionBreak    Action = "break"
	ActionPlace    Action = "place"
	ActionInteract Action = "interact"
	ActionSleep    Action = "sleep"
	ActionDrop     Action = "drop"
	ActionPickup   Action = "pickup"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionCommand, ActionChat, ActionPvP, ActionBreak, ActionPlace,
		ActionInteract, ActionSleep, ActionDrop, ActionPickup:
		return a, nil
	}
	return "", errclass.ErrInvalidArgument.WithMessagef("unknown action %q", s)
}

// Attempt is one action checked against the policy. Command is the raw
// command line for ActionCommand; Target is the victim for ActionPvP.
type Attempt struct {
	Action  Action    `json:"action"`
	Command string    `json:"command,omitempty"`
	Target  uuid.UUID `json:"target,omitempty"`
}

// Decision tells the host whether to let an attempt through.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule,omitempty"`
	// Notify is set when the host should tell the subject why; notices
	// repeat at most once per NoticeCooldown.
	Notify bool `json:"notify"`
}

// JailedChecker reports whether a subject is serving a sentence.
type JailedChecker interface {
	IsJailed(subject uuid.UUID) bool
}

// RestrictionSystem decides which host actions jailed subjects may take.
type RestrictionSystem struct {
	cfg       config.RestrictionConfig
	prisoners JailedChecker
	world     world.Provider
	clock     clock.Clock
	metrics   *metrics.Collector

	mu      sync.Mutex
	notices map[uuid.UUID]*rate.Limiter
}

func NewRestrictionSystem(cfg config.RestrictionConfig, p JailedChecker, w world.Provider, c clock.Clock, m *metrics.Collector) *RestrictionSystem {
	if c == nil {
		c = clock.Real{}
	}
	if m == nil {
		m = metrics.Get()
	}
	return &RestrictionSystem{
		cfg:       cfg,
		prisoners: p,
		world:     w,
		clock:     c,
		metrics:   m,
		notices:   make(map[uuid.UUID]*rate.Limiter),
	}
}

// Check evaluates one attempt by subject.
func (s *RestrictionSystem) Check(subject uuid.UUID, at Attempt) Decision {
	jailed := s.prisoners.IsJailed(subject)

	if at.Action == ActionPvP {
		if s.cfg.PvPEnabled {
			return Decision{Allowed: true}
		}
		if !jailed && (at.Target == uuid.Nil || !s.prisoners.IsJailed(at.Target)) {
			return Decision{Allowed: true}
		}
		return s.block(subject, "pvp", jailed)
	}

	if !jailed {
		return Decision{Allowed: true}
	}

	if at.Action == ActionCommand {
		if s.capable(subject, s.cfg.CommandBypassCapability) || !s.commandBlocked(at.Command) {
			return Decision{Allowed: true}
		}
		return s.block(subject, "command", true)
	}

	if s.capable(subject, s.cfg.BypassCapability) {
		return Decision{Allowed: true}
	}

	var blocked, notify bool
	switch at.Action {
	case ActionChat:
		blocked, notify = s.cfg.BlockChat, true
	case ActionBreak:
		blocked, notify = s.cfg.BlockBreak, true
	case ActionPlace:
		blocked, notify = s.cfg.BlockPlace, true
	case ActionInteract:
		blocked, notify = s.cfg.BlockInteract, true
	case ActionSleep:
		blocked = s.cfg.BlockSleep
	case ActionDrop:
		blocked = s.cfg.BlockItemDrop
	case ActionPickup:
		blocked = s.cfg.BlockItemPickup
	}
	if !blocked {
		return Decision{Allowed: true}
	}
	return s.block(subject, string(at.Action), notify)
}

func (s *RestrictionSystem) capable(subject uuid.UUID, capability string) bool {
	return capability != "" && s.world != nil && s.world.HasCapability(subject, capability)
}

// commandBlocked matches the first word of line against the prefix lists.
// Allowed prefixes win; "*" in the blocked list blocks everything else.
func (s *RestrictionSystem) commandBlocked(line string) bool {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return false
	}
	cmd := fields[0]
	for _, allowed := range s.cfg.AllowedCommands {
		if strings.HasPrefix(cmd, strings.ToLower(allowed)) {
			return false
		}
	}
	for _, blocked := range s.cfg.BlockedCommands {
		if blocked == "*" || strings.HasPrefix(cmd, strings.ToLower(blocked)) {
			return true
		}
	}
	return false
}

func (s *RestrictionSystem) block(subject uuid.UUID, rule string, notify bool) Decision {
	s.metrics.RecordRestriction(rule)
	return Decision{Rule: rule, Notify: notify && s.noticeDue(subject)}
}

func (s *RestrictionSystem) noticeDue(subject uuid.UUID) bool {
	s.mu.Lock()
	lim, ok := s.notices[subject]
	if !ok {
		lim = rate.NewLimiter(rate.Every(NoticeCooldown), 1)
		s.notices[subject] = lim
	}
	s.mu.Unlock()
	return lim.AllowN(s.clock.Now(), 1)
}

// Forget drops the notice cooldown of a released subject.
func (s *RestrictionSystem) Forget(subject uuid.UUID) {
	s.mu.Lock()
	delete(s.notices, subject)
	s.mu.Unlock()
}
