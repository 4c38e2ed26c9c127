// Package world defines the live-world collaborators the jail engine consumes
// and an in-process implementation fed by the host through the HTTP API.
package world

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MRamiBalles/devjails/internal/domain/region"
)

// ErrOffline is returned when a world effect targets a disconnected subject.
var ErrOffline = errors.New("subject is offline")

// Provider is the world/position collaborator. Every method is called from
// the world loop or from code that tolerates a stale answer.
type Provider interface {
	Location(subject uuid.UUID) (region.Location, bool)
	IsOnline(subject uuid.UUID) bool
	Name(subject uuid.UUID) string
	DefaultSpawn(world string) region.Location
	Teleport(subject uuid.UUID, to region.Location) error
	Message(subject uuid.UUID, title, subtitle string) error
	HasCapability(subject uuid.UUID, capability string) bool
	Restrain(subject uuid.UUID, restrained bool) error
}

// RegionAuthority is the external region engine.
type RegionAuthority interface {
	Available() bool
	RegionExists(world, name string) bool
	Contains(loc region.Location, name string) bool
}

// CommandRunner executes remediation commands on the host.
type CommandRunner interface {
	Dispatch(command string) error
}

// Subject is the host-side view of one connected actor.
type Subject struct {
	ID           uuid.UUID       `json:"id"`
	Name         string          `json:"name"`
	Online       bool            `json:"online"`
	Location     region.Location `json:"location"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Restrained   bool            `json:"restrained"`
}

// Memory is an in-process world. The host pushes positions and connections
// into it; world effects are recorded so the host can pull them.
type Memory struct {
	mu           sync.RWMutex
	defaultWorld string
	spawns       map[string]region.Location
	subjects     map[uuid.UUID]*Subject
	messages     []Message
	teleports    []Teleport
	commands     []string
	dropped      int
}

// MaxPendingEffects bounds each effect queue. When the host stops polling,
// the oldest effects are dropped first.
const MaxPendingEffects = 1024

func appendBounded[T any](q []T, v T, dropped *int) []T {
	if len(q) >= MaxPendingEffects {
		n := len(q) - MaxPendingEffects + 1
		*dropped += n
		q = append(q[:0], q[n:]...)
	}
	return append(q, v)
}

// Effects are the world changes the host still has to apply.
type Effects struct {
	Teleports []Teleport `json:"teleports"`
	Messages  []Message  `json:"messages"`
	Commands  []string   `json:"commands"`
	// Dropped counts effects discarded since the last drain.
	Dropped int `json:"dropped"`
}

// Message is a title notification delivered to a subject.
type Message struct {
	Subject  uuid.UUID `json:"subject"`
	Title    string    `json:"title"`
	Subtitle string    `json:"subtitle"`
}

// Teleport records a move performed by the engine.
type Teleport struct {
	Subject uuid.UUID       `json:"subject"`
	To      region.Location `json:"to"`
}

// NewMemory creates a world whose unknown worlds fall back to defaultWorld's spawn.
func NewMemory(defaultWorld string, spawns map[string]region.Location) *Memory {
	s := make(map[string]region.Location, len(spawns))
	for k, v := range spawns {
		s[k] = v
	}
	if _, ok := s[defaultWorld]; !ok {
		s[defaultWorld] = region.Location{World: defaultWorld, X: 0.5, Y: 64, Z: 0.5}
	}
	return &Memory{
		defaultWorld: defaultWorld,
		spawns:       s,
		subjects:     make(map[uuid.UUID]*Subject),
	}
}

// Upsert registers or replaces a subject.
func (m *Memory) Upsert(s Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := s
	c.Capabilities = append([]string(nil), s.Capabilities...)
	m.subjects[s.ID] = &c
}

// Connect marks a subject online at loc.
func (m *Memory) Connect(id uuid.UUID, name string, loc region.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[id]
	if !ok {
		s = &Subject{ID: id}
		m.subjects[id] = s
	}
	if name != "" {
		s.Name = name
	}
	s.Online = true
	s.Location = loc
}

// Disconnect marks a subject offline. Its last location is kept.
func (m *Memory) Disconnect(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subjects[id]; ok {
		s.Online = false
	}
}

// Move updates a subject position and returns the previous one.
func (m *Memory) Move(id uuid.UUID, to region.Location) (from region.Location, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[id]
	if !ok {
		return region.Location{}, false
	}
	from = s.Location
	s.Location = to
	return from, true
}

// Grant adds a capability to a subject.
func (m *Memory) Grant(id uuid.UUID, capability string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[id]
	if !ok {
		s = &Subject{ID: id}
		m.subjects[id] = s
	}
	s.Capabilities = append(s.Capabilities, capability)
}

// Subject returns a copy of the host-side record.
func (m *Memory) Subject(id uuid.UUID) (Subject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[id]
	if !ok {
		return Subject{}, false
	}
	return *s, true
}

func (m *Memory) Location(id uuid.UUID) (region.Location, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[id]
	if !ok || !s.Online {
		return region.Location{}, false
	}
	return s.Location, true
}

func (m *Memory) IsOnline(id uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[id]
	return ok && s.Online
}

// Name falls back to the id when the subject never reported a name.
func (m *Memory) Name(id uuid.UUID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.subjects[id]; ok && s.Name != "" {
		return s.Name
	}
	return id.String()
}

// DefaultSpawn returns the spawn of world, or of the default world.
func (m *Memory) DefaultSpawn(world string) region.Location {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if loc, ok := m.spawns[world]; ok {
		return loc
	}
	return m.spawns[m.defaultWorld]
}

func (m *Memory) Teleport(id uuid.UUID, to region.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[id]
	if !ok || !s.Online {
		return ErrOffline
	}
	s.Location = to
	m.teleports = appendBounded(m.teleports, Teleport{Subject: id, To: to}, &m.dropped)
	return nil
}

func (m *Memory) Message(id uuid.UUID, title, subtitle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subjects[id]; !ok || !s.Online {
		return ErrOffline
	}
	m.messages = appendBounded(m.messages, Message{Subject: id, Title: title, Subtitle: subtitle}, &m.dropped)
	return nil
}

func (m *Memory) HasCapability(id uuid.UUID, capability string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[id]
	if !ok {
		return false
	}
	for _, c := range s.Capabilities {
		if strings.EqualFold(c, capability) || c == "*" {
			return true
		}
	}
	return false
}

func (m *Memory) Restrain(id uuid.UUID, restrained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[id]
	if !ok {
		return ErrOffline
	}
	s.Restrained = restrained
	return nil
}

// Dispatch records a remediation command for the host to execute.
func (m *Memory) Dispatch(command string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = appendBounded(m.commands, command, &m.dropped)
	return nil
}

// Teleports returns the teleports performed so far.
func (m *Memory) Teleports() []Teleport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Teleport(nil), m.teleports...)
}

// Messages returns the notifications delivered so far.
func (m *Memory) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Message(nil), m.messages...)
}

// Commands returns the dispatched commands so far.
func (m *Memory) Commands() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.commands...)
}

// Drain returns and clears the recorded effects.
func (m *Memory) Drain() (teleports []Teleport, messages []Message, commands []string) {
	e := m.DrainEffects()
	return e.Teleports, e.Messages, e.Commands
}

// DrainEffects hands the pending effects to the host and clears them. The
// host polls this through GET /api/effects.
func (m *Memory) DrainEffects() Effects {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := Effects{
		Teleports: m.teleports,
		Messages:  m.messages,
		Commands:  m.commands,
		Dropped:   m.dropped,
	}
	if e.Teleports == nil {
		e.Teleports = []Teleport{}
	}
	if e.Messages == nil {
		e.Messages = []Message{}
	}
	if e.Commands == nil {
		e.Commands = []string{}
	}
	m.teleports, m.messages, m.commands, m.dropped = nil, nil, nil, 0
	return e
}
