// Package prisoner defines the core domain entity for a jailed subject.
// This package is PURE and must NOT import any infrastructure packages (network, events, platform).
//
// Time served is time spent connected: the sentence clock only runs while
// the subject is online.
package prisoner

import (
	"time"

	"github.com/google/uuid"

	"github.com/MRamiBalles/devjails/internal/domain/keys"
	"github.com/MRamiBalles/devjails/internal/domain/region"
)

// ReleaseSpawn is where a subject wants to be put on release.
type ReleaseSpawn string

const (
	ReleaseToWorldSpawn ReleaseSpawn = "world_spawn"
	ReleaseToOrigin     ReleaseSpawn = "original_location"
)

// ParseReleaseSpawn falls back to the world spawn for unknown values.
func ParseReleaseSpawn(s string) ReleaseSpawn {
	if ReleaseSpawn(s) == ReleaseToOrigin {
		return ReleaseToOrigin
	}
	return ReleaseToWorldSpawn
}

// Sentence is either permanent or a fixed amount of online time.
type Sentence struct {
	length time.Duration
}

// Permanent is a sentence with no end.
func Permanent() Sentence { return Sentence{} }

// For is a sentence of d online time. d <= 0 yields a permanent sentence.
func For(d time.Duration) Sentence { return Sentence{length: d} }

func (s Sentence) IsPermanent() bool      { return s.length <= 0 }
func (s Sentence) Length() time.Duration { return s.length }

// Prisoner is the mutable per-subject record.
type Prisoner struct {
	SubjectID uuid.UUID `json:"subject_id"`
	JailName  string    `json:"jail_name"`
	Reason    string    `json:"reason"`
	Staff     string    `json:"staff"`

	// Sentence window. EndEpoch nil means permanent.
	StartEpoch time.Time  `json:"start_epoch"`
	EndEpoch   *time.Time `json:"end_epoch,omitempty"`

	// Bail
	BailAmount  *float64 `json:"bail_amount,omitempty"`
	BailEnabled bool     `json:"bail_enabled"`

	Restrained       bool             `json:"restrained"`
	OriginalLocation *region.Location `json:"original_location,omitempty"`
	ReleaseSpawn     ReleaseSpawn     `json:"release_spawn"`

	// Online accounting
	OnlineServed time.Duration `json:"online_served"`
	LastOnline   *time.Time    `json:"last_online,omitempty"`
	Online       bool          `json:"online"`
}

// New creates a fresh offline prisoner starting at now.
func New(subject uuid.UUID, jailName, reason, staff string, now time.Time, sentence Sentence) *Prisoner {
	p := &Prisoner{
		SubjectID:    subject,
		JailName:     jailName,
		Reason:       reason,
		Staff:        staff,
		StartEpoch:   now,
		ReleaseSpawn: ReleaseToWorldSpawn,
	}
	if !sentence.IsPermanent() {
		end := now.Add(sentence.Length())
		p.EndEpoch = &end
	}
	return p
}

// JailKey is the case-insensitive key of the jail holding the prisoner.
func (p *Prisoner) JailKey() string {
	return keys.Fold(p.JailName)
}

func (p *Prisoner) IsPermanent() bool {
	return p.EndEpoch == nil
}

// SentenceLength is zero for permanent prisoners.
func (p *Prisoner) SentenceLength() time.Duration {
	if p.EndEpoch == nil {
		return 0
	}
	return p.EndEpoch.Sub(p.StartEpoch)
}

// TotalOnline is the served time including the running online session.
func (p *Prisoner) TotalOnline(now time.Time) time.Duration {
	total := p.OnlineServed
	if p.Online && p.LastOnline != nil && now.After(*p.LastOnline) {
		total += now.Sub(*p.LastOnline)
	}
	return total
}

// Remaining is max(0, sentence - served). Permanent prisoners report ok=false.
func (p *Prisoner) Remaining(now time.Time) (remaining time.Duration, ok bool) {
	if p.IsPermanent() {
		return 0, false
	}
	remaining = p.SentenceLength() - p.TotalOnline(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Expired is never true for permanent prisoners.
func (p *Prisoner) Expired(now time.Time) bool {
	remaining, ok := p.Remaining(now)
	return ok && remaining <= 0
}

// Flush folds the running session into OnlineServed and restarts it at now.
func (p *Prisoner) Flush(now time.Time) {
	if !p.Online || p.LastOnline == nil {
		return
	}
	if now.After(*p.LastOnline) {
		p.OnlineServed += now.Sub(*p.LastOnline)
	}
	t := now
	p.LastOnline = &t
}

// MarkOnline starts the sentence clock. Calling it twice is a no-op.
func (p *Prisoner) MarkOnline(now time.Time) {
	if p.Online {
		if p.LastOnline == nil {
			t := now
			p.LastOnline = &t
		}
		return
	}
	p.Online = true
	t := now
	p.LastOnline = &t
}

// MarkOffline stops the sentence clock. Calling it twice is a no-op.
func (p *Prisoner) MarkOffline(now time.Time) {
	if !p.Online {
		return
	}
	p.Flush(now)
	p.Online = false
	p.LastOnline = nil
}

// Extend pushes the end of a temporary sentence by d. Permanent sentences
// have no end and are left untouched.
func (p *Prisoner) Extend(d time.Duration) bool {
	if p.EndEpoch == nil {
		return false
	}
	end := p.EndEpoch.Add(d)
	p.EndEpoch = &end
	return true
}

// SetBail sets and enables bail for amount > 0; otherwise clears it.
func (p *Prisoner) SetBail(amount float64) {
	if amount <= 0 {
		p.BailAmount = nil
		p.BailEnabled = false
		return
	}
	a := amount
	p.BailAmount = &a
	p.BailEnabled = true
}

// HasBail requires bail to be enabled with a positive amount.
func (p *Prisoner) HasBail() bool {
	return p.BailEnabled && p.BailAmount != nil && *p.BailAmount > 0
}

// Bail returns the bail amount, zero when none is set.
func (p *Prisoner) Bail() float64 {
	if p.BailAmount == nil {
		return 0
	}
	return *p.BailAmount
}

// Clone returns a deep copy safe to hand to readers.
func (p *Prisoner) Clone() *Prisoner {
	c := *p
	if p.EndEpoch != nil {
		t := *p.EndEpoch
		c.EndEpoch = &t
	}
	if p.BailAmount != nil {
		a := *p.BailAmount
		c.BailAmount = &a
	}
	if p.OriginalLocation != nil {
		l := *p.OriginalLocation
		c.OriginalLocation = &l
	}
	if p.LastOnline != nil {
		t := *p.LastOnline
		c.LastOnline = &t
	}
	return &c
}
