// Package jail defines the jail entity and its area binding.
// This package is PURE and must NOT import any infrastructure packages.
package jail

import (
	"strings"

	"github.com/MRamiBalles/devjails/internal/domain/keys"
	"github.com/MRamiBalles/devjails/internal/domain/region"
)

// Binding selects which authority answers containment for a jail.
// The string values are the persisted spellings.
type Binding string

const (
	BindingNone     Binding = "none"
	BindingOwned    Binding = "flag"       // plugin-owned area
	BindingExternal Binding = "worldguard" // external region engine
)

// ParseBinding accepts the persisted spelling. Unknown values map to none.
func ParseBinding(s string) Binding {
	switch Binding(strings.ToLower(strings.TrimSpace(s))) {
	case BindingOwned:
		return BindingOwned
	case BindingExternal:
		return BindingExternal
	default:
		return BindingNone
	}
}

// Reference prefixes accepted by ParseRef.
var (
	externalPrefixes = []string{"wg:", "region:"}
	ownedPrefixes    = []string{"flag:", "area:"}
)

// ParseRef splits a link reference into its binding kind and target name.
// "wg:spawn" selects an external region, "flag:yard" an owned area and a
// bare "yard" defaults to an owned area.
func ParseRef(ref string) (Binding, string) {
	ref = strings.TrimSpace(ref)
	lower := strings.ToLower(ref)
	for _, p := range externalPrefixes {
		if strings.HasPrefix(lower, p) {
			return BindingExternal, strings.TrimSpace(ref[len(p):])
		}
	}
	for _, p := range ownedPrefixes {
		if strings.HasPrefix(lower, p) {
			return BindingOwned, strings.TrimSpace(ref[len(p):])
		}
	}
	return BindingOwned, ref
}

// Jail is a named confinement point with an optional bound area.
type Jail struct {
	Name    string          `json:"name"`
	Spawn   region.Location `json:"spawn"`
	Binding Binding         `json:"binding"`
	AreaRef string          `json:"area_ref,omitempty"`
}

// New creates an unbound jail.
func New(name string, spawn region.Location) *Jail {
	return &Jail{
		Name:    name,
		Spawn:   spawn,
		Binding: BindingNone,
	}
}

// Key is the case-insensitive identity of the jail.
func (j *Jail) Key() string {
	return keys.Fold(j.Name)
}

// World is the world the spawn point lives in.
func (j *Jail) World() string {
	return j.Spawn.World
}

// HasArea reports whether containment can be evaluated for this jail.
func (j *Jail) HasArea() bool {
	return j.Binding != BindingNone && j.AreaRef != ""
}

// Link binds the jail to an area or external region.
func (j *Jail) Link(b Binding, ref string) {
	if b == BindingNone {
		j.Unlink()
		return
	}
	j.Binding = b
	j.AreaRef = ref
}

// Unlink resets the binding. AreaRef is cleared with it.
func (j *Jail) Unlink() {
	j.Binding = BindingNone
	j.AreaRef = ""
}

// BoundTo reports whether the jail is bound to the owned area with the given key.
func (j *Jail) BoundTo(areaKey string) bool {
	return j.Binding == BindingOwned && keys.Fold(j.AreaRef) == areaKey
}

// Clone returns an independent copy.
func (j *Jail) Clone() *Jail {
	c := *j
	return &c
}
