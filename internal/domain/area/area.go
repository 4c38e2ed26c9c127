// Package area defines the named world regions ("flags") that jails can bind to.
// This package is PURE and must NOT import any infrastructure packages.
package area

import (
	"errors"

	"github.com/MRamiBalles/devjails/internal/domain/keys"
	"github.com/MRamiBalles/devjails/internal/domain/region"
)

// ErrWorldMismatch is returned when the two corners live in different worlds.
var ErrWorldMismatch = errors.New("area corners must be in the same world")

// Area is a named region bound to a single world.
type Area struct {
	Name   string        `json:"name"`
	World  string        `json:"world"`
	Region region.Region `json:"region"`
}

// New builds an area from two corners picked by an operator.
func New(name string, a, b region.Location) (*Area, error) {
	if a.World != b.World {
		return nil, ErrWorldMismatch
	}
	return &Area{
		Name:   name,
		World:  a.World,
		Region: region.New(a.Block(), b.Block()),
	}, nil
}

// Key is the case-insensitive identity of the area.
func (a *Area) Key() string {
	return keys.Fold(a.Name)
}

// Contains reports whether loc is in the area's world and inside its region.
func (a *Area) Contains(loc region.Location) bool {
	return loc.World == a.World && a.Region.ContainsLocation(loc)
}

// Reshape replaces the region while keeping the identity.
func (a *Area) Reshape(world string, r region.Region) {
	a.World = world
	a.Region = r.Normalize()
}

// Clone returns an independent copy.
func (a *Area) Clone() *Area {
	c := *a
	return &c
}
