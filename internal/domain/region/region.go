// Package region defines world positions and axis-aligned block regions.
// This package is PURE and must NOT import any infrastructure packages.
package region

import (
	"fmt"
	"math"
)

// Vec3 is an integer block coordinate.
type Vec3 struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
	Z int `json:"z" yaml:"z"`
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%d, %d, %d)", v.X, v.Y, v.Z)
}

// Location is a precise position inside a named world.
type Location struct {
	World string  `json:"world" yaml:"world"`
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Z     float64 `json:"z" yaml:"z"`
	Yaw   float32 `json:"yaw" yaml:"yaw"`
	Pitch float32 `json:"pitch" yaml:"pitch"`
}

// Block floors the location onto the block grid.
func (l Location) Block() Vec3 {
	return Vec3{
		X: int(math.Floor(l.X)),
		Y: int(math.Floor(l.Y)),
		Z: int(math.Floor(l.Z)),
	}
}

// SameBlock reports whether both locations sit in the same block of the same world.
func (l Location) SameBlock(other Location) bool {
	return l.World == other.World && l.Block() == other.Block()
}

func (l Location) String() string {
	return fmt.Sprintf("%s@%.1f,%.1f,%.1f", l.World, l.X, l.Y, l.Z)
}

// Region is an inclusive axis-aligned bounding box. Min <= Max on every axis.
type Region struct {
	Min Vec3 `json:"min" yaml:"min"`
	Max Vec3 `json:"max" yaml:"max"`
}

// New builds a normalized region from two arbitrary corners.
func New(a, b Vec3) Region {
	return Region{
		Min: Vec3{X: min(a.X, b.X), Y: min(a.Y, b.Y), Z: min(a.Z, b.Z)},
		Max: Vec3{X: max(a.X, b.X), Y: max(a.Y, b.Y), Z: max(a.Z, b.Z)},
	}
}

// Normalize returns r with its corners reordered. Records loaded from storage go through this.
func (r Region) Normalize() Region {
	return New(r.Min, r.Max)
}

// Contains is inclusive on both corners.
func (r Region) Contains(p Vec3) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X &&
		p.Y >= r.Min.Y && p.Y <= r.Max.Y &&
		p.Z >= r.Min.Z && p.Z <= r.Max.Z
}

// ContainsLocation tests the block the location falls into. The world is not checked here.
func (r Region) ContainsLocation(l Location) bool {
	return r.Contains(l.Block())
}

// Volume is the number of blocks covered, always >= 1.
func (r Region) Volume() int64 {
	return int64(r.Max.X-r.Min.X+1) * int64(r.Max.Y-r.Min.Y+1) * int64(r.Max.Z-r.Min.Z+1)
}

// Center returns the middle of the region in world units.
func (r Region) Center() (x, y, z float64) {
	return float64(r.Min.X+r.Max.X+1) / 2, float64(r.Min.Y+r.Max.Y+1) / 2, float64(r.Min.Z+r.Max.Z+1) / 2
}

func (r Region) String() string {
	return r.Min.String() + " -> " + r.Max.String()
}
