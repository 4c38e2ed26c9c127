package world

import (
	"sync"

	"github.com/MRamiBalles/devjails/internal/domain/keys"
	"github.com/MRamiBalles/devjails/internal/domain/region"
)

type staticRegion struct {
	world  string
	region region.Region
}

// StaticRegions is a RegionAuthority backed by a fixed region table, standing
// in for the external region engine. It can be switched off to simulate the
// engine being absent.
type StaticRegions struct {
	mu        sync.RWMutex
	available bool
	regions   map[string]staticRegion
}

func NewStaticRegions(available bool) *StaticRegions {
	return &StaticRegions{
		available: available,
		regions:   make(map[string]staticRegion),
	}
}

// Define adds or replaces a region.
func (s *StaticRegions) Define(name, world string, r region.Region) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[keys.Fold(name)] = staticRegion{world: world, region: r.Normalize()}
}

// SetAvailable toggles the authority.
func (s *StaticRegions) SetAvailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = v
}

func (s *StaticRegions) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

func (s *StaticRegions) RegionExists(world, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[keys.Fold(name)]
	return ok && r.world == world
}

func (s *StaticRegions) Contains(loc region.Location, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[keys.Fold(name)]
	return ok && s.available && r.world == loc.World && r.region.ContainsLocation(loc)
}
