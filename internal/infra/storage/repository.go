// Package storage provides the persistence layer for the jail server.
// This package implements the repository pattern to keep the domain pure:
// registries depend on Gateway, never on a concrete backing.
package storage

import (
	"context"
)

// LocationRecord is the persisted form of a world position.
type LocationRecord struct {
	World string  `json:"world" yaml:"world"`
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Z     float64 `json:"z" yaml:"z"`
	Yaw   float32 `json:"yaw" yaml:"yaw"`
	Pitch float32 `json:"pitch" yaml:"pitch"`
}

// JailRecord mirrors a jail for persistence.
type JailRecord struct {
	Name        string         `json:"name" yaml:"name"`
	Spawn       LocationRecord `json:"spawn" yaml:"spawn"`
	AreaBinding string         `json:"area_binding" yaml:"area_binding"` // none, flag, worldguard
	AreaRef     string         `json:"area_ref,omitempty" yaml:"area_ref,omitempty"`
}

// AreaRecord mirrors an owned area ("flag") for persistence.
type AreaRecord struct {
	Name  string `json:"name" yaml:"name"`
	World string `json:"world" yaml:"world"`
	MinX  int    `json:"min_x" yaml:"min_x"`
	MinY  int    `json:"min_y" yaml:"min_y"`
	MinZ  int    `json:"min_z" yaml:"min_z"`
	MaxX  int    `json:"max_x" yaml:"max_x"`
	MaxY  int    `json:"max_y" yaml:"max_y"`
	MaxZ  int    `json:"max_z" yaml:"max_z"`
}

// PrisonerRecord mirrors a prisoner for persistence. Epochs are unix millis.
type PrisonerRecord struct {
	SubjectID        string          `json:"subject_id" yaml:"subject_id"`
	JailName         string          `json:"jail_name" yaml:"jail_name"`
	Reason           string          `json:"reason" yaml:"reason"`
	Staff            string          `json:"staff" yaml:"staff"`
	StartEpoch       int64           `json:"start_epoch" yaml:"start_epoch"`
	EndEpoch         *int64          `json:"end_epoch,omitempty" yaml:"end_epoch,omitempty"`
	BailAmount       *float64        `json:"bail_amount,omitempty" yaml:"bail_amount,omitempty"`
	BailEnabled      bool            `json:"bail_enabled" yaml:"bail_enabled"`
	Restrained       bool            `json:"restrained" yaml:"restrained"`
	ReleaseSpawn     string          `json:"release_spawn" yaml:"release_spawn"`
	OriginalLocation *LocationRecord `json:"original_location,omitempty" yaml:"original_location,omitempty"`
	ServedMillis     int64           `json:"served_ms" yaml:"served_ms"`
}

// JailStore persists jails keyed by folded name.
type JailStore interface {
	SaveJail(ctx context.Context, rec JailRecord) error
	LoadJail(ctx context.Context, key string) (*JailRecord, error)
	RemoveJail(ctx context.Context, key string) error
	JailKeys(ctx context.Context) ([]string, error)
}

// AreaStore persists owned areas keyed by folded name.
type AreaStore interface {
	SaveArea(ctx context.Context, rec AreaRecord) error
	LoadArea(ctx context.Context, key string) (*AreaRecord, error)
	RemoveArea(ctx context.Context, key string) error
	AreaKeys(ctx context.Context) ([]string, error)
}

// PrisonerStore persists prisoners keyed by subject id string.
type PrisonerStore interface {
	SavePrisoner(ctx context.Context, rec PrisonerRecord) error
	LoadPrisoner(ctx context.Context, subjectID string) (*PrisonerRecord, error)
	RemovePrisoner(ctx context.Context, subjectID string) error
	PrisonerKeys(ctx context.Context) ([]string, error)
}

// Gateway is the full storage contract. Load* returns errclass.ErrNotFound
// for unknown keys. Key listings come back in insertion order where the
// backing can provide it.
type Gateway interface {
	JailStore
	AreaStore
	PrisonerStore

	// Backend names the concrete backing (sqlite, yaml, memory).
	Backend() string
	// Ping reports whether the backing is usable.
	Ping(ctx context.Context) error
	Close() error
}
