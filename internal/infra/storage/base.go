package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MRamiBalles/devjails/internal/domain/area"
	"github.com/MRamiBalles/devjails/internal/domain/jail"
	"github.com/MRamiBalles/devjails/internal/domain/keys"
	"github.com/MRamiBalles/devjails/internal/domain/prisoner"
	"github.com/MRamiBalles/devjails/internal/platform/config"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
	"github.com/MRamiBalles/devjails/internal/platform/logger"
	"github.com/MRamiBalles/devjails/internal/platform/metrics"
	"github.com/MRamiBalles/devjails/internal/platform/optimization"
)

// LoadAll enumerates keys and loads each one. A failing item is logged and
// skipped; only a failed enumeration aborts the batch.
func LoadAll[K any, V any](
	ctx context.Context,
	what string,
	listKeys func(context.Context) ([]K, error),
	load func(context.Context, K) (V, error),
	log *logger.Logger,
) ([]V, error) {
	ks, err := listKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s keys: %w", what, err)
	}

	out := make([]V, 0, len(ks))
	for _, k := range ks {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		v, err := load(ctx, k)
		if err != nil {
			log.Warn("Skipping unreadable record", "kind", what, "key", fmt.Sprint(k), "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// LoadAllJails loads every jail in key order.
func LoadAllJails(ctx context.Context, gw JailStore, log *logger.Logger) ([]*jail.Jail, error) {
	return LoadAll(ctx, "jail", gw.JailKeys, func(ctx context.Context, key string) (*jail.Jail, error) {
		rec, err := gw.LoadJail(ctx, key)
		if err != nil {
			return nil, err
		}
		return rec.ToJail(), nil
	}, log)
}

// LoadAllAreas loads every owned area in key order.
func LoadAllAreas(ctx context.Context, gw AreaStore, log *logger.Logger) ([]*area.Area, error) {
	return LoadAll(ctx, "area", gw.AreaKeys, func(ctx context.Context, key string) (*area.Area, error) {
		rec, err := gw.LoadArea(ctx, key)
		if err != nil {
			return nil, err
		}
		return rec.ToArea(), nil
	}, log)
}

// LoadAllPrisoners loads every prisoner. withServed restores persisted online time.
func LoadAllPrisoners(ctx context.Context, gw PrisonerStore, withServed bool, log *logger.Logger) ([]*prisoner.Prisoner, error) {
	return LoadAll(ctx, "prisoner", gw.PrisonerKeys, func(ctx context.Context, key string) (*prisoner.Prisoner, error) {
		rec, err := gw.LoadPrisoner(ctx, key)
		if err != nil {
			return nil, err
		}
		return rec.ToPrisoner(withServed)
	}, log)
}

// LoadPrisonersByJail loads the prisoners held in one jail.
func LoadPrisonersByJail(ctx context.Context, gw PrisonerStore, jailName string, log *logger.Logger) ([]*prisoner.Prisoner, error) {
	all, err := LoadAllPrisoners(ctx, gw, true, log)
	if err != nil {
		return nil, err
	}
	key := keys.Fold(jailName)
	out := make([]*prisoner.Prisoner, 0)
	for _, p := range all {
		if p.JailKey() == key {
			out = append(out, p)
		}
	}
	return out, nil
}

// Stats summarizes the durable state.
type Stats struct {
	Backend   string `json:"backend"`
	Healthy   bool   `json:"healthy"`
	Jails     int    `json:"jails"`
	Areas     int    `json:"areas"`
	Prisoners int    `json:"prisoners"`
}

// CollectStats counts records per aggregate and pings the backing.
func CollectStats(ctx context.Context, gw Gateway) (Stats, error) {
	st := Stats{Backend: gw.Backend(), Healthy: gw.Ping(ctx) == nil}
	jk, err := gw.JailKeys(ctx)
	if err != nil {
		return st, err
	}
	ak, err := gw.AreaKeys(ctx)
	if err != nil {
		return st, err
	}
	pk, err := gw.PrisonerKeys(ctx)
	if err != nil {
		return st, err
	}
	st.Jails, st.Areas, st.Prisoners = len(jk), len(ak), len(pk)
	return st, nil
}

// IsNotFound reports whether err is a missing-key error from a Gateway.
func IsNotFound(err error) bool {
	return errors.Is(err, errclass.ErrNotFound)
}

// Open builds the configured backing, wrapped with write metrics.
func Open(cfg config.StorageConfig, tuning *optimization.Config, log *logger.Logger) (Gateway, error) {
	var (
		gw  Gateway
		err error
	)
	switch cfg.Backend {
	case "sqlite":
		db, derr := InitSQLite(cfg.DBPath, tuning)
		if derr != nil {
			return nil, derr
		}
		gw = NewSQLiteGateway(db)
	case "yaml":
		gw, err = OpenYAMLGateway(cfg.DataDir)
	case "memory":
		gw = NewMemoryGateway()
	default:
		err = fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	log.Info("Storage opened", "backend", gw.Backend())
	return Instrument(gw, metrics.Get()), nil
}

// instrumented records write latency and failures for every mutation.
type instrumented struct {
	Gateway
	m *metrics.Collector
}

// Instrument wraps gw so its writes are counted by m.
func Instrument(gw Gateway, m *metrics.Collector) Gateway {
	return &instrumented{Gateway: gw, m: m}
}

func (g *instrumented) track(start time.Time, err error) error {
	g.m.RecordStorageWrite(time.Since(start), err)
	return err
}

func (g *instrumented) SaveJail(ctx context.Context, rec JailRecord) error {
	start := time.Now()
	return g.track(start, g.Gateway.SaveJail(ctx, rec))
}

func (g *instrumented) RemoveJail(ctx context.Context, key string) error {
	start := time.Now()
	return g.track(start, g.Gateway.RemoveJail(ctx, key))
}

func (g *instrumented) SaveArea(ctx context.Context, rec AreaRecord) error {
	start := time.Now()
	return g.track(start, g.Gateway.SaveArea(ctx, rec))
}

func (g *instrumented) RemoveArea(ctx context.Context, key string) error {
	start := time.Now()
	return g.track(start, g.Gateway.RemoveArea(ctx, key))
}

func (g *instrumented) SavePrisoner(ctx context.Context, rec PrisonerRecord) error {
	start := time.Now()
	return g.track(start, g.Gateway.SavePrisoner(ctx, rec))
}

func (g *instrumented) RemovePrisoner(ctx context.Context, subjectID string) error {
	start := time.Now()
	return g.track(start, g.Gateway.RemovePrisoner(ctx, subjectID))
}
