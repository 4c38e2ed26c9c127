package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/MRamiBalles/devjails/internal/domain/keys"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
)

const (
	jailsFile     = "jails.yml"
	areasFile     = "areas.yml"
	prisonersFile = "prisoners.yml"
)

type jailsDoc struct {
	Jails []JailRecord `yaml:"jails"`
}

type areasDoc struct {
	Areas []AreaRecord `yaml:"areas"`
}

type prisonersDoc struct {
	Prisoners []PrisonerRecord `yaml:"prisoners"`
}

// YAMLGateway stores each aggregate in its own YAML file under dir. The whole
// file is rewritten on every mutation through a temp file and rename, so a
// crash never leaves a half-written document. List order is insertion order.
type YAMLGateway struct {
	dir string

	mu        sync.RWMutex
	jails     *table[JailRecord]
	areas     *table[AreaRecord]
	prisoners *table[PrisonerRecord]
}

// OpenYAMLGateway reads any existing files in dir. Missing files are empty.
func OpenYAMLGateway(dir string) (*YAMLGateway, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	g := &YAMLGateway{
		dir:       dir,
		jails:     newTable[JailRecord](),
		areas:     newTable[AreaRecord](),
		prisoners: newTable[PrisonerRecord](),
	}

	var jd jailsDoc
	if err := g.read(jailsFile, &jd); err != nil {
		return nil, err
	}
	for _, r := range jd.Jails {
		g.jails.put(keys.Fold(r.Name), r)
	}

	var ad areasDoc
	if err := g.read(areasFile, &ad); err != nil {
		return nil, err
	}
	for _, r := range ad.Areas {
		g.areas.put(keys.Fold(r.Name), r)
	}

	var pd prisonersDoc
	if err := g.read(prisonersFile, &pd); err != nil {
		return nil, err
	}
	for _, r := range pd.Prisoners {
		g.prisoners.put(r.SubjectID, r)
	}
	return g, nil
}

func (g *YAMLGateway) read(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(g.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func (g *YAMLGateway) write(name string, doc any) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	path := filepath.Join(g.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// commit applies change to a copy of *cur, writes the copy and only then
// swaps it in. A failed write leaves the cached table untouched.
func commit[V any](g *YAMLGateway, cur **table[V], name string, doc func([]V) any, change func(*table[V])) error {
	next := (*cur).clone()
	change(next)
	if err := g.write(name, doc(next.values())); err != nil {
		return err
	}
	*cur = next
	return nil
}

func jailsDocOf(v []JailRecord) any         { return jailsDoc{Jails: v} }
func areasDocOf(v []AreaRecord) any         { return areasDoc{Areas: v} }
func prisonersDocOf(v []PrisonerRecord) any { return prisonersDoc{Prisoners: v} }

func (g *YAMLGateway) Backend() string { return "yaml" }

func (g *YAMLGateway) Ping(ctx context.Context) error {
	_, err := os.Stat(g.dir)
	return err
}

func (g *YAMLGateway) Close() error { return nil }

func (g *YAMLGateway) SaveJail(ctx context.Context, rec JailRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return commit(g, &g.jails, jailsFile, jailsDocOf, func(t *table[JailRecord]) {
		t.put(keys.Fold(rec.Name), rec)
	})
}

func (g *YAMLGateway) LoadJail(ctx context.Context, key string) (*JailRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.jails.get(keys.Fold(key))
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("jail %q not found", key)
	}
	return &rec, nil
}

func (g *YAMLGateway) RemoveJail(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return commit(g, &g.jails, jailsFile, jailsDocOf, func(t *table[JailRecord]) {
		t.remove(keys.Fold(key))
	})
}

func (g *YAMLGateway) JailKeys(ctx context.Context) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.jails.keys(), nil
}

func (g *YAMLGateway) SaveArea(ctx context.Context, rec AreaRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return commit(g, &g.areas, areasFile, areasDocOf, func(t *table[AreaRecord]) {
		t.put(keys.Fold(rec.Name), rec)
	})
}

func (g *YAMLGateway) LoadArea(ctx context.Context, key string) (*AreaRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.areas.get(keys.Fold(key))
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("area %q not found", key)
	}
	return &rec, nil
}

func (g *YAMLGateway) RemoveArea(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return commit(g, &g.areas, areasFile, areasDocOf, func(t *table[AreaRecord]) {
		t.remove(keys.Fold(key))
	})
}

func (g *YAMLGateway) AreaKeys(ctx context.Context) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.areas.keys(), nil
}

func (g *YAMLGateway) SavePrisoner(ctx context.Context, rec PrisonerRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return commit(g, &g.prisoners, prisonersFile, prisonersDocOf, func(t *table[PrisonerRecord]) {
		t.put(rec.SubjectID, rec)
	})
}

func (g *YAMLGateway) LoadPrisoner(ctx context.Context, subjectID string) (*PrisonerRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.prisoners.get(subjectID)
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("prisoner %s not found", subjectID)
	}
	return &rec, nil
}

func (g *YAMLGateway) RemovePrisoner(ctx context.Context, subjectID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return commit(g, &g.prisoners, prisonersFile, prisonersDocOf, func(t *table[PrisonerRecord]) {
		t.remove(subjectID)
	})
}

func (g *YAMLGateway) PrisonerKeys(ctx context.Context) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.prisoners.keys(), nil
}
