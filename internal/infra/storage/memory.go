package storage

import (
	"context"
	"sync"

	"github.com/MRamiBalles/devjails/internal/domain/keys"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
)

// table is an insertion-ordered keyed collection.
type table[V any] struct {
	order []string
	rows  map[string]V
}

func newTable[V any]() *table[V] {
	return &table[V]{rows: make(map[string]V)}
}

func (t *table[V]) put(key string, v V) {
	if _, ok := t.rows[key]; !ok {
		t.order = append(t.order, key)
	}
	t.rows[key] = v
}

func (t *table[V]) get(key string) (V, bool) {
	v, ok := t.rows[key]
	return v, ok
}

func (t *table[V]) remove(key string) {
	if _, ok := t.rows[key]; !ok {
		return
	}
	delete(t.rows, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *table[V]) clone() *table[V] {
	c := &table[V]{order: make([]string, len(t.order)), rows: make(map[string]V, len(t.rows))}
	copy(c.order, t.order)
	for k, v := range t.rows {
		c.rows[k] = v
	}
	return c
}

func (t *table[V]) keys() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

func (t *table[V]) values() []V {
	out := make([]V, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.rows[k])
	}
	return out
}

// MemoryGateway keeps records in process memory. Fail, when set, is consulted
// before every mutation and its error is returned instead of writing.
type MemoryGateway struct {
	mu        sync.RWMutex
	jails     *table[JailRecord]
	areas     *table[AreaRecord]
	prisoners *table[PrisonerRecord]

	Fail func(op string) error
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		jails:     newTable[JailRecord](),
		areas:     newTable[AreaRecord](),
		prisoners: newTable[PrisonerRecord](),
	}
}

func (m *MemoryGateway) Backend() string                { return "memory" }
func (m *MemoryGateway) Ping(ctx context.Context) error { return nil }
func (m *MemoryGateway) Close() error                   { return nil }

func (m *MemoryGateway) fail(op string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op)
}

func (m *MemoryGateway) SaveJail(ctx context.Context, rec JailRecord) error {
	if err := m.fail("save_jail"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jails.put(keys.Fold(rec.Name), rec)
	return nil
}

func (m *MemoryGateway) LoadJail(ctx context.Context, key string) (*JailRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jails.get(keys.Fold(key))
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("jail %q not found", key)
	}
	return &rec, nil
}

func (m *MemoryGateway) RemoveJail(ctx context.Context, key string) error {
	if err := m.fail("remove_jail"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jails.remove(keys.Fold(key))
	return nil
}

func (m *MemoryGateway) JailKeys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jails.keys(), nil
}

func (m *MemoryGateway) SaveArea(ctx context.Context, rec AreaRecord) error {
	if err := m.fail("save_area"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.areas.put(keys.Fold(rec.Name), rec)
	return nil
}

func (m *MemoryGateway) LoadArea(ctx context.Context, key string) (*AreaRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.areas.get(keys.Fold(key))
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("area %q not found", key)
	}
	return &rec, nil
}

func (m *MemoryGateway) RemoveArea(ctx context.Context, key string) error {
	if err := m.fail("remove_area"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.areas.remove(keys.Fold(key))
	return nil
}

func (m *MemoryGateway) AreaKeys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.areas.keys(), nil
}

func (m *MemoryGateway) SavePrisoner(ctx context.Context, rec PrisonerRecord) error {
	if err := m.fail("save_prisoner"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prisoners.put(rec.SubjectID, rec)
	return nil
}

func (m *MemoryGateway) LoadPrisoner(ctx context.Context, subjectID string) (*PrisonerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.prisoners.get(subjectID)
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("prisoner %s not found", subjectID)
	}
	return &rec, nil
}

func (m *MemoryGateway) RemovePrisoner(ctx context.Context, subjectID string) error {
	if err := m.fail("remove_prisoner"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prisoners.remove(subjectID)
	return nil
}

func (m *MemoryGateway) PrisonerKeys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prisoners.keys(), nil
}
