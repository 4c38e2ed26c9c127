// Package jails owns every jail and owned area and answers containment queries.
//
// Maps are guarded by a RWMutex for reads; mutations are serialized per key
// with a keyed lock, committed to memory, persisted, and rolled back when
// the write fails. When an operation needs both an area key and a jail key
// the area key is always taken first.
package jails

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MRamiBalles/devjails/internal/domain/area"
	"github.com/MRamiBalles/devjails/internal/domain/jail"
	"github.com/MRamiBalles/devjails/internal/domain/keys"
	"github.com/MRamiBalles/devjails/internal/domain/region"
	"github.com/MRamiBalles/devjails/internal/events"
	"github.com/MRamiBalles/devjails/internal/infra/storage"
	"github.com/MRamiBalles/devjails/internal/platform/async"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
	"github.com/MRamiBalles/devjails/internal/platform/keylock"
	"github.com/MRamiBalles/devjails/internal/platform/logger"
	"github.com/MRamiBalles/devjails/internal/world"
)

// Store is the part of the storage gateway the registry needs.
type Store interface {
	storage.JailStore
	storage.AreaStore
}

// Registry holds jails and areas in registration order.
type Registry struct {
	mu        sync.RWMutex
	jails     map[string]*jail.Jail
	jailOrder []string
	areas     map[string]*area.Area
	areaOrder []string

	locks     *keylock.Locker[string]
	store     Store
	authority world.RegionAuthority
	bus       *events.Bus
	log       *logger.Logger
}

// NewRegistry wires the registry. authority and bus may be nil.
func NewRegistry(store Store, authority world.RegionAuthority, bus *events.Bus, log *logger.Logger) *Registry {
	return &Registry{
		jails:     make(map[string]*jail.Jail),
		areas:     make(map[string]*area.Area),
		locks:     keylock.New[string](),
		store:     store,
		authority: authority,
		bus:       bus,
		log:       log,
	}
}

func lockJail(key string) string { return "jail:" + key }
func lockArea(key string) string { return "area:" + key }

func (r *Registry) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	if _, err := async.Run(ctx, fn).Await(); err != nil {
		return errclass.Persistence(op, err)
	}
	return nil
}

func (r *Registry) notify(kind events.Kind, payload map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Fire(events.New(kind, "", "SYSTEM", payload))
}

// --- ordered map helpers, callers hold r.mu ---

func putOrdered[V any](m map[string]V, order *[]string, key string, v V) {
	if _, ok := m[key]; !ok {
		*order = append(*order, key)
	}
	m[key] = v
}

func removeOrdered[V any](m map[string]V, order *[]string, key string) int {
	delete(m, key)
	for i, k := range *order {
		if k == key {
			*order = append((*order)[:i], (*order)[i+1:]...)
			return i
		}
	}
	return -1
}

func insertOrdered[V any](m map[string]V, order *[]string, key string, v V, at int) {
	m[key] = v
	if at < 0 || at > len(*order) {
		*order = append(*order, key)
		return
	}
	*order = append(*order, "")
	copy((*order)[at+1:], (*order)[at:])
	(*order)[at] = key
}

// --- jails ---

// CreateOrUpdateJail sets a jail's spawn point, creating the jail if needed.
// An existing jail keeps its area binding. It reports whether the jail is new.
func (r *Registry) CreateOrUpdateJail(ctx context.Context, name string, spawn region.Location) (bool, error) {
	key := keys.Fold(name)
	if key == "" {
		return false, errclass.ErrInvalidArgument.WithMessage("jail name is empty")
	}
	unlock := r.locks.Lock(lockJail(key))
	defer unlock()

	r.mu.Lock()
	prev, exists := r.jails[key]
	next := jail.New(name, spawn)
	if exists {
		next.Link(prev.Binding, prev.AreaRef)
	}
	putOrdered(r.jails, &r.jailOrder, key, next)
	r.mu.Unlock()

	rec := storage.JailToRecord(next)
	if err := r.persist(ctx, "save jail", func(ctx context.Context) error {
		return r.store.SaveJail(ctx, rec)
	}); err != nil {
		r.mu.Lock()
		if exists {
			r.jails[key] = prev
		} else {
			removeOrdered(r.jails, &r.jailOrder, key)
		}
		r.mu.Unlock()
		return false, err
	}

	action := "updated"
	if !exists {
		action = "created"
	}
	r.log.Info("Jail saved", "jail", name, "action", action)
	r.notify(events.KindJailChanged, map[string]interface{}{"jail": name, "action": action})
	return !exists, nil
}

// RemoveJail deletes a jail. It reports false when no such jail exists.
func (r *Registry) RemoveJail(ctx context.Context, name string) (bool, error) {
	key := keys.Fold(name)
	unlock := r.locks.Lock(lockJail(key))
	defer unlock()

	r.mu.Lock()
	prev, ok := r.jails[key]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	at := removeOrdered(r.jails, &r.jailOrder, key)
	r.mu.Unlock()

	if err := r.persist(ctx, "remove jail", func(ctx context.Context) error {
		return r.store.RemoveJail(ctx, key)
	}); err != nil {
		r.mu.Lock()
		insertOrdered(r.jails, &r.jailOrder, key, prev, at)
		r.mu.Unlock()
		return false, err
	}

	r.log.Info("Jail removed", "jail", prev.Name)
	r.notify(events.KindJailChanged, map[string]interface{}{"jail": prev.Name, "action": "removed"})
	return true, nil
}

// LinkJailToArea binds a jail to an owned area or an external region. The
// target is validated before the binding is committed.
func (r *Registry) LinkJailToArea(ctx context.Context, jailName, ref string) error {
	binding, target := jail.ParseRef(ref)
	if target == "" {
		return errclass.ErrInvalidArgument.WithMessage("area reference is empty")
	}
	jkey := keys.Fold(jailName)

	if binding == jail.BindingOwned {
		unlockArea := r.locks.Lock(lockArea(keys.Fold(target)))
		defer unlockArea()
	}
	unlock := r.locks.Lock(lockJail(jkey))
	defer unlock()

	r.mu.Lock()
	prev, ok := r.jails[jkey]
	if !ok {
		r.mu.Unlock()
		return errclass.ErrUnknownJail.WithMessagef("jail %q does not exist", jailName)
	}

	switch binding {
	case jail.BindingOwned:
		a, ok := r.areas[keys.Fold(target)]
		if !ok {
			r.mu.Unlock()
			return errclass.ErrUnknownArea.WithMessagef("area %q does not exist", target)
		}
		target = a.Name
	case jail.BindingExternal:
		if r.authority == nil || !r.authority.Available() {
			r.mu.Unlock()
			return errclass.ErrAuthorityUnavailable.WithMessage("external region engine is not available")
		}
		if !r.authority.RegionExists(prev.World(), target) {
			r.mu.Unlock()
			return errclass.ErrUnknownArea.WithMessagef("region %q does not exist in world %q", target, prev.World())
		}
	}

	next := prev.Clone()
	next.Link(binding, target)
	r.jails[jkey] = next
	r.mu.Unlock()

	if err := r.saveJailOrRestore(ctx, jkey, next, prev); err != nil {
		return err
	}

	r.log.Info("Jail linked", "jail", next.Name, "binding", string(binding), "area", target)
	r.notify(events.KindJailChanged, map[string]interface{}{
		"jail": next.Name, "action": "linked", "binding": string(binding), "area": target,
	})
	return nil
}

// UnlinkJail clears a jail's area binding.
func (r *Registry) UnlinkJail(ctx context.Context, jailName string) error {
	jkey := keys.Fold(jailName)
	unlock := r.locks.Lock(lockJail(jkey))
	defer unlock()

	r.mu.Lock()
	prev, ok := r.jails[jkey]
	if !ok {
		r.mu.Unlock()
		return errclass.ErrUnknownJail.WithMessagef("jail %q does not exist", jailName)
	}
	next := prev.Clone()
	next.Unlink()
	r.jails[jkey] = next
	r.mu.Unlock()

	if err := r.saveJailOrRestore(ctx, jkey, next, prev); err != nil {
		return err
	}
	r.notify(events.KindJailChanged, map[string]interface{}{"jail": next.Name, "action": "unlinked"})
	return nil
}

// saveJailOrRestore persists next; on failure prev is put back in memory.
// The caller holds the jail's key lock.
func (r *Registry) saveJailOrRestore(ctx context.Context, key string, next, prev *jail.Jail) error {
	rec := storage.JailToRecord(next)
	err := r.persist(ctx, "save jail", func(ctx context.Context) error {
		return r.store.SaveJail(ctx, rec)
	})
	if err != nil {
		r.mu.Lock()
		r.jails[key] = prev
		r.mu.Unlock()
	}
	return err
}

// --- areas ---

// CreateOrUpdateArea defines an owned area from two corners in one world.
// It reports whether the area is new.
func (r *Registry) CreateOrUpdateArea(ctx context.Context, name string, a, b region.Location) (bool, error) {
	key := keys.Fold(name)
	if key == "" {
		return false, errclass.ErrInvalidArgument.WithMessage("area name is empty")
	}
	next, err := area.New(name, a, b)
	if err != nil {
		return false, errclass.ErrSameWorldRequired.Wrap(err)
	}

	unlock := r.locks.Lock(lockArea(key))
	defer unlock()

	r.mu.Lock()
	prev, exists := r.areas[key]
	putOrdered(r.areas, &r.areaOrder, key, next)
	r.mu.Unlock()

	rec := storage.AreaToRecord(next)
	if err := r.persist(ctx, "save area", func(ctx context.Context) error {
		return r.store.SaveArea(ctx, rec)
	}); err != nil {
		r.mu.Lock()
		if exists {
			r.areas[key] = prev
		} else {
			removeOrdered(r.areas, &r.areaOrder, key)
		}
		r.mu.Unlock()
		return false, err
	}

	r.log.Info("Area saved", "area", name, "world", next.World, "region", next.Region.String())
	r.notify(events.KindAreaChanged, map[string]interface{}{"area": name, "created": !exists})
	return !exists, nil
}

// RemoveArea unlinks every jail bound to an owned area and then deletes the
// area. It reports false when no such area exists. When an unlink fails the
// area is kept, so no jail is ever left bound to a missing area; jails
// already unlinked stay unlinked.
func (r *Registry) RemoveArea(ctx context.Context, name string) (bool, error) {
	key := keys.Fold(name)
	unlock := r.locks.Lock(lockArea(key))
	defer unlock()

	r.mu.RLock()
	prev, ok := r.areas[key]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	var errs []error
	for _, jkey := range r.jailsBoundTo(key) {
		if err := r.unlinkBound(ctx, jkey, key); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}

	r.mu.Lock()
	at := removeOrdered(r.areas, &r.areaOrder, key)
	r.mu.Unlock()

	if err := r.persist(ctx, "remove area", func(ctx context.Context) error {
		return r.store.RemoveArea(ctx, key)
	}); err != nil {
		r.mu.Lock()
		insertOrdered(r.areas, &r.areaOrder, key, prev, at)
		r.mu.Unlock()
		return false, err
	}

	r.log.Info("Area removed", "area", prev.Name)
	r.notify(events.KindAreaChanged, map[string]interface{}{"area": prev.Name, "removed": true})
	return true, nil
}

func (r *Registry) jailsBoundTo(areaKey string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for _, k := range r.jailOrder {
		if r.jails[k].BoundTo(areaKey) {
			out = append(out, k)
		}
	}
	return out
}

// unlinkBound unlinks one jail if it is still bound to the removed area.
func (r *Registry) unlinkBound(ctx context.Context, jkey, areaKey string) error {
	unlock := r.locks.Lock(lockJail(jkey))
	defer unlock()

	r.mu.Lock()
	prev, ok := r.jails[jkey]
	if !ok || !prev.BoundTo(areaKey) {
		r.mu.Unlock()
		return nil
	}
	next := prev.Clone()
	next.Unlink()
	r.jails[jkey] = next
	r.mu.Unlock()

	if err := r.saveJailOrRestore(ctx, jkey, next, prev); err != nil {
		r.log.Error("Failed to unlink jail from removed area", "jail", prev.Name, "error", err)
		return err
	}
	r.notify(events.KindJailChanged, map[string]interface{}{"jail": next.Name, "action": "unlinked"})
	return nil
}

// --- containment ---

// Contains reports whether loc is inside the jail's bound area. A jail with
// no binding contains nothing; an external binding answers false while the
// external engine is unavailable.
func (r *Registry) Contains(j *jail.Jail, loc region.Location) bool {
	if j == nil || !j.HasArea() {
		return false
	}
	switch j.Binding {
	case jail.BindingOwned:
		r.mu.RLock()
		a, ok := r.areas[keys.Fold(j.AreaRef)]
		r.mu.RUnlock()
		return ok && a.Contains(loc)
	case jail.BindingExternal:
		return r.authority != nil && r.authority.Available() && r.authority.Contains(loc, j.AreaRef)
	default:
		return false
	}
}

// FindJailContaining returns the first jail, in registration order, whose
// area contains loc.
func (r *Registry) FindJailContaining(loc region.Location) (*jail.Jail, bool) {
	for _, j := range r.Jails() {
		if r.Contains(j, loc) {
			return j, true
		}
	}
	return nil, false
}

// --- queries ---

// Jail returns a copy of the named jail.
func (r *Registry) Jail(name string) (*jail.Jail, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jails[keys.Fold(name)]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// Jails returns copies of all jails in registration order.
func (r *Registry) Jails() []*jail.Jail {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*jail.Jail, 0, len(r.jailOrder))
	for _, k := range r.jailOrder {
		out = append(out, r.jails[k].Clone())
	}
	return out
}

// Area returns a copy of the named owned area.
func (r *Registry) Area(name string) (*area.Area, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.areas[keys.Fold(name)]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Areas returns copies of all owned areas in registration order.
func (r *Registry) Areas() []*area.Area {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*area.Area, 0, len(r.areaOrder))
	for _, k := range r.areaOrder {
		out = append(out, r.areas[k].Clone())
	}
	return out
}

// Load replaces the in-memory state with what storage holds. Jails and
// areas are read concurrently; registration order is storage key order.
func (r *Registry) Load(ctx context.Context) error {
	var (
		js []*jail.Jail
		as []*area.Area
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		js, err = storage.LoadAllJails(gctx, r.store, r.log)
		return err
	})
	g.Go(func() error {
		var err error
		as, err = storage.LoadAllAreas(gctx, r.store, r.log)
		return err
	})
	if err := g.Wait(); err != nil {
		return errclass.Persistence("load jails", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jails = make(map[string]*jail.Jail, len(js))
	r.jailOrder = r.jailOrder[:0]
	for _, j := range js {
		putOrdered(r.jails, &r.jailOrder, j.Key(), j)
	}
	r.areas = make(map[string]*area.Area, len(as))
	r.areaOrder = r.areaOrder[:0]
	for _, a := range as {
		putOrdered(r.areas, &r.areaOrder, a.Key(), a)
	}
	r.log.Info("Jails loaded", "jails", len(js), "areas", len(as))
	return nil
}
