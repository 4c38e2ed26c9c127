package prisoners

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/MRamiBalles/devjails/internal/domain/keys"
	"github.com/MRamiBalles/devjails/internal/domain/prisoner"
	"github.com/MRamiBalles/devjails/internal/infra/storage"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
)

// IsJailed reports whether subject has a live record.
func (r *Registry) IsJailed(subject uuid.UUID) bool {
	_, ok := r.get(subject)
	return ok
}

// Get returns a copy of the subject's record.
func (r *Registry) Get(subject uuid.UUID) (*prisoner.Prisoner, bool) {
	p, ok := r.get(subject)
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Count is the number of active prisoners.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.prisoners)
}

func (r *Registry) filter(keep func(p *prisoner.Prisoner) bool) []*prisoner.Prisoner {
	r.mu.RLock()
	out := make([]*prisoner.Prisoner, 0, len(r.prisoners))
	for _, p := range r.prisoners {
		if keep == nil || keep(p) {
			out = append(out, p.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartEpoch.Equal(out[j].StartEpoch) {
			return out[i].StartEpoch.Before(out[j].StartEpoch)
		}
		return out[i].SubjectID.String() < out[j].SubjectID.String()
	})
	return out
}

// All returns every prisoner, oldest admission first.
func (r *Registry) All() []*prisoner.Prisoner {
	return r.filter(nil)
}

// AllByJail returns the prisoners held in jailName.
func (r *Registry) AllByJail(jailName string) []*prisoner.Prisoner {
	key := keys.Fold(jailName)
	return r.filter(func(p *prisoner.Prisoner) bool { return p.JailKey() == key })
}

// AllWithBail returns the prisoners whose bail is set and enabled.
func (r *Registry) AllWithBail() []*prisoner.Prisoner {
	return r.filter(func(p *prisoner.Prisoner) bool { return p.HasBail() })
}

// Remaining is the online time left on subject's sentence. permanent is true
// for sentences without an end, in which case remaining is zero.
func (r *Registry) Remaining(subject uuid.UUID) (remaining time.Duration, permanent bool, err error) {
	p, ok := r.get(subject)
	if !ok {
		return 0, false, errclass.ErrNotJailed.WithMessagef("subject %s is not jailed", subject)
	}
	remaining, ok = p.Remaining(r.clock.Now())
	return remaining, !ok, nil
}

// Expired lists subjects whose served online time has reached their sentence.
func (r *Registry) Expired() []uuid.UUID {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uuid.UUID, 0)
	for id, p := range r.prisoners {
		if p.Expired(now) {
			out = append(out, id)
		}
	}
	return out
}

// Load replaces memory with the stored prisoners. Subjects connected right
// now start their clock at load time.
func (r *Registry) Load(ctx context.Context) error {
	loaded, err := storage.LoadAllPrisoners(ctx, r.store, r.opts.PersistOnlineTime, r.log)
	if err != nil {
		return errclass.Persistence("load prisoners", err)
	}

	now := r.clock.Now()
	m := make(map[uuid.UUID]*prisoner.Prisoner, len(loaded))
	for _, p := range loaded {
		if r.world.IsOnline(p.SubjectID) {
			p.MarkOnline(now)
		}
		m[p.SubjectID] = p
	}

	r.mu.Lock()
	r.prisoners = m
	r.mu.Unlock()
	r.log.Info("Prisoners loaded", "count", len(m), "persist_online_time", r.opts.PersistOnlineTime)
	return nil
}

// ReloadStats summarizes a Reload.
type ReloadStats struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Dropped int `json:"dropped"`
}

// Reload re-reads storage while running. Records present in memory keep
// their live online accounting; subjects no longer in storage are released
// with ReasonReload.
func (r *Registry) Reload(ctx context.Context) (ReloadStats, error) {
	var st ReloadStats
	loaded, err := storage.LoadAllPrisoners(ctx, r.store, r.opts.PersistOnlineTime, r.log)
	if err != nil {
		return st, errclass.Persistence("reload prisoners", err)
	}

	seen := make(map[uuid.UUID]struct{}, len(loaded))
	for _, p := range loaded {
		seen[p.SubjectID] = struct{}{}
		if r.reloadOne(p) {
			st.Updated++
		} else {
			st.Added++
		}
	}

	r.mu.RLock()
	stale := make([]uuid.UUID, 0)
	for id := range r.prisoners {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		if _, err := r.Release(ctx, id, "", ReasonReload); err == nil {
			st.Dropped++
		}
	}

	r.log.Info("Prisoners reloaded", "added", st.Added, "updated", st.Updated, "dropped", st.Dropped)
	return st, nil
}

// reloadOne installs a stored record, keeping live accounting for a subject
// already in memory. It reports whether the subject was already present.
func (r *Registry) reloadOne(p *prisoner.Prisoner) bool {
	unlock := r.locks.Lock(p.SubjectID)
	defer unlock()

	cur, ok := r.get(p.SubjectID)
	if ok {
		p.OnlineServed = cur.OnlineServed
		p.Online = cur.Online
		p.LastOnline = cur.LastOnline
	} else if r.world.IsOnline(p.SubjectID) {
		p.MarkOnline(r.clock.Now())
	}
	r.put(p)
	return ok
}
