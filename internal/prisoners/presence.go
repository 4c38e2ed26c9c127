package prisoners

import (
	"context"

	"github.com/google/uuid"

	"github.com/MRamiBalles/devjails/internal/domain/region"
	"github.com/MRamiBalles/devjails/internal/events"
)

func (r *Registry) setPending(subject uuid.UUID, to region.Location) {
	r.mu.Lock()
	r.pending[subject] = to
	r.mu.Unlock()
}

func (r *Registry) clearPending(subject uuid.UUID) {
	r.mu.Lock()
	delete(r.pending, subject)
	r.mu.Unlock()
}

func (r *Registry) takePending(subject uuid.UUID) (region.Location, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	to, ok := r.pending[subject]
	delete(r.pending, subject)
	return to, ok
}

// Pending returns the teleport queued for an offline subject, if any.
func (r *Registry) Pending(subject uuid.UUID) (region.Location, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	to, ok := r.pending[subject]
	return to, ok
}

// MarkOnline starts the sentence clock for a jailed subject and delivers any
// teleport queued while they were away. It reports whether the subject is jailed.
func (r *Registry) MarkOnline(subject uuid.UUID) bool {
	unlock := r.locks.Lock(subject)
	defer unlock()

	to, hasPending := r.takePending(subject)
	p, jailed := r.get(subject)
	restrained := false
	if jailed {
		next := p.Clone()
		next.MarkOnline(r.clock.Now())
		r.put(next)
		restrained = next.Restrained
	}

	if hasPending || restrained {
		r.onLoop(func() {
			if hasPending {
				if err := r.world.Teleport(subject, to); err != nil {
					r.log.Warn("Pending teleport failed", "subject", subject.String(), "error", err)
				}
			}
			if restrained {
				_ = r.world.Restrain(subject, true)
			}
		})
	}

	if jailed {
		r.fire(events.KindSubjectConnection, subject, "SYSTEM", map[string]interface{}{"online": true})
	}
	return jailed
}

// MarkOffline stops the sentence clock. With online-time persistence on, the
// flushed total is written through. A failed write is returned but the
// subject stays offline in memory; the next write carries the total.
func (r *Registry) MarkOffline(ctx context.Context, subject uuid.UUID) error {
	unlock := r.locks.Lock(subject)
	defer unlock()

	p, jailed := r.get(subject)
	if !jailed {
		return nil
	}
	r.fire(events.KindSubjectConnection, subject, "SYSTEM", map[string]interface{}{"online": false})

	now := r.clock.Now()
	next := p.Clone()
	next.MarkOffline(now)
	r.put(next)

	if !r.opts.PersistOnlineTime {
		return nil
	}
	if err := r.save(ctx, next, now); err != nil {
		r.log.Warn("Failed to persist served time", "subject", subject.String(), "error", err)
		return err
	}
	return nil
}
