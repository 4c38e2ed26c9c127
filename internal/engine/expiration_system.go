package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MRamiBalles/devjails/internal/platform/logger"
	"github.com/MRamiBalles/devjails/internal/platform/metrics"
	"github.com/MRamiBalles/devjails/internal/prisoners"
)

// DefaultSweepPeriod is how often expired sentences are collected.
const DefaultSweepPeriod = time.Second

// ExpirationSystem periodically releases prisoners whose served online time
// has reached their sentence. Sweeps never overlap; the releases of one
// sweep run concurrently on a bounded worker pool.
type ExpirationSystem struct {
	prisoners *prisoners.Registry
	period    time.Duration
	workers   int
	metrics   *metrics.Collector
	logger    *logger.Logger

	sweeping sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewExpirationSystem(reg *prisoners.Registry, period time.Duration, workers int, m *metrics.Collector, log *logger.Logger) *ExpirationSystem {
	if period <= 0 {
		period = DefaultSweepPeriod
	}
	if workers <= 0 {
		workers = 1
	}
	return &ExpirationSystem{
		prisoners: reg,
		period:    period,
		workers:   workers,
		metrics:   m,
		logger:    log,
		stopChan:  make(chan struct{}),
	}
}

// Start runs the sweep every period until ctx is done or Stop is called.
// Call in a goroutine.
func (s *ExpirationSystem) Start(ctx context.Context) {
	s.logger.Info("Expiration sweep started", "period", s.period.String())

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiration sweep stopped by context")
			return
		case <-s.stopChan:
			s.logger.Info("Expiration sweep stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop ends Start. It is safe to call more than once.
func (s *ExpirationSystem) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Sweep releases every expired prisoner and returns how many were released.
// A sweep that starts while another is running returns 0 immediately.
func (s *ExpirationSystem) Sweep(ctx context.Context) int {
	if !s.sweeping.TryLock() {
		return 0
	}
	defer s.sweeping.Unlock()

	start := time.Now()
	expired := s.prisoners.Expired()

	var released atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, id := range expired {
		g.Go(func() error {
			ok, err := s.prisoners.ReleaseIfExpired(ctx, id)
			if err != nil {
				s.logger.Error("Expiry release failed", "subject", id.String(), "error", err)
				return nil
			}
			if ok {
				released.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.RecordSweep(time.Since(start))
	if n := released.Load(); n > 0 {
		s.logger.Info("Expired sentences released", "count", n)
	}
	return int(released.Load())
}
