package engine

import (
	"context"
	"sync"

	"github.com/MRamiBalles/devjails/internal/platform/logger"
	"github.com/MRamiBalles/devjails/internal/platform/metrics"
)

// Loop is the single world-authoritative execution context. Every teleport,
// message and command dispatch is queued here and run one at a time, in
// submission order.
type Loop struct {
	tasks   chan func()
	done    chan struct{}
	once    sync.Once
	metrics *metrics.Collector
	logger  *logger.Logger
}

// NewLoop creates a loop with a queue of buffer tasks.
func NewLoop(buffer int, m *metrics.Collector, log *logger.Logger) *Loop {
	if buffer <= 0 {
		buffer = 1
	}
	return &Loop{
		tasks:   make(chan func(), buffer),
		done:    make(chan struct{}),
		metrics: m,
		logger:  log,
	}
}

// Submit queues fn. It blocks while the queue is full and drops fn once the
// loop has stopped.
func (l *Loop) Submit(fn func()) {
	select {
	case <-l.done:
		l.logger.Warn("World loop stopped, dropping task")
		return
	default:
	}
	select {
	case <-l.done:
		l.logger.Warn("World loop stopped, dropping task")
	case l.tasks <- fn:
		l.metrics.RecordLoopTask(len(l.tasks))
	}
}

// Do queues fn and waits until it has run or ctx is done.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Submit(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return context.Canceled
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits for every task queued before the call to finish.
func (l *Loop) Flush(ctx context.Context) error {
	return l.Do(ctx, func() {})
}

// Depth is the number of queued tasks.
func (l *Loop) Depth() int {
	return len(l.tasks)
}

// Run executes tasks until ctx is done, then runs what is already queued
// and returns. Call in a goroutine.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("World loop started")
	for {
		select {
		case <-ctx.Done():
			l.stop()
			return
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Loop) stop() {
	l.once.Do(func() { close(l.done) })
	for {
		select {
		case fn := <-l.tasks:
			l.run(fn)
		default:
			l.logger.Info("World loop stopped")
			return
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("World loop task panicked", "panic", r)
		}
	}()
	fn()
}
