package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/devjails/internal/platform/logger"
	"github.com/MRamiBalles/devjails/internal/platform/metrics"
)

func TestLoopRunsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLoop(8, metrics.New(), logger.Discard())
	go l.Run(ctx)

	var mu sync.Mutex
	got := make([]int, 0)
	for i := 0; i < 100; i++ {
		l.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	require.NoError(t, l.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopSurvivesPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLoop(4, metrics.New(), logger.Discard())
	go l.Run(ctx)

	l.Submit(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(ctx, func() { ran = true }))
	assert.True(t, ran)
}

func TestLoopDrainsOnStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoop(4, metrics.New(), logger.Discard())

	ran := 0
	l.Submit(func() { ran++ })
	l.Submit(func() { ran++ })
	cancel()
	l.Run(ctx)
	assert.Equal(t, 2, ran)

	// Submissions after stop are dropped instead of blocking.
	l.Submit(func() { ran++ })
	assert.Equal(t, 2, ran)
	assert.Error(t, l.Do(context.Background(), func() {}))
}

func TestLoopDoHonorsContext(t *testing.T) {
	l := NewLoop(4, metrics.New(), logger.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Do(ctx, func() {}), context.DeadlineExceeded)
}

func TestLoopRecordsQueueDepth(t *testing.T) {
	m := metrics.New()
	l := NewLoop(4, m, logger.Discard())
	l.Submit(func() {})
	l.Submit(func() {})
	assert.Equal(t, 2, l.Depth())
	assert.Equal(t, int64(2), m.LoopTasks)
	assert.Equal(t, int64(2), m.LoopMaxQueueDepth)
}
