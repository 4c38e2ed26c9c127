package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/devjails/internal/domain/prisoner"
	"github.com/MRamiBalles/devjails/internal/domain/region"
	"github.com/MRamiBalles/devjails/internal/economy"
	"github.com/MRamiBalles/devjails/internal/events"
	"github.com/MRamiBalles/devjails/internal/infra/storage"
	"github.com/MRamiBalles/devjails/internal/jails"
	"github.com/MRamiBalles/devjails/internal/platform/clock"
	"github.com/MRamiBalles/devjails/internal/platform/config"
	"github.com/MRamiBalles/devjails/internal/platform/logger"
	"github.com/MRamiBalles/devjails/internal/platform/metrics"
	"github.com/MRamiBalles/devjails/internal/prisoners"
	"github.com/MRamiBalles/devjails/internal/world"
)

var (
	jailSpawn = region.Location{World: "world", X: 5, Y: 5, Z: 5}
	inside    = region.Location{World: "world", X: 4.5, Y: 5, Z: 5}
	outside   = region.Location{World: "world", X: 20, Y: 5, Z: 5}
)

type recordingBroadcaster struct {
	mu      sync.Mutex
	notices []string
}

func (b *recordingBroadcaster) BroadcastNotice(topic string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, topic)
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.notices)
}

type harness struct {
	gw        *storage.MemoryGateway
	world     *world.Memory
	clock     *clock.Fake
	bus       *events.Bus
	elog      *events.EventLog
	metrics   *metrics.Collector
	ledger    *economy.Ledger
	jails     *jails.Registry
	prisoners *prisoners.Registry
	escape    *EscapeSystem
	expiry    *ExpirationSystem
	engine    *Engine
	notices   *recordingBroadcaster
}

func escapeConfig() config.EscapeConfig {
	return config.EscapeConfig{
		DetectionEnabled:  true,
		BypassCapability:  "djails.bypass.escape",
		Throttle:          config.Duration(time.Second),
		TeleportBack:      true,
		FineAmount:        10,
		ExtendBy:          config.Duration(30 * time.Second),
		Commands:          []string{"warn {subject} left {jail}"},
		ShowTitle:         true,
		Title:             "ESCAPE ATTEMPT",
		Subtitle:          "You cannot leave {jail}",
		LogAttempts:       true,
		BroadcastAttempts: true,
	}
}

func newHarness(t *testing.T, cfg config.EscapeConfig) *harness {
	t.Helper()
	ctx := context.Background()
	log := logger.Discard()

	h := &harness{
		gw:      storage.NewMemoryGateway(),
		world:   world.NewMemory("world", nil),
		clock:   clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		elog:    events.NewEventLog(nil),
		metrics: metrics.New(),
		ledger:  economy.NewLedger(),
		notices: &recordingBroadcaster{},
	}
	h.bus = events.NewBus(h.elog)
	h.jails = jails.NewRegistry(h.gw, world.NewStaticRegions(true), h.bus, log)
	_, err := h.jails.CreateOrUpdateJail(ctx, "Alpha", jailSpawn)
	require.NoError(t, err)
	_, err = h.jails.CreateOrUpdateArea(ctx, "cells",
		region.Location{World: "world"}, region.Location{World: "world", X: 9, Y: 9, Z: 9})
	require.NoError(t, err)
	require.NoError(t, h.jails.LinkJailToArea(ctx, "Alpha", "cells"))

	h.prisoners = prisoners.NewRegistry(prisoners.Deps{
		Store:   h.gw,
		Jails:   h.jails,
		World:   h.world,
		Bus:     h.bus,
		Clock:   h.clock,
		Metrics: h.metrics,
		Log:     log,
	}, prisoners.Options{DefaultWorld: "world"})

	h.escape = NewEscapeSystem(cfg, EscapeDeps{
		Jails:       h.jails,
		Prisoners:   h.prisoners,
		World:       h.world,
		Commands:    h.world,
		Economy:     h.ledger,
		Bus:         h.bus,
		Broadcaster: h.notices,
		Clock:       h.clock,
		Metrics:     h.metrics,
		Logger:      log,
	})
	h.expiry = NewExpirationSystem(h.prisoners, 10*time.Millisecond, 4, h.metrics, log)
	h.engine = NewEngine(NewLoop(16, h.metrics, log), h.escape, h.expiry, h.prisoners, h.jails, h.world, h.bus, log)
	return h
}

// jailed connects a subject inside the jail and admits them. A zero
// sentence is permanent.
func (h *harness) jailed(t *testing.T, sentence time.Duration) uuid.UUID {
	t.Helper()
	id := uuid.New()
	h.world.Connect(id, "steve", inside)
	_, err := h.prisoners.Admit(context.Background(), id, "Alpha", "test", "Op", prisoner.For(sentence))
	require.NoError(t, err)
	h.world.Drain()
	return id
}

func TestEngineMoveRunsDetection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, escapeConfig())
	id := h.jailed(t, time.Minute)

	out, ok := h.engine.Move(ctx, id, outside)
	require.True(t, ok)
	require.True(t, out.Handled)

	_, ok = h.engine.Move(ctx, uuid.New(), outside)
	require.False(t, ok)
}

func TestEngineConnectionTracking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, escapeConfig())
	id := h.jailed(t, time.Minute)

	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.engine.Disconnect(ctx, id))
	require.False(t, h.world.IsOnline(id))
	h.clock.Advance(time.Hour)

	require.True(t, h.engine.Connect(id, "steve", outside))
	rem, _, err := h.prisoners.Remaining(id)
	require.NoError(t, err)
	require.Equal(t, 50*time.Second, rem)
}

func TestReleaseForgetsThrottle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, escapeConfig())
	id := h.jailed(t, time.Minute)

	require.True(t, h.escape.OnMove(ctx, id, inside, outside).Handled)
	require.Equal(t, 1, h.escape.Tracked())

	_, err := h.prisoners.Release(ctx, id, "Op", prisoners.ReasonManual)
	require.NoError(t, err)
	require.Equal(t, 0, h.escape.Tracked())
}

func TestEngineLoadAndStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, escapeConfig())
	id := h.jailed(t, time.Second)

	require.NoError(t, h.engine.Load(ctx))
	require.True(t, h.prisoners.IsJailed(id))

	h.engine.Start(ctx)
	defer h.engine.Stop()
	h.clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool { return !h.prisoners.IsJailed(id) }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.engine.Loop().Flush(ctx))
}
