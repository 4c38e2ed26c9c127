// Package metrics provides observability for the jail server.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector gathers operational metrics.
type Collector struct {
	// Lifecycle
	Admissions int64
	Extensions int64
	BailsPaid  int64

	// Escape detector
	EscapesHandled   int64
	EscapesThrottled int64
	EscapesCanceled  int64

	// Sweep metrics
	SweepCount      int64
	SweepLatencySum int64 // nanoseconds
	SweepLatencyMax int64
	LastSweepTime   time.Time

	// Storage metrics
	StorageWrites      int64
	StorageWriteLatSum int64
	StorageWriteLatMax int64
	StorageWriteErrors int64

	// World loop
	LoopTasks         int64
	LoopMaxQueueDepth int64

	// WebSocket metrics
	WSConnectionsActive int64
	WSMessagesOut       int64
	WSErrors            int64

	// System
	StartTime    time.Time
	releases     map[string]int64
	restrictions map[string]int64
	mu           sync.RWMutex
}

// Global collector instance
var collector = New()

// New creates an empty collector.
func New() *Collector {
	return &Collector{
		StartTime:    time.Now(),
		releases:     make(map[string]int64),
		restrictions: make(map[string]int64),
	}
}

// Get returns the global collector.
func Get() *Collector {
	return collector
}

func storeMax(addr *int64, v int64) {
	for {
		cur := atomic.LoadInt64(addr)
		if v <= cur || atomic.CompareAndSwapInt64(addr, cur, v) {
			return
		}
	}
}

func (c *Collector) RecordAdmission() { atomic.AddInt64(&c.Admissions, 1) }
func (c *Collector) RecordExtension() { atomic.AddInt64(&c.Extensions, 1) }
func (c *Collector) RecordBailPaid()  { atomic.AddInt64(&c.BailsPaid, 1) }

// RecordRelease counts a release by reason.
func (c *Collector) RecordRelease(reason string) {
	c.mu.Lock()
	c.releases[reason]++
	c.mu.Unlock()
}

// Releases returns the count for one reason.
func (c *Collector) Releases(reason string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.releases[reason]
}

// RecordRestriction counts an action blocked by the restriction policy.
func (c *Collector) RecordRestriction(rule string) {
	c.mu.Lock()
	c.restrictions[rule]++
	c.mu.Unlock()
}

// Restrictions returns the blocked count for one rule.
func (c *Collector) Restrictions(rule string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.restrictions[rule]
}

// RecordEscape records the outcome of a containment violation.
func (c *Collector) RecordEscape(outcome string) {
	switch outcome {
	case "handled":
		atomic.AddInt64(&c.EscapesHandled, 1)
	case "throttled":
		atomic.AddInt64(&c.EscapesThrottled, 1)
	case "canceled":
		atomic.AddInt64(&c.EscapesCanceled, 1)
	}
}

// RecordSweep records an expiration sweep completion.
func (c *Collector) RecordSweep(latency time.Duration) {
	atomic.AddInt64(&c.SweepCount, 1)
	atomic.AddInt64(&c.SweepLatencySum, int64(latency))
	storeMax(&c.SweepLatencyMax, int64(latency))

	c.mu.Lock()
	c.LastSweepTime = time.Now()
	c.mu.Unlock()
}

// RecordStorageWrite records a write to the storage gateway.
func (c *Collector) RecordStorageWrite(latency time.Duration, err error) {
	atomic.AddInt64(&c.StorageWrites, 1)
	atomic.AddInt64(&c.StorageWriteLatSum, int64(latency))
	storeMax(&c.StorageWriteLatMax, int64(latency))

	if err != nil {
		atomic.AddInt64(&c.StorageWriteErrors, 1)
	}
}

// RecordLoopTask records a task handed to the world loop and the backlog seen.
func (c *Collector) RecordLoopTask(queueDepth int) {
	atomic.AddInt64(&c.LoopTasks, 1)
	storeMax(&c.LoopMaxQueueDepth, int64(queueDepth))
}

// RecordWSConnection records WebSocket connection changes.
func (c *Collector) RecordWSConnection(delta int64) {
	atomic.AddInt64(&c.WSConnectionsActive, delta)
}

// RecordWSMessage records an outgoing WebSocket message.
func (c *Collector) RecordWSMessage() {
	atomic.AddInt64(&c.WSMessagesOut, 1)
}

// RecordWSError records a WebSocket error.
func (c *Collector) RecordWSError() {
	atomic.AddInt64(&c.WSErrors, 1)
}

// Snapshot returns current metrics as a map.
func (c *Collector) Snapshot() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sweeps := atomic.LoadInt64(&c.SweepCount)
	writes := atomic.LoadInt64(&c.StorageWrites)

	var sweepAvg, writeAvg float64
	if sweeps > 0 {
		sweepAvg = float64(atomic.LoadInt64(&c.SweepLatencySum)) / float64(sweeps) / 1e6 // ms
	}
	if writes > 0 {
		writeAvg = float64(atomic.LoadInt64(&c.StorageWriteLatSum)) / float64(writes) / 1e6
	}

	releases := make(map[string]int64, len(c.releases))
	for k, v := range c.releases {
		releases[k] = v
	}
	blocked := make(map[string]int64, len(c.restrictions))
	for k, v := range c.restrictions {
		blocked[k] = v
	}

	return map[string]interface{}{
		"uptime_seconds": time.Since(c.StartTime).Seconds(),

		"prisoners": map[string]interface{}{
			"admissions": atomic.LoadInt64(&c.Admissions),
			"extensions": atomic.LoadInt64(&c.Extensions),
			"bails_paid": atomic.LoadInt64(&c.BailsPaid),
			"releases":   releases,
		},

		"escapes": map[string]interface{}{
			"handled":   atomic.LoadInt64(&c.EscapesHandled),
			"throttled": atomic.LoadInt64(&c.EscapesThrottled),
			"canceled":  atomic.LoadInt64(&c.EscapesCanceled),
		},

		"restrictions": blocked,

		"sweep": map[string]interface{}{
			"count":          sweeps,
			"avg_latency_ms": sweepAvg,
			"max_latency_ms": float64(atomic.LoadInt64(&c.SweepLatencyMax)) / 1e6,
			"last_sweep":     c.LastSweepTime.Format(time.RFC3339),
		},

		"storage": map[string]interface{}{
			"writes":           writes,
			"avg_write_lat_ms": writeAvg,
			"max_write_lat_ms": float64(atomic.LoadInt64(&c.StorageWriteLatMax)) / 1e6,
			"errors":           atomic.LoadInt64(&c.StorageWriteErrors),
		},

		"loop": map[string]interface{}{
			"tasks":           atomic.LoadInt64(&c.LoopTasks),
			"max_queue_depth": atomic.LoadInt64(&c.LoopMaxQueueDepth),
		},

		"websocket": map[string]interface{}{
			"active_connections": atomic.LoadInt64(&c.WSConnectionsActive),
			"messages_out":       atomic.LoadInt64(&c.WSMessagesOut),
			"errors":             atomic.LoadInt64(&c.WSErrors),
		},
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")

		snapshot := collector.Snapshot()
		json.NewEncoder(w).Encode(snapshot)
	}
}

// PrometheusHandler returns metrics in Prometheus format.
func PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		collector.WritePrometheus(w)
	}
}

// WritePrometheus writes the text exposition format.
func (c *Collector) WritePrometheus(w io.Writer) {
	counter := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s %d\n\n", name, v)
	}

	counter("devjails_admissions_total", "Total admissions", atomic.LoadInt64(&c.Admissions))
	counter("devjails_extensions_total", "Total sentence extensions", atomic.LoadInt64(&c.Extensions))
	counter("devjails_bails_paid_total", "Total bails paid", atomic.LoadInt64(&c.BailsPaid))

	c.mu.RLock()
	reasons := make([]string, 0, len(c.releases))
	for r := range c.releases {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	fmt.Fprintf(w, "# HELP devjails_releases_total Total releases by reason\n")
	fmt.Fprintf(w, "# TYPE devjails_releases_total counter\n")
	for _, r := range reasons {
		fmt.Fprintf(w, "devjails_releases_total{reason=%q} %d\n", r, c.releases[r])
	}
	c.mu.RUnlock()
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP devjails_escapes_total Containment violations by outcome\n")
	fmt.Fprintf(w, "# TYPE devjails_escapes_total counter\n")
	fmt.Fprintf(w, "devjails_escapes_total{outcome=\"handled\"} %d\n", atomic.LoadInt64(&c.EscapesHandled))
	fmt.Fprintf(w, "devjails_escapes_total{outcome=\"throttled\"} %d\n", atomic.LoadInt64(&c.EscapesThrottled))
	fmt.Fprintf(w, "devjails_escapes_total{outcome=\"canceled\"} %d\n\n", atomic.LoadInt64(&c.EscapesCanceled))

	counter("devjails_sweeps_total", "Total expiration sweeps", atomic.LoadInt64(&c.SweepCount))

	fmt.Fprintf(w, "# HELP devjails_sweep_latency_max_ms Maximum sweep latency\n")
	fmt.Fprintf(w, "# TYPE devjails_sweep_latency_max_ms gauge\n")
	fmt.Fprintf(w, "devjails_sweep_latency_max_ms %.2f\n\n", float64(atomic.LoadInt64(&c.SweepLatencyMax))/1e6)

	counter("devjails_storage_writes_total", "Total storage writes", atomic.LoadInt64(&c.StorageWrites))
	counter("devjails_storage_write_errors_total", "Total storage write errors", atomic.LoadInt64(&c.StorageWriteErrors))

	fmt.Fprintf(w, "# HELP devjails_ws_connections Active WebSocket connections\n")
	fmt.Fprintf(w, "# TYPE devjails_ws_connections gauge\n")
	fmt.Fprintf(w, "devjails_ws_connections %d\n\n", atomic.LoadInt64(&c.WSConnectionsActive))

	counter("devjails_ws_messages_out_total", "Total WebSocket messages sent", atomic.LoadInt64(&c.WSMessagesOut))
}
