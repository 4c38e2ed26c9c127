// Package optimization provides concurrency tuning profiles for the jail server.
package optimization

import (
	"runtime"
	"strings"
)

// Config holds tuned parameters for the queues and pools.
type Config struct {
	// Channel buffer sizes
	LoopQueueBuffer        int
	BroadcastChannelBuffer int
	ClientSendBuffer       int

	// Connection pools
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Worker pools
	SweepWorkers int
}

// DefaultConfig returns sensible defaults for production.
func DefaultConfig() *Config {
	numCPU := runtime.NumCPU()

	return &Config{
		LoopQueueBuffer:        1024, // Handle movement bursts
		BroadcastChannelBuffer: 256,
		ClientSendBuffer:       64, // Per WebSocket

		// SQLite serializes writers; a small pool avoids lock contention.
		DBMaxOpenConns: 4,
		DBMaxIdleConns: 2,

		SweepWorkers: numCPU * 2, // Releases are I/O bound
	}
}

// StressTestConfig returns aggressive settings for load testing.
func StressTestConfig() *Config {
	numCPU := runtime.NumCPU()

	return &Config{
		LoopQueueBuffer:        4096,
		BroadcastChannelBuffer: 512,
		ClientSendBuffer:       128,

		DBMaxOpenConns: 8,
		DBMaxIdleConns: 4,

		SweepWorkers: numCPU * 4,
	}
}

// LowResourceConfig returns minimal settings for development.
func LowResourceConfig() *Config {
	return &Config{
		LoopQueueBuffer:        64,
		BroadcastChannelBuffer: 16,
		ClientSendBuffer:       8,

		DBMaxOpenConns: 1,
		DBMaxIdleConns: 1,

		SweepWorkers: 2,
	}
}

// Profile resolves a profile name: "stress", "low" or anything else for the default.
func Profile(name string) *Config {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "stress":
		return StressTestConfig()
	case "low", "dev":
		return LowResourceConfig()
	default:
		return DefaultConfig()
	}
}

// Recommendations provides suggestions based on observed metrics.
type Recommendations struct {
	IncreaseLoopBuffer      bool
	IncreaseBroadcastBuffer bool
	IncreaseSweepWorkers    bool
	Notes                   []string
}

// Analyze examines a metrics snapshot and returns tuning recommendations.
func Analyze(metrics map[string]interface{}) *Recommendations {
	rec := &Recommendations{
		Notes: make([]string, 0),
	}

	if sweep, ok := metrics["sweep"].(map[string]interface{}); ok {
		if maxLat, ok := sweep["max_latency_ms"].(float64); ok && maxLat > 500 {
			rec.IncreaseSweepWorkers = true
			rec.Notes = append(rec.Notes, "Sweep latency exceeds 500ms - increase sweep workers")
		}
	}

	if loop, ok := metrics["loop"].(map[string]interface{}); ok {
		if depth, ok := loop["max_queue_depth"].(int64); ok && depth > 512 {
			rec.IncreaseLoopBuffer = true
			rec.Notes = append(rec.Notes, "World loop backlog exceeds 512 tasks - increase loop buffer")
		}
	}

	if ws, ok := metrics["websocket"].(map[string]interface{}); ok {
		if errors, ok := ws["errors"].(int64); ok && errors > 0 {
			rec.IncreaseBroadcastBuffer = true
			rec.Notes = append(rec.Notes, "WebSocket errors detected - increase client send buffer")
		}
	}

	return rec
}

// ApplyRecommendations modifies config based on recommendations.
func ApplyRecommendations(config *Config, rec *Recommendations) *Config {
	if rec.IncreaseLoopBuffer {
		config.LoopQueueBuffer *= 2
	}
	if rec.IncreaseBroadcastBuffer {
		config.BroadcastChannelBuffer *= 2
		config.ClientSendBuffer *= 2
	}
	if rec.IncreaseSweepWorkers {
		config.SweepWorkers *= 2
	}
	return config
}
