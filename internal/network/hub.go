// Package network pushes jail events and notices to connected staff over
// WebSocket.
package network

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/MRamiBalles/devjails/internal/events"
	"github.com/MRamiBalles/devjails/internal/platform/logger"
	"github.com/MRamiBalles/devjails/internal/platform/metrics"
)

// DefaultPollInterval is how often the event poller checks the log.
const DefaultPollInterval = 200 * time.Millisecond

// Envelope is the frame sent to staff clients.
type Envelope struct {
	Type  string      `json:"type"` // "event" or "notice"
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

type outbound struct {
	topic   string
	payload []byte
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.Mutex
	sendBuffer int
	metrics    *metrics.Collector
	logger     *logger.Logger
}

// NewHub creates a hub. buffer bounds queued broadcasts; sendBuffer bounds
// each client's outgoing queue.
func NewHub(buffer, sendBuffer int, m *metrics.Collector, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	if m == nil {
		m = metrics.Get()
	}
	return &Hub{
		broadcast:  make(chan outbound, buffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		sendBuffer: sendBuffer,
		metrics:    m,
		logger:     log,
	}
}

// Run handles registration and fan-out until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Staff hub shutting down")
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.metrics.RecordWSConnection(1)
			h.logger.Info("Staff client connected", "remote", client.remote)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.metrics.RecordWSConnection(-1)
				h.logger.Info("Staff client disconnected", "remote", client.remote)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.topic) {
					continue
				}
				select {
				case client.send <- msg.payload:
					h.metrics.RecordWSMessage()
				default:
					// Slow consumer.
					close(client.send)
					delete(h.clients, client)
					h.metrics.RecordWSConnection(-1)
					h.metrics.RecordWSError()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients is the number of connected staff clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// enqueue never blocks: callers hold subject locks.
func (h *Hub) enqueue(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to serialize staff frame", "topic", env.Topic, "error", err)
		return
	}
	select {
	case h.broadcast <- outbound{topic: env.Topic, payload: payload}:
	default:
		h.metrics.RecordWSError()
		h.logger.Warn("Staff broadcast queue full, dropping frame", "topic", env.Topic)
	}
}

// BroadcastEvent sends a logged event to every client subscribed to its kind.
func (h *Hub) BroadcastEvent(event events.Event) {
	h.enqueue(Envelope{Type: "event", Topic: string(event.Kind), Data: event})
}

// BroadcastNotice sends an ad hoc notice such as an escape alert.
func (h *Hub) BroadcastNotice(topic string, payload interface{}) {
	h.enqueue(Envelope{Type: "notice", Topic: topic, Data: payload})
}

// StartEventPoller spawns a goroutine that forwards new entries of eventLog
// to the hub. It runs independently of whoever appends to the log.
func (h *Hub) StartEventPoller(ctx context.Context, eventLog *events.EventLog, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	lastID := ""
	if tail := eventLog.Replay(); len(tail) > 0 {
		lastID = tail[len(tail)-1].ID
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, event := range eventLog.Since(lastID) {
					h.BroadcastEvent(event)
					lastID = event.ID
				}
			}
		}
	}()
}
