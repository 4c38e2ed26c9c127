package network

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Subscription is the only frame a staff client sends. An empty Topics list
// means everything.
type Subscription struct {
	Type   string   `json:"type"` // "subscribe"
	Topics []string `json:"topics"`
}

// Client is one staff WebSocket connection.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	remote  string
	limiter *rate.Limiter

	mu     sync.RWMutex
	topics map[string]bool
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, hub.sendBuffer),
		remote:  conn.RemoteAddr().String(),
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// ServeWS upgrades the request and attaches a staff client to hub.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("Failed to upgrade websocket connection", "error", err)
		return
	}

	client := NewClient(hub, conn)
	if topics := r.URL.Query().Get("topics"); topics != "" {
		client.subscribe(strings.Split(topics, ","))
	}
	client.Register()

	go client.WritePump()
	go client.ReadPump()
}

// Register adds the client to the hub.
func (c *Client) Register() {
	select {
	case c.hub.register <- c:
	case <-c.hub.done:
		close(c.send)
	}
}

func (c *Client) subscribe(topics []string) {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			set[t] = true
		}
	}
	c.mu.Lock()
	if len(set) == 0 {
		set = nil
	}
	c.topics = set
	c.mu.Unlock()
}

func (c *Client) wants(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics == nil || c.topics[strings.ToUpper(topic)]
}

// ReadPump reads subscription frames until the connection closes.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Staff connection closed unexpectedly", "remote", c.remote, "error", err)
			}
			break
		}
		if !c.limiter.Allow() {
			c.hub.logger.Warn("Rate limit exceeded for staff client", "remote", c.remote)
			continue
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil || sub.Type != "subscribe" {
			c.hub.metrics.RecordWSError()
			c.hub.logger.Warn("Ignoring malformed staff frame", "remote", c.remote)
			continue
		}
		c.subscribe(sub.Topics)
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
