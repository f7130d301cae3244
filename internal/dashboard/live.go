package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proctorhub/backend/internal/core"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// LiveAlert is one frame on the live feed.
type LiveAlert struct {
	SessionID  string                 `json:"sessionId"`
	AlertID    string                 `json:"alertId"`
	Type       core.EventType         `json:"type"`
	Severity   core.Severity          `json:"severity"`
	Details    map[string]interface{} `json:"details,omitempty"`
	OccurredAt time.Time              `json:"occurredAt"`
}

// LiveHub fans emitted alerts out to dashboard websocket clients,
// tenant-scoped: a client only receives alerts for its own tenant. It
// implements the rules engine's alert sink.
type LiveHub struct {
	mu      sync.RWMutex
	clients map[*liveClient]struct{}
}

type liveClient struct {
	hub      *LiveHub
	tenantID string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func NewLiveHub() *LiveHub {
	return &LiveHub{clients: map[*liveClient]struct{}{}}
}

// Notify queues an alert for every client of the tenant. Slow clients are
// skipped, never waited on; this runs on the rules hot path.
func (h *LiveHub) Notify(tenantID string, alert core.Alert) {
	frame := LiveAlert{
		SessionID:  alert.SessionID,
		AlertID:    alert.ID,
		Type:       alert.Type,
		Severity:   alert.Severity,
		Details:    alert.Details,
		OccurredAt: alert.CreatedAt,
	}
	payload, err := json.Marshal(&frame)
	if err != nil {
		slog.Error("live alert marshal failed", "alert_id", alert.ID, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.tenantID != tenantID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slog.Warn("live feed buffer full, dropping alert", "tenant_id", tenantID)
		}
	}
}

// ServeWS upgrades the request and streams the tenant's alerts until the
// client goes away. The caller has already authenticated the credential;
// tenantID comes from its claims.
func (h *LiveHub) ServeWS(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &liveClient{
		hub:      h,
		tenantID: tenantID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	slog.Info("live feed client connected", "tenant_id", tenantID)

	// writePump owns all writes, readPump owns all reads.
	go c.writePump()
	go c.readPump()
}

// Close disconnects every client.
func (h *LiveHub) Close() {
	h.mu.RLock()
	clients := make([]*liveClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

func (c *liveClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		c.conn.Close()
	})
}

func (c *liveClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump drains the connection so pongs and close frames are processed.
// The feed is one-way; inbound frames are discarded.
func (c *liveClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
