package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/terminal-bench/leasehub/internal/metrics"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/internal/reputation"
	"github.com/terminal-bench/leasehub/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 4
)

// Reporter applies behavior reports
type Reporter interface {
	Apply(ctx context.Context, report models.Report) (reputation.Summary, error)
}

// client is one connected monitor
type client struct {
	id      xid.ID
	segment string
	conn    *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Hub serves the monitor connections. It pushes the device table to every
// monitor and hands their reports to the reputation engine.
type Hub struct {
	store    store.Store
	reporter Reporter
	auth     *Authenticator
	metrics  *metrics.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[xid.ID]*client
}

// NewHub creates a hub
func NewHub(st store.Store, reporter Reporter, auth *Authenticator, m *metrics.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		store:    st,
		reporter: reporter,
		auth:     auth,
		metrics:  m,
		log:      log.With().Str("component", "monitor").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[xid.ID]*client),
	}
}

// Clients returns the number of connected monitors
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve authenticates and upgrades a monitor connection and blocks until
// it closes
func (h *Hub) Serve(c *gin.Context) {
	claims, err := h.auth.Verify(c.GetHeader("Authorization"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	cl := &client{
		id:      xid.New(),
		segment: claims.Segment,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
	h.register(cl)
	defer h.unregister(cl)

	ctx := c.Request.Context()
	snapshot, err := h.snapshot(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build snapshot")
	} else {
		cl.send <- snapshot
	}

	go h.writePump(cl)
	h.readPump(ctx, cl)
}

func (h *Hub) register(cl *client) {
	h.mu.Lock()
	h.clients[cl.id] = cl
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Monitors.Inc()
	}
	h.log.Info().Str("session", cl.id.String()).Str("segment", cl.segment).Msg("monitor connected")
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	_, ok := h.clients[cl.id]
	delete(h.clients, cl.id)
	h.mu.Unlock()

	cl.close()
	if ok {
		if h.metrics != nil {
			h.metrics.Monitors.Dec()
		}
		h.log.Info().Str("session", cl.id.String()).Str("segment", cl.segment).Msg("monitor disconnected")
	}
}

func (h *Hub) readPump(ctx context.Context, cl *client) {
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg models.MonitorMessage
		if err := cl.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn().Err(err).Str("session", cl.id.String()).Msg("monitor connection lost")
			}
			return
		}
		_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msg.Type != models.MessageReport {
			h.log.Debug().Str("type", msg.Type).Msg("ignoring monitor message")
			continue
		}
		sum, err := h.reporter.Apply(ctx, msg.Counts)
		if err != nil {
			h.log.Error().Err(err).Str("segment", cl.segment).Msg("report partially applied")
		}
		h.log.Info().Str("segment", cl.segment).Int("penalized", sum.Penalized).
			Int("blocked", sum.Blocked).Int("restored", sum.Restored).Msg("report applied")
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				cl.close()
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.close()
				return
			}
		case <-cl.done:
			return
		}
	}
}

func (h *Hub) snapshot(ctx context.Context) ([]byte, error) {
	accounts, err := h.store.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	devices := make([]models.Device, 0, len(accounts))
	for _, a := range accounts {
		devices = append(devices, models.DeviceOf(a))
	}
	return json.Marshal(models.MonitorMessage{Type: models.MessageSnapshot, Devices: devices})
}

// Broadcast pushes the device table to every monitor. Monitors that cannot
// keep up are disconnected.
func (h *Hub) Broadcast(ctx context.Context) error {
	snapshot, err := h.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to build snapshot: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, cl := range h.clients {
		select {
		case cl.send <- snapshot:
		case <-cl.done:
		default:
			h.log.Warn().Str("session", cl.id.String()).Msg("monitor too slow, dropping")
			cl.close()
		}
	}
	return nil
}

// Run broadcasts every interval until ctx is done, then closes every
// connection
func (h *Hub) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.C:
			if err := h.Broadcast(ctx); err != nil && ctx.Err() == nil {
				h.log.Error().Err(err).Msg("snapshot broadcast failed")
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, cl := range h.clients {
		_ = cl.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		cl.close()
	}
}
