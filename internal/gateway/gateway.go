// ABOUTME: WebSocket gateway wiring connections to the log, cursors, sessions, and hub
// ABOUTME: Owns the HTTP upgrade endpoint and per-connection lifecycle

package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/fold-relay/internal/hub"
	"github.com/2389/fold-relay/internal/keylock"
	"github.com/2389/fold-relay/internal/store"
)

// Config holds gateway tunables. Zero values fall back to defaults.
type Config struct {
	// ReplayLimit caps how many backlog events a sub replays per request.
	ReplayLimit int
	// PingInterval is how often the server pings each connection.
	PingInterval time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReplayLimit <= 0 {
		c.ReplayLimit = 200
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Gateway terminates WebSocket connections and translates frames into core
// operations: send appends and broadcasts, ack advances the device cursor,
// sub replays the backlog and registers a live hub subscription.
type Gateway struct {
	log      store.ConversationLog
	cursors  store.CursorStore
	sessions store.SessionStore
	hub      *hub.Hub
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// sendLocks serializes append plus broadcast per conversation, so
	// events enter the hub in sequence order.
	sendLocks *keylock.Map
}

// New creates a gateway over the given stores and hub. Pass nil logger for
// default.
func New(log store.ConversationLog, cursors store.CursorStore, sessions store.SessionStore, h *hub.Hub, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		log:      log,
		cursors:  cursors,
		sessions: sessions,
		hub:      h,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sendLocks: keylock.New(),
	}
}

// Handler returns the HTTP handler exposing the /ws upgrade endpoint.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	return mux
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(g, ws)
	g.logger.Debug("connection opened", "remote", r.RemoteAddr)
	c.run(r.Context())
	g.logger.Debug("connection closed", "remote", r.RemoteAddr)
}
