package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// broadcastInterval is the tick period for pushing plugin status to
// connected operators.
const broadcastInterval = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Broadcaster pushes the full plugin list (id, name, version and
// enabled flags; no status field) to every connected operator on a
// fixed tick, so the admin UI sees plugins added, removed, enabled or
// disabled without polling.
type Broadcaster struct {
	registry Registry
	logger   *logrus.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	stop chan struct{}
}

// NewBroadcaster builds a Broadcaster. Call Start to begin ticking.
func NewBroadcaster(registry Registry, logger *logrus.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		logger:   logger,
		clients:  make(map[*websocket.Conn]bool),
		stop:     make(chan struct{}),
	}
}

// Start begins the broadcast ticker. Safe to call once.
func (b *Broadcaster) Start() {
	go func() {
		ticker := time.NewTicker(broadcastInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.broadcast()
			case <-b.stop:
				return
			}
		}
	}()
}

// Stop ends the ticker and closes every connected client.
func (b *Broadcaster) Stop() {
	close(b.stop)
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		conn.Close()
	}
	b.clients = make(map[*websocket.Conn]bool)
}

func (b *Broadcaster) broadcast() {
	records := b.registry.List()
	summaries := make([]pluginSummary, len(records))
	for i, rec := range records {
		summaries[i] = toSummary(rec)
	}
	data, err := json.Marshal(summaries)
	if err != nil {
		b.logger.WithError(err).Warn("httpapi: marshal plugin list for broadcast failed")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(b.clients, conn)
		}
	}
}

// ServeWS upgrades the connection and registers it for broadcast
// delivery until the client disconnects.
func (b *Broadcaster) ServeWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		b.logger.WithError(err).Warn("httpapi: websocket upgrade failed")
		return err
	}
	defer conn.Close()

	b.mu.Lock()
	b.clients[conn] = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				b.logger.WithError(err).Debug("httpapi: websocket read error")
			}
			return nil
		}
	}
}

// RegisterLive mounts the live status stream behind authMiddleware.
func (h *Handler) RegisterLive(e *echo.Echo, broadcaster *Broadcaster, authMiddleware echo.MiddlewareFunc) {
	group := e.Group("/admin/ws")
	if authMiddleware != nil {
		group.Use(authMiddleware)
	}
	group.GET("/plugins", broadcaster.ServeWS)
}
