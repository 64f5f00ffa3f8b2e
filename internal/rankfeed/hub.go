package rankfeed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Hub pushes leaderboard snapshots to websocket clients. Clients only
// receive; inbound frames are drained and discarded.
type Hub struct {
	feed     *Feed
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	connections map[*websocket.Conn]struct{}
}

// NewHub wires a Hub over the feed.
func NewHub(feed *Feed, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		feed:   feed,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		connections: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and streams snapshots until the
// client goes away.
func (hub *Hub) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	connection, err := hub.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	hub.register(connection)
	defer hub.unregister(connection)

	updates, cancel := hub.feed.Subscribe()
	defer cancel()

	go func() {
		for {
			if _, _, readErr := connection.ReadMessage(); readErr != nil {
				_ = connection.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-request.Context().Done():
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			_ = connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := connection.WriteJSON(snapshot); err != nil {
				return
			}
		case <-ticker.C:
			_ = connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close drops every open connection.
func (hub *Hub) Close(_ context.Context) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	for connection := range hub.connections {
		_ = connection.Close()
	}
	hub.connections = make(map[*websocket.Conn]struct{})
}

func (hub *Hub) register(connection *websocket.Conn) {
	hub.mu.Lock()
	hub.connections[connection] = struct{}{}
	hub.mu.Unlock()
}

func (hub *Hub) unregister(connection *websocket.Conn) {
	hub.mu.Lock()
	delete(hub.connections, connection)
	hub.mu.Unlock()
	_ = connection.Close()
}
