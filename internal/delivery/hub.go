package delivery

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voice-intent-pipeline/internal/models"
)

// Hub pushes responses to browser mini-app clients over websockets. One
// connection per user; a reconnect replaces the previous socket.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*websocket.Conn
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns: make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve upgrades the request and parks the connection for pushes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}

	h.mu.Lock()
	if old, ok := h.conns[userID]; ok {
		_ = old.Close()
	}
	h.conns[userID] = conn
	h.mu.Unlock()

	h.logger.Info("miniapp client connected", zap.String("user_id", userID))

	// Drain reads so pings and close frames are processed; drop the
	// connection entry when the client goes away.
	go func() {
		defer h.drop(userID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return nil
}

// Notify sends the response frame to the user's open connection.
func (h *Hub) Notify(_ context.Context, d models.Delivery) error {
	h.mu.RLock()
	conn, ok := h.conns[d.UserID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no open connection for user %s", d.UserID)
	}
	if err := conn.WriteJSON(d); err != nil {
		h.drop(d.UserID, conn)
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (h *Hub) drop(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	if h.conns[userID] == conn {
		delete(h.conns, userID)
	}
	h.mu.Unlock()
	_ = conn.Close()
}
