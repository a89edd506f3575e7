package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/toolgate/toolgate/internal/audit"
)

// AuditStream fans newly appended audit entries out to connected
// operator dashboards — the expansion's GET /v1/audit/stream feed,
// generalizing api.WebSocketHub/BroadcastTrace from a trace dashboard
// feed to an audit-entry feed. Wire it in via audit.Chain.SetListener.
type AuditStream struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewAuditStream constructs an AuditStream. allowAllOrigins mirrors the
// teacher's dev-mode CORS toggle for the websocket upgrade's origin
// check.
func NewAuditStream(logger *slog.Logger, allowAllOrigins bool) *AuditStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditStream{
		clients: make(map[*websocket.Conn]bool),
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if allowAllOrigins {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.Contains(origin, r.Host)
			},
		},
	}
}

// HandleWebSocket upgrades the connection and registers it for
// broadcast, per the teacher's WebSocketHub shape.
func (a *AuditStream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("audit stream upgrade failed", "error", err)
		return
	}

	a.mu.Lock()
	a.clients[conn] = true
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.clients, conn)
			a.mu.Unlock()
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// OnAppend is the audit.Chain.SetListener callback: broadcast every new
// entry to connected clients.
func (a *AuditStream) OnAppend(chainID string, e audit.Entry) {
	msg, err := json.Marshal(map[string]interface{}{"chain_id": chainID, "entry": e})
	if err != nil {
		a.logger.Error("failed to marshal audit stream message", "error", err)
		return
	}

	a.mu.RLock()
	var dead []*websocket.Conn
	for conn := range a.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			dead = append(dead, conn)
		}
	}
	a.mu.RUnlock()

	if len(dead) > 0 {
		a.mu.Lock()
		for _, c := range dead {
			delete(a.clients, c)
			_ = c.Close()
		}
		a.mu.Unlock()
	}
}

// Close disconnects all clients.
func (a *AuditStream) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for conn := range a.clients {
		_ = conn.Close()
		delete(a.clients, conn)
	}
}
