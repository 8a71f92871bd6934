package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"taskcollab/backend/internal/collab"
	"taskcollab/backend/internal/session"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub      *Hub
	engine   collab.Engine
	sessions *session.Manager
	sem      *collab.Semaphore
}

func NewManager(hub *Hub, engine collab.Engine, sessions *session.Manager, sem *collab.Semaphore) *Manager {
	return &Manager{hub: hub, engine: engine, sessions: sessions, sem: sem}
}

// WebSocketConnect upgrades the request and runs the connection until the
// peer goes away. Identity comes from the auth middleware.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade failed origin=%s err=%v", c.Request.Header.Get("Origin"), err)
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, m.engine, m.sessions, m.sem, userID, username)
	go wsConn.writeLoop()
	wsConn.Enqueue(ServerMessage{Type: "welcome"})
	wsConn.readLoop(c.Request.Context())
}
