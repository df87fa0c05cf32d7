// Package proxy serves the browser side of a session bridge over
// WebSocket.
package proxy

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/companion/internal/bridge"
	"github.com/shehryarbajwa/companion/internal/logging"
)

var log = logging.NewLogger("proxy")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 << 20 // user messages may carry images
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Sessions looks up the bridge a browser wants to attach to
type Sessions interface {
	GetSession(id string) (*bridge.Bridge, error)
}

type Server struct {
	sessions Sessions
}

func NewServer(sessions Sessions) *Server {
	return &Server{
		sessions: sessions,
	}
}

// wsConn serializes writes; gorilla allows only one concurrent writer
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// HandleBrowserConnection attaches a browser to the session. The optional
// lastSeq query parameter is the highest event seq the browser already has.
func (s *Server) HandleBrowserConnection(w http.ResponseWriter, r *http.Request, sessionID string) {
	b, err := s.sessions.GetSession(sessionID)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	var lastSeq int64
	if v := r.URL.Query().Get("lastSeq"); v != "" {
		lastSeq, err = strconv.ParseInt(v, 10, 64)
		if err != nil || lastSeq < 0 {
			http.Error(w, "lastSeq must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithField("session_id", sessionID).Warn("Failed to upgrade connection")
		return
	}

	ws := &wsConn{conn: conn}
	client := b.Attach(ws, lastSeq)
	defer b.Detach(client)

	entry := log.WithField("session_id", sessionID).WithField("client_id", client.ID)
	entry.WithField("last_seq", lastSeq).Info("Browser attached")

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go keepAlive(ws, client.Done())

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				entry.WithError(err).Warn("WebSocket error")
			}
			break
		}
		if err := b.HandleBrowserMessage(client, message); err != nil {
			entry.WithError(err).Debug("Session closed")
			break
		}
	}

	entry.Info("Browser detached")
}

func keepAlive(ws *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				return
			}
		}
	}
}
