package handlers

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Yash-Swaminathan/ChatterBox-sub002/middleware"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/models"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the gateway in front of this service
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla websocket connection to the abstract session
// channel. Writes are serialized with a mutex since gorilla permits only
// one concurrent writer.
type wsConn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	closed atomic.Bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(event models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(event)
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (c *wsConn) Alive() bool {
	return !c.closed.Load()
}

func (c *wsConn) Kind() string {
	return "websocket"
}

func (c *wsConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Close()
}

// WSHandler upgrades connections and runs the per-session read loop
type WSHandler struct {
	sessions *SessionHandler
	logger   *utils.Logger
}

func NewWSHandler(sessions *SessionHandler, logger *utils.Logger) *WSHandler {
	return &WSHandler{sessions: sessions, logger: logger}
}

// Serve handles GET /ws. The token travels in the query parameter because
// browsers cannot set headers on websocket upgrades.
func (h *WSHandler) Serve(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "remote", c.ClientIP(), "error", err)
		return
	}

	conn := newWSConn(ws)
	token := middleware.ExtractToken(c.Request)

	cs, err := h.sessions.Authenticate(c.Request.Context(), token, conn)
	if err != nil {
		h.logger.Info("Connection rejected", "remote", c.ClientIP(), "error", err)
		_ = conn.Close()
		return
	}

	session := cs.Session()
	h.logger.Info("Session connected", "user_id", session.UserID, "session_id", session.ID)

	defer func() {
		cs.Disconnect()
		_ = conn.Close()
		h.logger.Info("Session disconnected", "user_id", session.UserID, "session_id", session.ID)
	}()

	// Single read loop per session keeps event handling in receipt order
	for {
		var event models.Event
		if err := ws.ReadJSON(&event); err != nil {
			conn.closed.Store(true)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Read loop ended", "session_id", session.ID, "error", err)
			}
			return
		}
		cs.HandleEvent(event)
	}
}
