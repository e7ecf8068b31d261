package fanout

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin policy is enforced by the CORS middleware in front
		// of the router; the upgrade itself accepts any origin.
		return true
	},
}

// WSHandler returns a gin handler that upgrades the request and streams the
// organization's hub events as JSON frames. The socket is send-only from the
// server's perspective; client frames are read solely to observe close and
// pong control messages.
func WSHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := c.GetString("orgID")
		if orgID == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("org_id", orgID).Msg("websocket upgrade failed")
			return
		}

		events, cancel := hub.Subscribe(orgID)
		log.Info().Str("org_id", orgID).Msg("websocket client connected")

		go writePump(conn, orgID, events, cancel)
		readPump(conn, orgID, cancel)
	}
}

// readPump drains client frames until the peer goes away, then cancels the
// subscription so the write side unblocks.
func readPump(conn *websocket.Conn, orgID string, cancel func()) {
	defer func() {
		cancel()
		conn.Close()
		log.Info().Str("org_id", orgID).Msg("websocket client disconnected")
	}()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("org_id", orgID).Msg("websocket read error")
			}
			return
		}
	}
}

// writePump forwards hub events to the socket and keeps the connection
// alive with periodic pings. It exits when the subscription channel closes.
func writePump(conn *websocket.Conn, orgID string, events <-chan Event, cancel func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Str("org_id", orgID).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
