package events

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operator tokens are checked by middleware before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler upgrades the request and streams hub events until the client
// goes away.
func WSHandler(hub *Hub, log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "ws").Logger()
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		hub.Add(ws)
		log.Debug().Str("remote", c.ClientIP()).Msg("client connected")

		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"welcome","transport":"websocket"}`))

		// Incoming messages are ignored; reading detects the close.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}

		hub.Remove(ws)
		log.Debug().Str("remote", c.ClientIP()).Msg("client disconnected")
	}
}
