package realtime

import (
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/realtime"
	"github.com/chirino/chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// MountRoutes mounts the websocket endpoint. Identity is resolved before the
// upgrade, from the Authorization header or the access_token query parameter.
func MountRoutes(r *gin.Engine, gateway *realtime.Gateway, cfg *config.Config, resolver security.IdentityResolver) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(cfg.AllowedOrigins()),
	}
	opts := realtime.ConnectionOptions{
		SendBuffer:   cfg.WSSendBuffer,
		WriteWait:    cfg.WSWriteWait,
		PingPeriod:   cfg.WSPingPeriod,
		PongWait:     cfg.WSPongWait,
		MaxFrameSize: cfg.WSMaxFrameSize,
	}

	r.GET("/v1/ws", security.WebSocketAuthMiddleware(resolver), func(c *gin.Context) {
		userID := security.GetUserID(c)
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the response.
			log.Debug("Websocket upgrade failed", "userId", userID, "err", err)
			return
		}
		conn := realtime.NewConnection(userID, ws, opts)
		gateway.Serve(c.Request.Context(), conn, cfg.WSMaxInflight)
	})
}

// checkOrigin returns nil for an empty allow list, which makes the upgrader
// enforce same-origin requests.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		log.Warn("Websocket origin rejected", "origin", origin)
		return false
	}
}
