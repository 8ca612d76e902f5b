package hub

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/relaychat/relay/internal/apperr"
)

// Handler returns the fiber handler upgrading HTTP connections into hub
// sessions. The bearer credential arrives as a query parameter (browser
// websocket clients cannot set headers) with a header fallback.
func (h *Hub) Handler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		token := c.Query("token")
		if token == "" {
			token = bearerFrom(c.Headers("Authorization"))
		}

		s, err := h.Handshake(context.Background(), token, c)
		if err != nil {
			// Handshake failures are reported on the raw connection and
			// the transport is closed; no session ever registers.
			if frame, encErr := encodeEvent(EvtError, ErrorEvent{
				Code:    string(apperr.CodeOf(err)),
				Message: err.Error(),
			}); encErr == nil {
				_ = c.WriteMessage(websocket.TextMessage, frame)
			}
			_ = c.Close()
			return
		}
		h.Serve(s)
	})
}

// UpgradeGuard rejects plain HTTP requests on the websocket route.
func UpgradeGuard(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func bearerFrom(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
