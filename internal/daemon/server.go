package daemon

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/relaychat/relay/internal/config"
	"github.com/relaychat/relay/internal/httpapi"
	"github.com/relaychat/relay/internal/hub"
	"go.uber.org/zap"
)

// Server manages the HTTP/websocket server lifecycle for the daemon.
type Server struct {
	app    *fiber.App
	listen string
	logger *zap.Logger
}

// NewServer creates the fiber app with the REST routes and the websocket
// endpoint mounted.
func NewServer(cfg *config.Config, logger *zap.Logger, api *httpapi.API, h *hub.Hub) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "relayd",
		DisableStartupMessage: true,
	})

	api.Register(app)
	app.Use("/ws", hub.UpgradeGuard)
	app.Get("/ws", h.Handler())

	return &Server{
		app:    app,
		listen: cfg.Listen,
		logger: logger,
	}
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("server starting", zap.String("listen", s.listen))
	return s.app.Listen(s.listen)
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("server stopping")
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		s.logger.Warn("shutdown", zap.Error(err))
	}
}
