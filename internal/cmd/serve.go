package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	"github.com/spf13/cobra"
	_ "github.com/vanpelt/taskhub/docs"
	"github.com/vanpelt/taskhub/internal/config"
	"github.com/vanpelt/taskhub/internal/handlers"
	"github.com/vanpelt/taskhub/internal/logger"
	"github.com/vanpelt/taskhub/internal/middleware"
	"github.com/vanpelt/taskhub/internal/recovery"
	"github.com/vanpelt/taskhub/internal/services"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "🔌 Run the realtime hub",
	Long: `# 🔌 Serve

Starts the WebSocket hub on **/hub** together with the event API CRUD services publish to.

Settings come from the optional **--config** file and **HUB_*** environment variables.
Leaving **HUB_AUTH_SECRET** empty disables authentication; every client is then **anonymous**.`,
	Example: `  # Hub on the default port with auth
  HUB_AUTH_SECRET=change-me taskhub serve

  # Development mode with console logs
  TASKHUB_DEV=true taskhub serve --port 9090`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides HUB_PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	dev := isDev()
	logger.Configure("hub", logger.LevelFromEnv(dev), dev)

	cfg, err := config.LoadHub(configPath)
	if err != nil {
		return fmt.Errorf("load hub config: %w", err)
	}
	if servePort != 0 {
		cfg.Port = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := services.NewConnectionRegistry(cfg.WriteTimeout)
	broadcaster := services.NewBroadcaster(registry, cfg.TeamFallbackAll)
	auth := middleware.NewAuthMiddleware(cfg.AuthSecret, cfg.AuthIssuer)
	if auth == nil {
		logger.Warn("⚠️ HUB_AUTH_SECRET is empty, authentication is disabled")
	}

	hub := services.NewHub(registry, broadcaster, auth, services.HubOptions{
		HandshakeTimeout:  cfg.HandshakeTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		ClientTimeout:     cfg.ClientTimeout,
	})

	outbox := services.NewEventOutbox(broadcaster, cfg.OutboxSize)
	outboxDone := make(chan struct{})
	recovery.SafeGoWithCleanup("event-outbox", func() {
		outbox.Run(ctx)
	}, func() {
		close(outboxDone)
	})

	app := fiber.New(fiber.Config{
		AppName:               "taskhub",
		DisableStartupMessage: true,
	})
	app.Use(fiberrecover.New())
	app.Use(cors.New(cors.Config{AllowOrigins: cfg.AllowedOrigins}))
	app.Use(handlers.SamplingLogger(handlers.SamplingConfig{
		Every: 20,
		Paths: []string{"/health"},
	}))
	app.Get("/swagger/*", swagger.HandlerDefault)

	handlers.NewHubHandler(ctx, hub, outbox, cfg.AllowedOrigins).RegisterRoutes(app, auth)

	serveErr := make(chan error, 1)
	recovery.SafeGo("hub-listener", func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Infof("🔌 hub listening on %s", addr)
		serveErr <- app.Listen(addr)
	})

	select {
	case <-ctx.Done():
		logger.Info("🛑 shutting down hub")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("hub listener: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warnf("⚠️ hub shutdown: %v", err)
	}

	// cancelling ctx makes the outbox deliver what is queued and stop
	stop()
	select {
	case <-outboxDone:
	case <-shutdownCtx.Done():
		logger.Warn("⚠️ event outbox did not drain before shutdown deadline")
	}
	return nil
}
