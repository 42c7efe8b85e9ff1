package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	"github.com/spf13/cobra"
	"github.com/vanpelt/taskhub/internal/config"
	"github.com/vanpelt/taskhub/internal/handlers"
	"github.com/vanpelt/taskhub/internal/logger"
	"github.com/vanpelt/taskhub/internal/recovery"
	"github.com/vanpelt/taskhub/internal/services"
)

var (
	proxyPort    int
	proxyBackend string
)

var mcpProxyCmd = &cobra.Command{
	Use:   "mcp-proxy",
	Short: "🔁 Run the reconnecting MCP stream proxy",
	Long: `# 🔁 MCP Proxy

Fronts an MCP server's SSE transport. Client streams stay open while the backend restarts;
the proxy reconnects behind them and rewrites endpoint announcements to its own address.

Settings come from the optional **--config** file and **MCP_*** environment variables.`,
	Example: `  # Proxy a local MCP server
  MCP_BACKEND_URL=http://localhost:8000 taskhub mcp-proxy

  # Advertise a public address in endpoint events
  MCP_PROXY_PUBLIC_URL=https://mcp.example.com taskhub mcp-proxy --port 8001`,
	RunE: runMCPProxy,
}

func init() {
	rootCmd.AddCommand(mcpProxyCmd)
	mcpProxyCmd.Flags().IntVarP(&proxyPort, "port", "p", 0, "Port to listen on (overrides MCP_PROXY_PORT)")
	mcpProxyCmd.Flags().StringVar(&proxyBackend, "backend", "", "Backend base URL (overrides MCP_BACKEND_URL)")
}

func runMCPProxy(cmd *cobra.Command, args []string) error {
	dev := isDev()
	logger.Configure("mcp-proxy", logger.LevelFromEnv(dev), dev)

	cfg, err := config.LoadProxy(configPath)
	if err != nil {
		return fmt.Errorf("load proxy config: %w", err)
	}
	if proxyPort != 0 {
		cfg.Port = proxyPort
	}
	if proxyBackend != "" {
		cfg.BackendURL = proxyBackend
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid proxy config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := services.NewBackendHealth(cfg.BackendURL)
	streamer := services.NewBackendStreamer(services.StreamerOptions{
		BackendURL:         cfg.BackendURL,
		ExternalURL:        cfg.ExternalURL(),
		MaxAttempts:        cfg.MaxAttempts,
		RetryDelay:         cfg.RetryDelay,
		ConnectTimeout:     cfg.ConnectTimeout,
		HealthyStreamAfter: cfg.HealthyStreamAfter,
	}, health)

	recovery.SafeGo("backend-health", func() {
		health.Watch(ctx, cfg.HealthProbeInterval, streamer.Client())
	})

	app := fiber.New(fiber.Config{
		AppName:               "taskhub-mcp-proxy",
		DisableStartupMessage: true,
	})
	app.Use(fiberrecover.New())
	app.Use(handlers.SamplingLogger(handlers.SamplingConfig{
		Every: 20,
		Paths: []string{"/health"},
	}))
	app.Get("/swagger/*", swagger.HandlerDefault)

	handlers.NewMCPProxyHandler(ctx, streamer, cfg.APIKey, cfg.SSEPath, cfg.MessagesPath, cfg.HeartbeatInterval).RegisterRoutes(app)

	serveErr := make(chan error, 1)
	recovery.SafeGo("mcp-proxy-listener", func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Infof("🔁 MCP proxy listening on %s, backend %s, public %s", addr, cfg.BackendURL, cfg.ExternalURL())
		serveErr <- app.Listen(addr)
	})

	select {
	case <-ctx.Done():
		logger.Info("🛑 shutting down MCP proxy")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("proxy listener: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warnf("⚠️ proxy shutdown: %v", err)
	}
	return nil
}
