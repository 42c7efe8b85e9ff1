package handlers

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"github.com/vanpelt/taskhub/internal/logger"
	"github.com/vanpelt/taskhub/internal/models"
	"github.com/vanpelt/taskhub/internal/recovery"
	"github.com/vanpelt/taskhub/internal/services"
)

// MCPProxyHandler keeps MCP client sessions alive across backend restarts.
type MCPProxyHandler struct {
	ctx          context.Context
	streamer     *services.BackendStreamer
	apiKey       string
	ssePath      string
	messagesPath string
	heartbeat    time.Duration

	connections atomic.Int64
}

// NewMCPProxyHandler creates the proxy handler. ctx bounds every relayed
// stream. An empty apiKey accepts any non-empty X-API-Key and leaves the
// check to the backend. Every heartbeat interval an SSE comment is written
// to each client stream; a failed write ends the stream and its upstream.
// Zero disables the heartbeat.
func NewMCPProxyHandler(ctx context.Context, streamer *services.BackendStreamer, apiKey, ssePath, messagesPath string, heartbeat time.Duration) *MCPProxyHandler {
	return &MCPProxyHandler{
		ctx:          ctx,
		streamer:     streamer,
		apiKey:       apiKey,
		ssePath:      ssePath,
		messagesPath: messagesPath,
		heartbeat:    heartbeat,
	}
}

// apiKeyProblem returns why the request's X-API-Key is rejected, or "".
func (h *MCPProxyHandler) apiKeyProblem(c *fiber.Ctx) string {
	key := c.Get("X-API-Key")
	if key == "" {
		return "X-API-Key header required"
	}
	if h.apiKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
		return "invalid API key"
	}
	return ""
}

// requestHeader copies the fiber request headers into an http.Header for
// the backend request.
func requestHeader(c *fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// HandleSSE relays the backend event stream
// @Summary MCP event stream
// @Description Opens a Server-Sent Events stream relayed from the MCP backend. The stream survives backend restarts.
// @Tags mcp
// @Produce text/event-stream
// @Param X-API-Key header string true "API key"
// @Success 200 {string} string "event stream"
// @Failure 401 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /mcp/sse [get]
func (h *MCPProxyHandler) HandleSSE(c *fiber.Ctx) error {
	if problem := h.apiKeyProblem(c); problem != "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": problem,
		})
	}

	rawQuery := string(c.Request().URI().QueryString())
	session, err := h.streamer.Open(h.ctx, h.ssePath, rawQuery, requestHeader(c))
	if err != nil {
		logger.Warnf("⚠️ MCP stream refused, backend unavailable: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "backend unavailable",
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // disable nginx buffering

	h.connections.Add(1)
	logger.Infof("MCP client connected: %s from %s", session.ClientID, c.IP())

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.connections.Add(-1)
		defer session.Release()

		ctx, cancel := context.WithCancel(h.ctx)
		defer cancel()

		var mu sync.Mutex
		emit := func(chunk []byte) error {
			mu.Lock()
			defer mu.Unlock()
			if _, err := w.Write(chunk); err != nil {
				return err
			}
			return w.Flush()
		}

		heartbeatDone := make(chan struct{})
		recovery.SafeGoWithCleanup("mcp-sse-heartbeat", func() {
			h.keepAlive(ctx, session.ClientID, emit, cancel)
		}, func() {
			close(heartbeatDone)
		})

		err := h.streamer.StreamFromBackend(ctx, session, emit)
		cancel()
		<-heartbeatDone

		if errors.Is(err, services.ErrBackendUnavailable) {
			writeSSEError(w, err)
		}

		stats := session.Stats()
		logger.Infof("MCP client disconnected: %s (%d bytes, %d reconnects): %v",
			stats.ClientID, stats.BytesRelayed, stats.Reconnects, err)
	}))

	return nil
}

var ssePing = []byte(": ping\n\n")

// keepAlive writes a comment frame every heartbeat interval and cancels the
// stream once a write fails.
func (h *MCPProxyHandler) keepAlive(ctx context.Context, clientID string, emit services.EmitFunc, clientGone context.CancelFunc) {
	if h.heartbeat <= 0 {
		return
	}
	tick := time.NewTicker(h.heartbeat)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := emit(ssePing); err != nil {
				logger.Debugf("MCP client %s gone, heartbeat failed: %v", clientID, err)
				clientGone()
				return
			}
		}
	}
}

func writeSSEError(w *bufio.Writer, cause error) {
	data, _ := json.Marshal(fiber.Map{
		"error":   "backend unavailable",
		"message": cause.Error(),
	})
	if _, err := fmt.Fprintf(w, "event: error\ndata: %s\n\n", data); err != nil {
		return
	}
	_ = w.Flush()
}

// HandleMessage forwards a client message to the backend
// @Summary Forward an MCP message
// @Description Forwards the request half of an MCP session to the backend, preserving the query string. An empty backend body is returned as {}.
// @Tags mcp
// @Accept json
// @Produce json
// @Param X-API-Key header string true "API key"
// @Success 202 {object} map[string]interface{}
// @Failure 503 {object} map[string]string
// @Router /mcp/messages/{path} [post]
func (h *MCPProxyHandler) HandleMessage(c *fiber.Ctx) error {
	if problem := h.apiKeyProblem(c); problem != "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": problem,
		})
	}

	path := strings.TrimRight(h.messagesPath, "/") + "/" + c.Params("*")
	rawQuery := string(c.Request().URI().QueryString())

	resp, err := h.streamer.ForwardMessage(c.UserContext(), path, rawQuery, requestHeader(c), c.Body())
	if err != nil {
		logger.Warnf("⚠️ MCP message not forwarded: %v", err)
		status := fiber.StatusBadGateway
		if errors.Is(err, services.ErrBackendUnavailable) {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"error": "backend unavailable",
		})
	}

	c.Set("Content-Type", resp.ContentType)
	return c.Status(resp.Status).Send(resp.Body)
}

// Health reports proxy counters and the last known backend state
// @Summary Proxy health
// @Tags health
// @Produce json
// @Success 200 {object} models.ProxyHealth
// @Router /health [get]
func (h *MCPProxyHandler) Health(c *fiber.Ctx) error {
	backend := h.streamer.Health().Status()
	status := "ok"
	if !backend.Reachable && !backend.CheckedAt.IsZero() {
		status = "degraded"
	}
	return c.JSON(models.ProxyHealth{
		Status:      status,
		Connections: h.connections.Load(),
		Backend:     backend,
	})
}

// RegisterRoutes mounts the proxy endpoints.
func (h *MCPProxyHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/mcp/sse", h.HandleSSE)
	app.Post("/mcp/sse", h.HandleSSE)
	app.Post("/mcp/messages/*", h.HandleMessage)
}
