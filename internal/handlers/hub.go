package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/vanpelt/taskhub/internal/logger"
	"github.com/vanpelt/taskhub/internal/middleware"
	"github.com/vanpelt/taskhub/internal/models"
	"github.com/vanpelt/taskhub/internal/services"
)

// HubHandler serves the realtime hub: the websocket endpoint plus the small
// HTTP surface CRUD services use to publish events and maintain team mappings.
type HubHandler struct {
	ctx     context.Context
	hub     *services.Hub
	outbox  *services.EventOutbox
	origins []string
}

// NewHubHandler creates a hub handler. ctx bounds every websocket session;
// cancelling it closes them all.
func NewHubHandler(ctx context.Context, hub *services.Hub, outbox *services.EventOutbox, allowedOrigins string) *HubHandler {
	return &HubHandler{
		ctx:     ctx,
		hub:     hub,
		outbox:  outbox,
		origins: splitOrigins(allowedOrigins),
	}
}

func splitOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// HandleWebSocket handles the hub websocket upgrade
// @Summary Realtime hub connection
// @Description Upgrades to a websocket speaking the JSON hub protocol. The token comes from the Authorization header or the access_token query parameter.
// @Tags hub
// @Param access_token query string false "Bearer token"
// @Success 101 {string} string "Switching Protocols"
// @Router /hub [get]
func (h *HubHandler) HandleWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	// the token has to be read before the upgrade hands the connection over
	token := middleware.ExtractToken(c)
	remote := c.IP()

	return websocket.New(func(conn *websocket.Conn) {
		state := h.hub.ServeConn(h.ctx, conn, token)
		logger.Debugf("hub connection from %s ended after %s", remote, state)
	}, websocket.Config{Origins: h.origins})(c)
}

// PublishEvent queues a domain event for delivery
// @Summary Publish a domain event
// @Description Queues a todo/feature/project/session/idea event for delivery to hub clients
// @Tags events
// @Accept json
// @Produce json
// @Param event body models.DomainEvent true "Event"
// @Success 202 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /v1/events [post]
func (h *HubHandler) PublishEvent(c *fiber.Ctx) error {
	var ev models.DomainEvent
	if err := c.BodyParser(&ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid event body",
		})
	}
	if ev.Payload.ID == "" {
		ev.Payload.ID = uuid.New().String()
	}

	if err := h.outbox.Publish(c.UserContext(), ev); err != nil {
		if errors.Is(err, services.ErrInvalidEvent) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		logger.Warnf("⚠️ could not queue %s event: %v", ev.Method, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "event queue unavailable",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"id":     ev.Payload.ID,
		"status": "queued",
	})
}

// PutTeamProject maps a project to a team
// @Summary Register a team project
// @Tags teams
// @Param team path string true "Team ID"
// @Param project path string true "Project ID"
// @Success 204
// @Router /v1/teams/{team}/projects/{project} [put]
func (h *HubHandler) PutTeamProject(c *fiber.Ctx) error {
	h.hub.Registry().RegisterTeamProject(c.Params("team"), c.Params("project"))
	return c.SendStatus(fiber.StatusNoContent)
}

// DeleteTeamProject removes a team to project mapping
// @Summary Unregister a team project
// @Tags teams
// @Param team path string true "Team ID"
// @Param project path string true "Project ID"
// @Success 204
// @Router /v1/teams/{team}/projects/{project} [delete]
func (h *HubHandler) DeleteTeamProject(c *fiber.Ctx) error {
	h.hub.Registry().UnregisterTeamProject(c.Params("team"), c.Params("project"))
	return c.SendStatus(fiber.StatusNoContent)
}

// GetTeamProjects lists the projects registered under a team
// @Summary List team projects
// @Tags teams
// @Produce json
// @Param team path string true "Team ID"
// @Success 200 {object} map[string]interface{}
// @Router /v1/teams/{team}/projects [get]
func (h *HubHandler) GetTeamProjects(c *fiber.Ctx) error {
	team := c.Params("team")
	return c.JSON(fiber.Map{
		"team":     team,
		"projects": h.hub.Registry().ProjectsOfTeam(team),
	})
}

// GetConnections lists live hub connections
// @Summary List hub connections
// @Tags hub
// @Produce json
// @Success 200 {array} services.ConnectionInfo
// @Router /v1/connections [get]
func (h *HubHandler) GetConnections(c *fiber.Ctx) error {
	return c.JSON(h.hub.Registry().Snapshot())
}

// Health reports hub counters
// @Summary Hub health
// @Tags health
// @Produce json
// @Success 200 {object} models.HubHealth
// @Router /health [get]
func (h *HubHandler) Health(c *fiber.Ctx) error {
	return c.JSON(models.HubHealth{
		Status:        "ok",
		Connections:   h.hub.Registry().Count(),
		ProjectGroups: h.hub.Registry().GroupCount(),
		OutboxDepth:   h.outbox.Depth(),
	})
}

// RegisterRoutes mounts the hub endpoints. The websocket route does its own
// authentication so it can answer with a close code instead of a 401.
func (h *HubHandler) RegisterRoutes(app *fiber.App, auth *middleware.AuthMiddleware) {
	app.Get("/health", h.Health)
	app.Get("/hub", h.HandleWebSocket)

	v1 := app.Group("/v1", auth.RequireAuth)
	v1.Post("/events", h.PublishEvent)
	v1.Get("/connections", h.GetConnections)
	v1.Get("/teams/:team/projects", h.GetTeamProjects)
	v1.Put("/teams/:team/projects/:project", h.PutTeamProject)
	v1.Delete("/teams/:team/projects/:project", h.DeleteTeamProject)
}
