package services

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/vanpelt/taskhub/internal/logger"
	"github.com/vanpelt/taskhub/internal/models"
	"github.com/vanpelt/taskhub/internal/signalr"
)

// CloseUnauthorized is the websocket close code sent when the bearer token
// is missing or invalid.
const CloseUnauthorized = 4001

// CloseProtocolError is sent when the client negotiates an unsupported protocol.
const CloseProtocolError = 1002

var ErrUnauthorized = errors.New("unauthorized")

// Authenticator verifies the bearer token a hub client connects with.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// HubOptions holds the session timings.
type HubOptions struct {
	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	// ClientTimeout closes a session that sent nothing for this long.
	// Zero disables the check.
	ClientTimeout time.Duration
}

// Hub owns every hub session. It is built once by the composition root and
// handed to the HTTP handlers.
type Hub struct {
	registry    *ConnectionRegistry
	broadcaster *Broadcaster
	auth        Authenticator
	opts        HubOptions
}

// NewHub wires a hub over an existing registry and broadcaster.
func NewHub(registry *ConnectionRegistry, broadcaster *Broadcaster, auth Authenticator, opts HubOptions) *Hub {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 2 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 15 * time.Second
	}

	h := &Hub{
		registry:    registry,
		broadcaster: broadcaster,
		auth:        auth,
		opts:        opts,
	}
	broadcaster.OnEvict(h.notifyLeft)
	return h
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *ConnectionRegistry {
	return h.registry
}

// Broadcaster returns the hub's broadcaster.
func (h *Hub) Broadcaster() *Broadcaster {
	return h.broadcaster
}

// ServeConn runs one connection from authentication to close and returns
// the last state it reached before closing. It blocks until the session ends.
func (h *Hub) ServeConn(ctx context.Context, t Transport, token string) SessionState {
	s := newHubSession(h, t, token)
	return s.run(ctx)
}

// notifyLeft tells the remaining members of each project that a
// connection is gone.
func (h *Hub) notifyLeft(conn *Connection, projects []string) {
	now := time.Now().UTC()
	for _, projectID := range projects {
		inv, err := signalr.NewInvocation(models.MethodUserLeft, models.PresencePayload{
			ProjectID:    projectID,
			UserID:       conn.UserID,
			ConnectionID: conn.ID,
			Timestamp:    now,
		})
		if err != nil {
			logger.Errorf("❌ failed to build %s: %v", models.MethodUserLeft, err)
			continue
		}
		h.broadcaster.BroadcastToProject(projectID, inv, conn.ID)
	}
}

// controlWriter is implemented by websocket transports that can send
// control frames (close, ping, pong).
type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

const closeMessage = 8

// closeWithCode sends a close frame carrying code and reason when the
// transport supports it, then closes it.
func closeWithCode(t Transport, code int, reason string) {
	if cw, ok := t.(controlWriter); ok {
		payload := make([]byte, 2, 2+len(reason))
		binary.BigEndian.PutUint16(payload, uint16(code))
		payload = append(payload, reason...)
		if err := cw.WriteControl(closeMessage, payload, time.Now().Add(time.Second)); err != nil {
			logger.Debugf("close frame not delivered: %v", err)
		}
	}
	_ = t.Close()
}
