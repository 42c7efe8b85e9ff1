package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vanpelt/taskhub/internal/logger"
	"github.com/vanpelt/taskhub/internal/models"
	"github.com/vanpelt/taskhub/internal/recovery"
	"github.com/vanpelt/taskhub/internal/signalr"
)

// SessionState is the lifecycle position of one hub connection.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type readResult struct {
	data []byte
	err  error
}

// hubSession drives one physical connection. Only readPump calls
// ReadMessage; everything else happens on the goroutine running run.
type hubSession struct {
	hub       *Hub
	transport Transport
	token     string

	state   SessionState
	reached SessionState

	userID string
	connID string
	conn   *Connection

	inbound     chan readResult
	done        chan struct{}
	cleanupOnce sync.Once
	lastInbound time.Time

	log zerolog.Logger
}

func newHubSession(h *Hub, t Transport, token string) *hubSession {
	s := &hubSession{
		hub:       h,
		transport: t,
		token:     token,
		inbound:   make(chan readResult, 16),
		done:      make(chan struct{}),
		log:       logger.Component("hub-session"),
	}
	s.setState(StateConnecting)
	return s
}

func (s *hubSession) setState(state SessionState) {
	s.state = state
	if state <= StateActive {
		s.reached = state
	}
}

func (s *hubSession) run(ctx context.Context) SessionState {
	defer s.cleanup()

	s.setState(StateAuthenticating)
	userID, err := s.hub.auth.Authenticate(ctx, s.token)
	if err != nil {
		s.log.Info().Err(err).Msg("🔒 rejecting hub connection")
		closeWithCode(s.transport, CloseUnauthorized, "unauthorized")
		return s.reached
	}
	s.userID = userID
	s.log = s.log.With().Str("user", userID).Logger()

	s.setState(StateHandshaking)
	recovery.SafeGo("hub-read-pump", s.readPump)

	pending, ok := s.awaitHandshake(ctx)
	if !ok {
		return s.reached
	}

	s.conn = s.hub.registry.add(s.transport, userID)
	s.connID = s.conn.ID
	s.log = s.log.With().Str("conn", s.connID).Logger()
	s.lastInbound = time.Now()
	s.setState(StateActive)
	s.log.Info().Msg("📡 hub connection active")

	for _, d := range pending {
		if !s.dispatch(d) {
			return s.reached
		}
	}

	s.loop(ctx)
	return s.reached
}

// readPump forwards raw reads to the session goroutine until the transport
// fails or the session ends.
func (s *hubSession) readPump() {
	for {
		_, data, err := s.transport.ReadMessage()
		select {
		case s.inbound <- readResult{data: data, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// awaitHandshake waits a bounded time for the handshake. Clients that skip
// it are let through when the timer fires. The returned frames arrived in
// the same read as the handshake and still need dispatching.
func (s *hubSession) awaitHandshake(ctx context.Context) ([]signalr.Decoded, bool) {
	timer := time.NewTimer(s.hub.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, false
	case <-timer.C:
		s.log.Debug().Dur("timeout", s.hub.opts.HandshakeTimeout).Msg("no handshake received, continuing")
		return nil, true
	case r := <-s.inbound:
		if r.err != nil {
			s.log.Debug().Err(r.err).Msg("connection closed during handshake")
			return nil, false
		}
		decoded := signalr.Decode(r.data)
		if len(decoded) == 0 {
			return nil, true
		}
		hs, isHandshake := decoded[0].Frame.(signalr.Handshake)
		if !isHandshake {
			return decoded, true
		}
		if err := s.acceptHandshake(hs, s.writeRaw); err != nil {
			s.log.Warn().Err(err).Msg("handshake failed")
			return nil, false
		}
		return decoded[1:], true
	}
}

// acceptHandshake answers a handshake with "{}" and an immediate ping, or
// with an error response for protocols other than json.
func (s *hubSession) acceptHandshake(hs signalr.Handshake, write func([]byte) error) error {
	if hs.Protocol != "" && !strings.EqualFold(hs.Protocol, "json") {
		resp, _ := signalr.Encode(signalr.HandshakeResponse{Error: fmt.Sprintf("protocol %q is not supported", hs.Protocol)})
		_ = write(resp)
		closeWithCode(s.transport, CloseProtocolError, "unsupported protocol")
		return fmt.Errorf("unsupported protocol %q", hs.Protocol)
	}
	if err := write(signalr.HandshakeAck()); err != nil {
		return err
	}
	return write(signalr.PingFrame())
}

// writeRaw writes before the connection is registered. No other goroutine
// writes to the transport at that point.
func (s *hubSession) writeRaw(data []byte) error {
	if ds, ok := s.transport.(deadlineSetter); ok && s.hub.registry.writeTimeout > 0 {
		_ = ds.SetWriteDeadline(time.Now().Add(s.hub.registry.writeTimeout))
	}
	return s.transport.WriteMessage(textMessage, data)
}

func (s *hubSession) writeConn(data []byte) error {
	if err := s.conn.Send(data); err != nil {
		return err
	}
	s.hub.registry.Touch(s.connID)
	return nil
}

func (s *hubSession) loop(ctx context.Context) {
	ticker := time.NewTicker(s.hub.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-s.inbound:
			if r.err != nil {
				s.log.Debug().Err(r.err).Msg("hub read ended")
				return
			}
			s.lastInbound = time.Now()
			s.hub.registry.Touch(s.connID)
			for _, d := range signalr.Decode(r.data) {
				if !s.dispatch(d) {
					return
				}
			}
		case <-ticker.C:
			if timeout := s.hub.opts.ClientTimeout; timeout > 0 && time.Since(s.lastInbound) > timeout {
				s.log.Info().Dur("idle", time.Since(s.lastInbound)).Msg("⏱️ closing idle hub connection")
				return
			}
			if err := s.hub.broadcaster.SendTo(s.connID, signalr.Ping{}); err != nil {
				s.log.Debug().Err(err).Msg("keepalive failed")
				return
			}
		}
	}
}

// dispatch handles one decoded frame. It returns false when the session
// should close.
func (s *hubSession) dispatch(d signalr.Decoded) bool {
	if d.Err != nil {
		s.log.Warn().Err(d.Err).Int("bytes", len(d.Raw)).Msg("dropping undecodable frame")
		return true
	}

	switch f := d.Frame.(type) {
	case signalr.Ping:
		return true
	case signalr.Handshake:
		// late handshake from a client that was let through on timeout
		if err := s.acceptHandshake(f, s.writeConn); err != nil {
			s.log.Warn().Err(err).Msg("late handshake failed")
			return false
		}
		return true
	case signalr.Close:
		s.log.Debug().Str("reason", f.Error).Msg("client requested close")
		return false
	case *signalr.Invocation:
		s.invoke(f)
		return true
	default:
		s.log.Debug().Str("frame", fmt.Sprintf("%T", f)).Msg("ignoring unsupported frame")
		return true
	}
}

func (s *hubSession) invoke(inv *signalr.Invocation) {
	switch strings.ToLower(inv.Target) {
	case strings.ToLower(models.MethodJoinProject):
		s.joinProject(inv)
	case strings.ToLower(models.MethodLeaveProject):
		s.leaveProject(inv)
	case strings.ToLower(models.MethodSendUserActivity):
		s.sendUserActivity(inv)
	default:
		s.log.Warn().Str("target", inv.Target).Msg("unknown hub method")
	}
}

func (s *hubSession) presence(projectID string) models.PresencePayload {
	return models.PresencePayload{
		ProjectID:    projectID,
		UserID:       s.userID,
		ConnectionID: s.connID,
		Timestamp:    time.Now().UTC(),
	}
}

func (s *hubSession) joinProject(inv *signalr.Invocation) {
	projectID, ok := inv.StringArg(0)
	if !ok {
		s.log.Warn().Msg("JoinProject without a project id")
		return
	}

	first := s.hub.registry.Join(s.connID, projectID)
	s.reply(models.MethodJoinedProject, s.presence(projectID))
	if !first {
		return
	}

	s.log.Debug().Str("project", projectID).Msg("joined project")
	s.broadcast(projectID, models.MethodUserJoined, s.presence(projectID))
}

func (s *hubSession) leaveProject(inv *signalr.Invocation) {
	projectID, ok := inv.StringArg(0)
	if !ok {
		s.log.Warn().Msg("LeaveProject without a project id")
		return
	}
	if !s.hub.registry.Leave(s.connID, projectID) {
		return
	}

	s.log.Debug().Str("project", projectID).Msg("left project")
	s.reply(models.MethodLeftProject, s.presence(projectID))
	s.broadcast(projectID, models.MethodUserLeft, s.presence(projectID))
}

func (s *hubSession) sendUserActivity(inv *signalr.Invocation) {
	projectID, ok := inv.StringArg(0)
	if !ok {
		s.log.Warn().Msg("SendUserActivity without a project id")
		return
	}
	action, ok := inv.StringArg(1)
	if !ok {
		s.log.Warn().Str("project", projectID).Msg("SendUserActivity without an action")
		return
	}

	payload := models.ActivityPayload{
		ProjectID:    projectID,
		UserID:       s.userID,
		ConnectionID: s.connID,
		Action:       action,
		Timestamp:    time.Now().UTC(),
	}
	if featureID, ok := inv.StringArg(2); ok {
		payload.FeatureID = &featureID
	}
	s.broadcast(projectID, models.MethodUserActivity, payload)
}

func (s *hubSession) reply(method string, payload any) {
	inv, err := signalr.NewInvocation(method, payload)
	if err != nil {
		s.log.Error().Err(err).Str("method", method).Msg("failed to build reply")
		return
	}
	if err := s.hub.broadcaster.SendTo(s.connID, inv); err != nil {
		s.log.Debug().Err(err).Str("method", method).Msg("reply not delivered")
	}
}

func (s *hubSession) broadcast(projectID, method string, payload any) {
	inv, err := signalr.NewInvocation(method, payload)
	if err != nil {
		s.log.Error().Err(err).Str("method", method).Msg("failed to build broadcast")
		return
	}
	s.hub.broadcaster.BroadcastToProject(projectID, inv, s.connID)
}

// cleanup unregisters the connection exactly once, tells the remaining
// project members, and closes the transport so readPump exits.
func (s *hubSession) cleanup() {
	s.cleanupOnce.Do(func() {
		s.setState(StateClosing)
		close(s.done)

		if s.connID != "" {
			if projects, ok := s.hub.registry.Unregister(s.connID); ok {
				s.hub.notifyLeft(s.conn, projects)
			}
			_ = s.conn.Close()
			s.log.Info().Msg("🔌 hub connection closed")
		} else {
			_ = s.transport.Close()
		}

		s.setState(StateClosed)
	})
}
