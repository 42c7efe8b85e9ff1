package services

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vanpelt/taskhub/internal/logger"
	"github.com/vanpelt/taskhub/internal/signalr"
	"golang.org/x/sync/errgroup"
)

var ErrConnectionNotFound = errors.New("connection not found")

// BroadcastResult reports what one broadcast call did.
type BroadcastResult struct {
	Attempted int `json:"attempted"`
	Failed    int `json:"failed"`
}

// EvictHook is told about every connection a failed send removed, with the
// project groups it had joined.
type EvictHook func(conn *Connection, projects []string)

// Broadcaster fans frames out to hub connections. Recipients are resolved
// from a registry snapshot, every send runs concurrently, and a connection
// whose send fails is evicted instead of retried.
type Broadcaster struct {
	registry        *ConnectionRegistry
	teamFallbackAll bool

	hookMu  sync.RWMutex
	onEvict EvictHook
}

// NewBroadcaster creates a broadcaster over registry. teamFallbackAll
// decides what a team broadcast does when the team has no registered
// projects: false drops it, true sends it to every connection.
func NewBroadcaster(registry *ConnectionRegistry, teamFallbackAll bool) *Broadcaster {
	return &Broadcaster{
		registry:        registry,
		teamFallbackAll: teamFallbackAll,
	}
}

// OnEvict installs the eviction hook.
func (b *Broadcaster) OnEvict(hook EvictHook) {
	b.hookMu.Lock()
	b.onEvict = hook
	b.hookMu.Unlock()
}

// SendTo delivers a frame to one connection.
func (b *Broadcaster) SendTo(id string, f signalr.Frame) error {
	conn, ok := b.registry.Get(id)
	if !ok {
		return fmt.Errorf("send to %s: %w", id, ErrConnectionNotFound)
	}

	data, err := signalr.Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	if err := conn.Send(data); err != nil {
		b.evict(conn, err)
		return fmt.Errorf("send to %s: %w", id, err)
	}
	b.registry.Touch(id)
	return nil
}

// BroadcastToProject delivers a frame to every member of a project group.
func (b *Broadcaster) BroadcastToProject(projectID string, f signalr.Frame, exclude string) BroadcastResult {
	return b.fanOut(b.registry.recipients([]string{projectID}, false, exclude), f)
}

// BroadcastToTeam delivers a frame to every connection in any project of
// the team. A connection in several of those projects receives it once.
func (b *Broadcaster) BroadcastToTeam(teamID string, f signalr.Frame, exclude string) BroadcastResult {
	conns, hasProjects := b.registry.teamRecipients(teamID, exclude)
	if !hasProjects {
		if b.teamFallbackAll {
			logger.Debugf("team %s has no registered projects, broadcasting to all connections", teamID)
			return b.BroadcastToAll(f, exclude)
		}
		logger.Warnf("⚠️ team %s has no registered projects, dropping team broadcast", teamID)
		return BroadcastResult{}
	}
	return b.fanOut(conns, f)
}

// BroadcastToAll delivers a frame to every live connection.
func (b *Broadcaster) BroadcastToAll(f signalr.Frame, exclude string) BroadcastResult {
	return b.fanOut(b.registry.recipients(nil, true, exclude), f)
}

func (b *Broadcaster) fanOut(conns []*Connection, f signalr.Frame) BroadcastResult {
	result := BroadcastResult{Attempted: len(conns)}
	if len(conns) == 0 {
		return result
	}

	data, err := signalr.Encode(f)
	if err != nil {
		logger.Errorf("❌ failed to encode broadcast frame: %v", err)
		return BroadcastResult{}
	}

	type failure struct {
		conn *Connection
		err  error
	}
	var (
		mu     sync.Mutex
		failed []failure
		g      errgroup.Group
	)

	for _, conn := range conns {
		g.Go(func() error {
			if err := conn.Send(data); err != nil {
				mu.Lock()
				failed = append(failed, failure{conn: conn, err: err})
				mu.Unlock()
				return nil
			}
			b.registry.Touch(conn.ID)
			return nil
		})
	}
	_ = g.Wait()

	for _, fl := range failed {
		b.evict(fl.conn, fl.err)
	}
	result.Failed = len(failed)
	return result
}

// evict removes a connection whose send failed and closes its transport,
// which also ends its session's read loop.
func (b *Broadcaster) evict(conn *Connection, cause error) {
	projects, ok := b.registry.Unregister(conn.ID)
	_ = conn.Close()
	if !ok {
		return
	}

	logger.Warnf("🔌 evicting connection %s (user %s) after failed send: %v", conn.ID, conn.UserID, cause)

	b.hookMu.RLock()
	hook := b.onEvict
	b.hookMu.RUnlock()
	if hook != nil {
		hook(conn, projects)
	}
}
