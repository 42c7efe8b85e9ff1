package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vanpelt/taskhub/internal/logger"
	"github.com/vanpelt/taskhub/internal/models"
	"github.com/vanpelt/taskhub/internal/signalr"
)

var (
	ErrOutboxClosed = errors.New("event outbox closed")
	ErrInvalidEvent = errors.New("invalid domain event")
)

// EventOutbox decouples CRUD writes from websocket delivery. Writers
// enqueue domain events; a single consumer drains them into the
// broadcaster.
type EventOutbox struct {
	events      chan models.DomainEvent
	broadcaster *Broadcaster
	closed      chan struct{}
	closeOnce   sync.Once
	now         func() time.Time
}

// NewEventOutbox creates an outbox holding up to size pending events.
func NewEventOutbox(b *Broadcaster, size int) *EventOutbox {
	if size <= 0 {
		size = 1024
	}
	return &EventOutbox{
		events:      make(chan models.DomainEvent, size),
		broadcaster: b,
		closed:      make(chan struct{}),
		now:         time.Now,
	}
}

// Publish validates ev and queues it. It blocks while the outbox is full
// rather than dropping the event, until ctx is done.
func (o *EventOutbox) Publish(ctx context.Context, ev models.DomainEvent) error {
	if err := validateEvent(ev); err != nil {
		return err
	}
	if ev.Payload.ID == "" {
		ev.Payload.ID = uuid.New().String()
	}
	if ev.Payload.Timestamp.IsZero() {
		ev.Payload.Timestamp = o.now().UTC()
	}
	if ev.Payload.ProjectID == "" {
		ev.Payload.ProjectID = ev.ProjectID
	}
	if ev.Payload.TeamID == "" {
		ev.Payload.TeamID = ev.TeamID
	}

	select {
	case <-o.closed:
		return ErrOutboxClosed
	default:
	}

	select {
	case o.events <- ev:
		return nil
	case <-o.closed:
		return ErrOutboxClosed
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", ev.Method, ctx.Err())
	}
}

func validateEvent(ev models.DomainEvent) error {
	if ev.Method == "" {
		return fmt.Errorf("%w: method is required", ErrInvalidEvent)
	}
	switch ev.Scope {
	case models.ScopeProject:
		if ev.ProjectID == "" {
			return fmt.Errorf("%w: project scope needs projectId", ErrInvalidEvent)
		}
	case models.ScopeTeam:
		if ev.TeamID == "" {
			return fmt.Errorf("%w: team scope needs teamId", ErrInvalidEvent)
		}
	case models.ScopeConnection:
		if ev.ConnectionID == "" {
			return fmt.Errorf("%w: connection scope needs connectionId", ErrInvalidEvent)
		}
	case models.ScopeAll:
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidEvent, ev.Scope)
	}
	return nil
}

// Run drains the outbox until ctx is done, then delivers whatever is
// still queued and returns.
func (o *EventOutbox) Run(ctx context.Context) {
	logger.Debug("event outbox consumer started")
	for {
		select {
		case ev := <-o.events:
			o.deliver(ev)
		case <-ctx.Done():
			o.Close()
			o.drain()
			logger.Debug("event outbox consumer stopped")
			return
		}
	}
}

func (o *EventOutbox) drain() {
	for {
		select {
		case ev := <-o.events:
			o.deliver(ev)
		default:
			return
		}
	}
}

// Close stops accepting new events. Queued events are still delivered by Run.
func (o *EventOutbox) Close() {
	o.closeOnce.Do(func() { close(o.closed) })
}

// Depth is the number of queued events.
func (o *EventOutbox) Depth() int {
	return len(o.events)
}

func (o *EventOutbox) deliver(ev models.DomainEvent) BroadcastResult {
	inv, err := signalr.NewInvocation(ev.Method, ev.Payload)
	if err != nil {
		logger.Errorf("❌ dropping %s event %s: %v", ev.Method, ev.Payload.ID, err)
		return BroadcastResult{}
	}

	var result BroadcastResult
	switch ev.Scope {
	case models.ScopeProject:
		result = o.broadcaster.BroadcastToProject(ev.ProjectID, inv, ev.Exclude)
	case models.ScopeTeam:
		result = o.broadcaster.BroadcastToTeam(ev.TeamID, inv, ev.Exclude)
	case models.ScopeAll:
		result = o.broadcaster.BroadcastToAll(inv, ev.Exclude)
	case models.ScopeConnection:
		result.Attempted = 1
		if err := o.broadcaster.SendTo(ev.ConnectionID, inv); err != nil {
			result.Failed = 1
			logger.Debugf("%s to %s not delivered: %v", ev.Method, ev.ConnectionID, err)
		}
	}

	logger.Debugf("📣 %s (%s) delivered to %d connections, %d failed", ev.Method, ev.Scope, result.Attempted-result.Failed, result.Failed)
	return result
}

// Emitter turns application facts into hub events. CRUD services call it
// after a successful write.
type Emitter struct {
	outbox *EventOutbox
}

// NewEmitter creates an emitter publishing to outbox.
func NewEmitter(outbox *EventOutbox) *Emitter {
	return &Emitter{outbox: outbox}
}

// TodoUpdated notifies a project that one of its todos changed.
func (e *Emitter) TodoUpdated(ctx context.Context, projectID string, action models.EventAction, todo any) error {
	return e.emit(ctx, models.MethodTodoUpdated, models.ScopeProject, "", projectID, action, todo)
}

// FeatureUpdated notifies a project that a feature or its progress changed.
func (e *Emitter) FeatureUpdated(ctx context.Context, projectID string, action models.EventAction, feature any) error {
	return e.emit(ctx, models.MethodFeatureUpdated, models.ScopeProject, "", projectID, action, feature)
}

// ProjectUpdated notifies the owning team, or the project itself when the
// project has no team.
func (e *Emitter) ProjectUpdated(ctx context.Context, teamID, projectID string, action models.EventAction, project any) error {
	if teamID != "" {
		return e.emit(ctx, models.MethodProjectUpdated, models.ScopeTeam, teamID, projectID, action, project)
	}
	return e.emit(ctx, models.MethodProjectUpdated, models.ScopeProject, "", projectID, action, project)
}

// SessionStarted notifies a project that an agent work session began.
func (e *Emitter) SessionStarted(ctx context.Context, projectID string, session any) error {
	return e.emit(ctx, models.MethodSessionStarted, models.ScopeProject, "", projectID, models.ActionCreated, session)
}

// SessionEnded notifies a project that an agent work session finished.
func (e *Emitter) SessionEnded(ctx context.Context, projectID string, session any) error {
	return e.emit(ctx, models.MethodSessionEnded, models.ScopeProject, "", projectID, models.ActionUpdated, session)
}

// IdeaUpdated notifies the team an idea belongs to, or its project.
func (e *Emitter) IdeaUpdated(ctx context.Context, teamID, projectID string, action models.EventAction, idea any) error {
	if teamID != "" {
		return e.emit(ctx, models.MethodIdeaUpdated, models.ScopeTeam, teamID, projectID, action, idea)
	}
	return e.emit(ctx, models.MethodIdeaUpdated, models.ScopeProject, "", projectID, action, idea)
}

func (e *Emitter) emit(ctx context.Context, method string, scope models.EventScope, teamID, projectID string, action models.EventAction, data any) error {
	raw, err := toRawJSON(data)
	if err != nil {
		return fmt.Errorf("%s payload: %w", method, err)
	}
	return e.outbox.Publish(ctx, models.DomainEvent{
		Method:    method,
		Scope:     scope,
		ProjectID: projectID,
		TeamID:    teamID,
		Payload: models.EventPayload{
			Action:    action,
			ProjectID: projectID,
			TeamID:    teamID,
			Data:      raw,
		},
	})
}

func toRawJSON(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	case []byte:
		if !json.Valid(d) {
			return nil, errors.New("data is not valid JSON")
		}
		return d, nil
	default:
		return json.Marshal(v)
	}
}
