package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanpelt/taskhub/internal/models"
	"github.com/vanpelt/taskhub/internal/signalr"
)

func eventPayload(t *testing.T, inv *signalr.Invocation) models.EventPayload {
	t.Helper()
	var p models.EventPayload
	ok, err := inv.Arg(0, &p)
	require.True(t, ok)
	require.NoError(t, err)
	return p
}

func startOutbox(t *testing.T, b *Broadcaster) *EventOutbox {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	outbox := NewEventOutbox(b, 8)
	done := make(chan struct{})
	go func() {
		outbox.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return outbox
}

func TestEmitter_ProjectEvents(t *testing.T) {
	r, b, _ := newTestBroadcaster(false)
	member, outsider := newFakeTransport(), newFakeTransport()
	r.Join(r.Register(member, "alice"), "p1")
	r.Join(r.Register(outsider, "bob"), "p2")

	emitter := NewEmitter(startOutbox(t, b))
	ctx := context.Background()

	require.NoError(t, emitter.TodoUpdated(ctx, "p1", models.ActionCreated, map[string]any{"id": "todo-1", "title": "write docs"}))
	require.NoError(t, emitter.FeatureUpdated(ctx, "p1", models.ActionUpdated, json.RawMessage(`{"id":"f1","progress":40}`)))
	require.NoError(t, emitter.SessionStarted(ctx, "p1", map[string]string{"id": "s1"}))
	require.NoError(t, emitter.SessionEnded(ctx, "p1", map[string]string{"id": "s1"}))

	require.Eventually(t, func() bool {
		return len(member.invocations(models.MethodSessionEnded)) == 1
	}, waitFor, tick)

	todos := member.invocations(models.MethodTodoUpdated)
	require.Len(t, todos, 1)
	p := eventPayload(t, todos[0])
	assert.Equal(t, models.ActionCreated, p.Action)
	assert.Equal(t, "p1", p.ProjectID)
	assert.NotEmpty(t, p.ID)
	assert.False(t, p.Timestamp.IsZero())
	assert.JSONEq(t, `{"id":"todo-1","title":"write docs"}`, string(p.Data))

	features := member.invocations(models.MethodFeatureUpdated)
	require.Len(t, features, 1)
	assert.JSONEq(t, `{"id":"f1","progress":40}`, string(eventPayload(t, features[0]).Data))

	assert.Len(t, member.invocations(models.MethodSessionStarted), 1)
	assert.Empty(t, outsider.frames())
}

func TestEmitter_TeamEvents(t *testing.T) {
	r, b, _ := newTestBroadcaster(false)
	t1, t2, outsider := newFakeTransport(), newFakeTransport(), newFakeTransport()
	r.Join(r.Register(t1, "u1"), "p1")
	r.Join(r.Register(t2, "u2"), "p2")
	r.Join(r.Register(outsider, "u3"), "p3")
	r.RegisterTeamProject("team", "p1")
	r.RegisterTeamProject("team", "p2")

	emitter := NewEmitter(startOutbox(t, b))
	ctx := context.Background()

	require.NoError(t, emitter.ProjectUpdated(ctx, "team", "p2", models.ActionUpdated, map[string]string{"name": "renamed"}))
	require.NoError(t, emitter.IdeaUpdated(ctx, "team", "", models.ActionCreated, map[string]string{"id": "idea-1"}))
	require.NoError(t, emitter.IdeaUpdated(ctx, "", "p3", models.ActionDeleted, map[string]string{"id": "idea-2"}))

	require.Eventually(t, func() bool {
		return len(outsider.invocations(models.MethodIdeaUpdated)) == 1
	}, waitFor, tick)

	for _, tr := range []*fakeTransport{t1, t2} {
		assert.Len(t, tr.invocations(models.MethodProjectUpdated), 1)
		require.Len(t, tr.invocations(models.MethodIdeaUpdated), 1)
		assert.Equal(t, "team", eventPayload(t, tr.invocations(models.MethodIdeaUpdated)[0]).TeamID)
	}
	assert.Empty(t, outsider.invocations(models.MethodProjectUpdated))
	assert.Equal(t, models.ActionDeleted, eventPayload(t, outsider.invocations(models.MethodIdeaUpdated)[0]).Action)
}

func TestEventOutbox_PublishValidates(t *testing.T) {
	_, b, _ := newTestBroadcaster(false)
	outbox := NewEventOutbox(b, 1)
	ctx := context.Background()

	tests := []struct {
		name string
		ev   models.DomainEvent
	}{
		{"missing method", models.DomainEvent{Scope: models.ScopeAll}},
		{"project scope without project", models.DomainEvent{Method: "todoUpdated", Scope: models.ScopeProject}},
		{"team scope without team", models.DomainEvent{Method: "ideaUpdated", Scope: models.ScopeTeam}},
		{"connection scope without id", models.DomainEvent{Method: "x", Scope: models.ScopeConnection}},
		{"unknown scope", models.DomainEvent{Method: "x", Scope: "galaxy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, outbox.Publish(ctx, tt.ev), ErrInvalidEvent)
		})
	}
	assert.Equal(t, 0, outbox.Depth())
}

func TestEventOutbox_FullOutboxBlocksUntilContextDone(t *testing.T) {
	_, b, _ := newTestBroadcaster(false)
	outbox := NewEventOutbox(b, 1)
	ev := models.DomainEvent{Method: models.MethodTodoUpdated, Scope: models.ScopeAll}

	require.NoError(t, outbox.Publish(context.Background(), ev))
	assert.Equal(t, 1, outbox.Depth())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := outbox.Publish(ctx, ev)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, outbox.Depth(), "nothing was dropped or added")
}

func TestEventOutbox_DrainsOnShutdown(t *testing.T) {
	r, b, _ := newTestBroadcaster(false)
	tr := newFakeTransport()
	r.Register(tr, "alice")

	outbox := NewEventOutbox(b, 4)
	for i := 0; i < 3; i++ {
		require.NoError(t, outbox.Publish(context.Background(), models.DomainEvent{
			Method: models.MethodProjectUpdated,
			Scope:  models.ScopeAll,
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outbox.Run(ctx)

	assert.Len(t, tr.invocations(models.MethodProjectUpdated), 3)
	assert.Equal(t, 0, outbox.Depth())
	assert.ErrorIs(t, outbox.Publish(context.Background(), models.DomainEvent{
		Method: models.MethodProjectUpdated,
		Scope:  models.ScopeAll,
	}), ErrOutboxClosed)
}

func TestEventOutbox_ConnectionScope(t *testing.T) {
	r, b, _ := newTestBroadcaster(false)
	target, other := newFakeTransport(), newFakeTransport()
	id := r.Register(target, "alice")
	r.Register(other, "bob")

	outbox := startOutbox(t, b)
	require.NoError(t, outbox.Publish(context.Background(), models.DomainEvent{
		Method:       models.MethodTodoUpdated,
		Scope:        models.ScopeConnection,
		ConnectionID: id,
	}))

	require.Eventually(t, func() bool {
		return len(target.invocations(models.MethodTodoUpdated)) == 1
	}, waitFor, tick)
	assert.Empty(t, other.frames())
}

func TestToRawJSON(t *testing.T) {
	raw, err := toRawJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	_, err = toRawJSON([]byte("{not json"))
	assert.Error(t, err)

	raw, err = toRawJSON([]byte(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(raw))
}
