package models

import (
	"encoding/json"
	"time"
)

// Hub methods the browser client may invoke.
const (
	MethodJoinProject      = "JoinProject"
	MethodLeaveProject     = "LeaveProject"
	MethodSendUserActivity = "SendUserActivity"
)

// Hub methods the server invokes on the browser client.
const (
	MethodTodoUpdated    = "todoUpdated"
	MethodFeatureUpdated = "featureUpdated"
	MethodProjectUpdated = "projectUpdated"
	MethodSessionStarted = "sessionStarted"
	MethodSessionEnded   = "sessionEnded"
	MethodIdeaUpdated    = "ideaUpdated"
	MethodUserJoined     = "userJoined"
	MethodUserLeft       = "userLeft"
	MethodUserActivity   = "userActivity"
	MethodJoinedProject  = "joinedProject"
	MethodLeftProject    = "leftProject"
)

// EventAction describes what happened to the entity in an event.
type EventAction string

const (
	ActionCreated EventAction = "created"
	ActionUpdated EventAction = "updated"
	ActionDeleted EventAction = "deleted"
)

// EventScope selects the recipients of a domain event.
type EventScope string

const (
	ScopeProject    EventScope = "project"
	ScopeTeam       EventScope = "team"
	ScopeAll        EventScope = "all"
	ScopeConnection EventScope = "connection"
)

// PresencePayload is the single argument of userJoined, userLeft,
// joinedProject and leftProject.
type PresencePayload struct {
	ProjectID    string    `json:"projectId"`
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
}

// ActivityPayload is the single argument of userActivity.
type ActivityPayload struct {
	ProjectID    string    `json:"projectId"`
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	Action       string    `json:"action"`
	FeatureID    *string   `json:"featureId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventPayload is the single argument of every domain event method
// (todoUpdated, featureUpdated, ...). Data is the entity as the CRUD layer
// serialized it.
type EventPayload struct {
	ID        string          `json:"id"`
	Action    EventAction     `json:"action"`
	ProjectID string          `json:"projectId,omitempty"`
	TeamID    string          `json:"teamId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// DomainEvent is one unit of work on the hub outbox.
type DomainEvent struct {
	Method       string       `json:"method"`
	Scope        EventScope   `json:"scope"`
	ProjectID    string       `json:"projectId,omitempty"`
	TeamID       string       `json:"teamId,omitempty"`
	ConnectionID string       `json:"connectionId,omitempty"`
	Exclude      string       `json:"exclude,omitempty"`
	Payload      EventPayload `json:"payload"`
}

// HubHealth is the body of the hub's GET /health.
type HubHealth struct {
	Status        string `json:"status"`
	Connections   int    `json:"connections"`
	ProjectGroups int    `json:"project_groups"`
	OutboxDepth   int    `json:"outbox_depth"`
}

// BackendStatus is the proxy's last known view of the backend.
type BackendStatus struct {
	URL       string    `json:"url"`
	Reachable bool      `json:"reachable"`
	CheckedAt time.Time `json:"checked_at"`
	LastError string    `json:"last_error,omitempty"`
}

// ProxyHealth is the body of the proxy's GET /health.
type ProxyHealth struct {
	Status      string        `json:"status"`
	Connections int64         `json:"connections"`
	Backend     BackendStatus `json:"backend"`
}
