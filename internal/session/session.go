package session

import (
	"errors"
	"time"

	"mobide/internal/authsignal"
)

// ErrSessionEnded is returned when a session has no live container.
var ErrSessionEnded = errors.New("session ended")

// Reasons passed to Sink.Ended.
const (
	ReasonEnded    = "Session ended"
	ReasonStopped  = "Session stopped"
	ReasonShutdown = "Server shutting down"
)

// EventType names what a connection is being told.
type EventType string

const (
	EventOutput       EventType = "output"
	EventAuthState    EventType = "auth-state"
	EventAuthDetected EventType = "auth-detected"
	EventFilesChanged EventType = "files-changed"
)

// Event is delivered to every sink attached to a session. Only the field
// matching Type is set.
type Event struct {
	Type   EventType
	Data   string
	Auth   authsignal.State
	Signal authsignal.Signal
}

// Sink is one attached connection.
type Sink interface {
	// ID identifies the sink within its session.
	ID() string
	// Deliver queues an event. It is called with the session locked and
	// must not block or call back into the registry.
	Deliver(Event)
	// Ended tells the sink the session is gone and no more events follow.
	Ended(reason string)
}

// Session is a point-in-time view of a live session.
type Session struct {
	ID           string           `json:"id"`
	ContainerID  string           `json:"containerId,omitempty"`
	Connections  int              `json:"connections"`
	LastActivity time.Time        `json:"lastActivity"`
	Auth         authsignal.State `json:"auth"`
}
