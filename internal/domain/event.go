package domain

import "time"

type EventKind string

const (
	EventEnrolled  EventKind = "enrolled"
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventLog       EventKind = "log"
	EventCompleted EventKind = "completed"
	EventStopped   EventKind = "stopped"
	EventKilled    EventKind = "killed"
	EventFailed    EventKind = "failed"
	EventDestroyed EventKind = "destroyed"
)

// Terminal reports whether the event ends a session.
func (k EventKind) Terminal() bool {
	switch k {
	case EventCompleted, EventStopped, EventKilled, EventFailed:
		return true
	default:
		return false
	}
}

// SessionEvent is what observers of a session receive.
type SessionEvent struct {
	Kind     EventKind       `json:"kind"`
	Identity IdentityID      `json:"identity"`
	Message  string          `json:"message,omitempty"`
	Session  SessionSnapshot `json:"session"`
	At       time.Time       `json:"at"`
}
