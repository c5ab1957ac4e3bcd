package models

import "time"

// Event levels, in increasing severity. Error and Critical additionally
// trigger synchronous alert dispatch.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// Event types emitted by the auth gateway and session manager.
const (
	EventLoginSuccess   = "login_success"
	EventLoginFailed    = "login_failed"
	EventLoginBlocked   = "login_blocked"
	EventLogout         = "logout"
	EventSessionCreated = "session_created"
	EventSessionEnded   = "session_ended"
	EventUnauthorized   = "unauthorized_access"
	EventStorageFailure = "storage_failure"
)

// SecurityEvent is an immutable, append-only record of an auth/session
// occurrence. Events are queued in-process and flushed in batches to the
// durable sinks; a bounded ring keeps the most recent ones for local queries.
type SecurityEvent struct {
	ID          string            `json:"id" db:"id"`
	Timestamp   time.Time         `json:"timestamp" db:"event_time"`
	EventType   string            `json:"event_type" db:"event_type"`
	Level       string            `json:"level" db:"level"`
	UserID      string            `json:"user_id,omitempty" db:"user_id"`
	Message     string            `json:"message" db:"message"`
	Details     map[string]string `json:"details,omitempty" db:"details"`
	IPAddress   string            `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent   string            `json:"user_agent,omitempty" db:"user_agent"`
	SessionID   string            `json:"session_id,omitempty" db:"session_id"`
	EventBucket int               `json:"event_bucket" db:"event_bucket"`
}

// Severe reports whether the event must be handed to alert handlers.
func (e *SecurityEvent) Severe() bool {
	return e.Level == LevelError || e.Level == LevelCritical
}

// EventFilter narrows a local event query. Zero values match everything.
type EventFilter struct {
	EventType string
	Level     string
	UserID    string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// EventStats aggregates event counts over a rolling window.
type EventStats struct {
	Window        string         `json:"window"`
	Total         int            `json:"total"`
	ByLevel       map[string]int `json:"by_level"`
	ByType        map[string]int `json:"by_type"`
	TopActors     []ActorCount   `json:"top_actors"`
	FlaggedActors []ActorCount   `json:"flagged_actors"` // >=3 failed logins in window
}

// ActorCount pairs a user identifier with an event count.
type ActorCount struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}
