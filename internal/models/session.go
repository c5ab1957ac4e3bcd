package models

import "time"

// Session is a time-bounded authorization grant for one master operator.
// The mutable fields (LastActivity, ExpiresAt, Active, EndTime) are replaced
// wholesale on every update; the session manager is the single writer.
type Session struct {
	SessionID    string    `json:"session_id" db:"session_id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Email        string    `json:"email" db:"email"`
	UserAgent    string    `json:"user_agent" db:"user_agent"`
	IPAddress    string    `json:"ip_address" db:"ip_address"`
	StartTime    time.Time `json:"start_time" db:"start_time"`
	LastActivity time.Time `json:"last_activity" db:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
	EndTime      time.Time `json:"end_time,omitempty" db:"end_time"`
	Active       bool      `json:"active" db:"active"`

	// SessionToken holds the envelope-encrypted token blob as persisted.
	// The plaintext token is returned to the caller exactly once, at
	// creation, and never round-trips through storage reads.
	SessionToken string `json:"session_token" db:"session_token"`
}

// RequestContext carries the client attributes captured at login time.
type RequestContext struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

// SessionKey returns the storage path for a session record.
func SessionKey(sessionID string) string {
	return "sessions/master/" + sessionID
}
