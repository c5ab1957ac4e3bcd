package models

import "time"

// LoginAttemptRecord tracks consecutive failed logins for one hashed
// identifier. The raw email never appears in storage; the key is a one-way
// keyed hash. LockUntil is data, not a timer: it is checked lazily on the
// next attempt, so an expired lock simply stops mattering.
type LoginAttemptRecord struct {
	Attempts    int       `json:"attempts" db:"attempts"`
	LastAttempt time.Time `json:"last_attempt" db:"last_attempt"`
	LockUntil   time.Time `json:"lock_until,omitempty" db:"lock_until"`
}

// Locked reports whether the record's lockout window is still open at now.
func (r *LoginAttemptRecord) Locked(now time.Time) bool {
	return !r.LockUntil.IsZero() && now.Before(r.LockUntil)
}

// LoginAttemptKey returns the storage path for a hashed identifier.
func LoginAttemptKey(identifierHash string) string {
	return "loginAttempts/" + identifierHash
}
