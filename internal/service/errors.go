package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountLocked       = errors.New("account is locked")
	ErrUnauthorized        = errors.New("operator role required")
	ErrSessionExpired      = errors.New("session has expired")
	ErrSessionNotFound     = errors.New("session not found")
	ErrStorageUnavailable  = errors.New("attempt storage unavailable")
	ErrVerifierUnavailable = errors.New("credential verifier unavailable")
)

// AccountLockedError carries the remaining lockout so callers can surface a
// retry hint. It matches ErrAccountLocked under errors.Is.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account is locked, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *AccountLockedError) Unwrap() error {
	return ErrAccountLocked
}
