package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"master-session-service/internal/config"
	"master-session-service/internal/hashing"
	"master-session-service/internal/models"
	"master-session-service/internal/repository"
	"master-session-service/internal/util"
)

// AttemptTracker counts failed logins per identifier and enforces the
// lockout window. The lock is data, not a timer: every check reads the
// stored record and compares against the clock, so restarts cannot unlock
// anyone early.
type AttemptTracker struct {
	store  repository.KeyedStore
	hasher *hashing.Hasher
	config config.AuthConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewAttemptTracker(
	store repository.KeyedStore,
	hasher *hashing.Hasher,
	cfg *config.Config,
	logger *zap.Logger,
) *AttemptTracker {
	return &AttemptTracker{
		store:  store,
		hasher: hasher,
		config: cfg.Auth,
		logger: logger,
		now:    time.Now,
	}
}

// CheckLocked reports whether the identifier is currently locked out and,
// if so, how long until the lock elapses. A missing record means no failed
// attempts on file.
func (t *AttemptTracker) CheckLocked(ctx context.Context, identifier string) (bool, time.Duration, error) {
	record, err := t.load(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	now := t.now().UTC()
	if record.Locked(now) {
		return true, record.LockUntil.Sub(now), nil
	}
	return false, 0, nil
}

// RecordFailure increments the failure count and engages the lockout once
// the attempt limit is reached. A failure after an elapsed lock starts a
// fresh count at one. It returns the updated count and, when the lock
// engaged on this call, the lock deadline.
func (t *AttemptTracker) RecordFailure(ctx context.Context, identifier string) (int, time.Time, error) {
	now := t.now().UTC()

	record, err := t.load(ctx, identifier)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return 0, time.Time{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		record = &models.LoginAttemptRecord{}
	}

	if !record.LockUntil.IsZero() && !now.Before(record.LockUntil) {
		// Lock elapsed: the old streak is spent, this failure opens a new one.
		record.Attempts = 0
		record.LockUntil = time.Time{}
	}

	record.Attempts++
	record.LastAttempt = now
	if record.Attempts >= t.config.MaxLoginAttempts {
		record.LockUntil = now.Add(t.config.LockoutDuration)
	}

	if err := t.save(ctx, identifier, record); err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if !record.LockUntil.IsZero() {
		t.logger.Warn("Login attempt limit reached, lockout engaged",
			util.String("identifier_key", t.hasher.IdentifierKey(identifier)),
			util.Int("attempts", record.Attempts),
			util.Time("lock_until", record.LockUntil),
		)
	}

	return record.Attempts, record.LockUntil, nil
}

// Reset clears the failure record after a successful login.
func (t *AttemptTracker) Reset(ctx context.Context, identifier string) error {
	key := models.LoginAttemptKey(t.hasher.IdentifierKey(identifier))
	if err := t.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (t *AttemptTracker) load(ctx context.Context, identifier string) (*models.LoginAttemptRecord, error) {
	key := models.LoginAttemptKey(t.hasher.IdentifierKey(identifier))
	raw, err := t.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var record models.LoginAttemptRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode attempt record: %w", err)
	}
	return &record, nil
}

func (t *AttemptTracker) save(ctx context.Context, identifier string, record *models.LoginAttemptRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode attempt record: %w", err)
	}

	// Records decay on their own after a quiet period; an engaged lock must
	// outlive its deadline so the check can observe it.
	ttl := t.config.LockoutDuration * 2
	key := models.LoginAttemptKey(t.hasher.IdentifierKey(identifier))
	return t.store.Set(ctx, key, raw, ttl)
}
