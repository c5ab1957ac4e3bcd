package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestTracker(t *testing.T) (*AttemptTracker, *memStore) {
	t.Helper()
	cfg := testConfig()
	store := newMemStore()
	tracker := NewAttemptTracker(store, newTestHasher(cfg), cfg, zap.NewNop())
	return tracker, store
}

func TestAttemptTrackerLocksAtLimit(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		attempts, lockUntil, err := tracker.RecordFailure(ctx, "master@example.com")
		if err != nil {
			t.Fatalf("RecordFailure #%d: %v", i, err)
		}
		if attempts != i {
			t.Fatalf("attempts = %d, want %d", attempts, i)
		}
		if !lockUntil.IsZero() {
			t.Fatalf("lock engaged after %d attempts", i)
		}
	}

	attempts, lockUntil, err := tracker.RecordFailure(ctx, "master@example.com")
	if err != nil {
		t.Fatalf("RecordFailure #3: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if lockUntil.IsZero() {
		t.Fatal("third failure should engage the lock")
	}

	locked, retryAfter, err := tracker.CheckLocked(ctx, "master@example.com")
	if err != nil {
		t.Fatalf("CheckLocked: %v", err)
	}
	if !locked {
		t.Fatal("identifier should be locked")
	}
	if retryAfter <= 0 || retryAfter > 5*time.Minute {
		t.Fatalf("retryAfter = %v, want within (0, 5m]", retryAfter)
	}
}

func TestAttemptTrackerUnknownIdentifierNotLocked(t *testing.T) {
	tracker, _ := newTestTracker(t)

	locked, _, err := tracker.CheckLocked(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("CheckLocked: %v", err)
	}
	if locked {
		t.Fatal("unknown identifier should not be locked")
	}
}

func TestAttemptTrackerElapsedLockRestartsCount(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		if _, _, err := tracker.RecordFailure(ctx, "master@example.com"); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	// Exactly at the lock boundary the window is closed.
	tracker.now = func() time.Time { return base.Add(5 * time.Minute) }
	locked, _, err := tracker.CheckLocked(ctx, "master@example.com")
	if err != nil {
		t.Fatalf("CheckLocked: %v", err)
	}
	if locked {
		t.Fatal("lock should have elapsed at its deadline")
	}

	// A failure after the lock elapsed opens a fresh count at one.
	attempts, lockUntil, err := tracker.RecordFailure(ctx, "master@example.com")
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts after elapsed lock = %d, want 1", attempts)
	}
	if !lockUntil.IsZero() {
		t.Fatal("single failure should not re-engage the lock")
	}
}

func TestAttemptTrackerResetClearsRecord(t *testing.T) {
	tracker, store := newTestTracker(t)
	ctx := context.Background()

	if _, _, err := tracker.RecordFailure(ctx, "master@example.com"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if store.len() != 1 {
		t.Fatalf("store records = %d, want 1", store.len())
	}

	if err := tracker.Reset(ctx, "master@example.com"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if store.len() != 0 {
		t.Fatalf("store records after reset = %d, want 0", store.len())
	}

	attempts, _, err := tracker.RecordFailure(ctx, "master@example.com")
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts after reset = %d, want 1", attempts)
	}
}

func TestAttemptTrackerStorageFailure(t *testing.T) {
	tracker, store := newTestTracker(t)
	store.setFailing(true)

	_, _, err := tracker.CheckLocked(context.Background(), "master@example.com")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("CheckLocked error = %v, want ErrStorageUnavailable", err)
	}

	_, _, err = tracker.RecordFailure(context.Background(), "master@example.com")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("RecordFailure error = %v, want ErrStorageUnavailable", err)
	}
}

func TestAttemptTrackerSeparateIdentifiers(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := tracker.RecordFailure(ctx, "first@example.com"); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	locked, _, err := tracker.CheckLocked(ctx, "second@example.com")
	if err != nil {
		t.Fatalf("CheckLocked: %v", err)
	}
	if locked {
		t.Fatal("lock on one identifier must not affect another")
	}
}
