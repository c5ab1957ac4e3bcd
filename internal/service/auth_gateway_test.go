package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"master-session-service/internal/models"
)

type gatewayFixture struct {
	gateway  *AuthGateway
	verifier *fakeVerifier
	recorder *eventRecorder
	store    *memStore
	sessions *SessionManager
	cleanup  func()
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	cfg := testConfig()
	store := newMemStore()
	hasher := newTestHasher(cfg)
	sessions, eventLog := newTestSessionManager(store, cfg)
	tracker := NewAttemptTracker(store, hasher, cfg, zap.NewNop())
	watcher := NewActivityWatcher(sessions, cfg, zap.NewNop())
	verifier := newFakeVerifier()
	recorder := &eventRecorder{}

	gateway := NewAuthGateway(tracker, sessions, watcher, verifier, recorder, hasher, cfg, zap.NewNop())
	return &gatewayFixture{
		gateway:  gateway,
		verifier: verifier,
		recorder: recorder,
		store:    store,
		sessions: sessions,
		cleanup: func() {
			sessions.Close()
			eventLog.Close()
		},
	}
}

var testReqCtx = models.RequestContext{IPAddress: "10.0.0.1", UserAgent: "cli/1.0"}

func TestLoginSuccess(t *testing.T) {
	fx := newGatewayFixture(t)
	defer fx.cleanup()

	fx.verifier.allow("master@example.com", "correct-horse", "user-1", true)

	result, err := fx.gateway.Login(context.Background(), "master@example.com", "correct-horse", testReqCtx)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.Token == "" {
		t.Fatal("login must return the plaintext token")
	}
	if result.Session.UserID != "user-1" {
		t.Fatalf("session user = %s, want user-1", result.Session.UserID)
	}

	if got := fx.recorder.byType(models.EventLoginSuccess); len(got) != 1 {
		t.Fatalf("login_success events = %d, want 1", len(got))
	}
	if got := fx.recorder.byType(models.EventSessionCreated); len(got) != 1 {
		t.Fatalf("session_created events = %d, want 1", len(got))
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	fx := newGatewayFixture(t)
	defer fx.cleanup()

	fx.verifier.allow("master@example.com", "correct-horse", "user-1", true)

	_, err := fx.gateway.Login(context.Background(), "master@example.com", "wrong", testReqCtx)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login error = %v, want ErrInvalidCredentials", err)
	}

	got := fx.recorder.byType(models.EventLoginFailed)
	if len(got) != 1 {
		t.Fatalf("login_failed events = %d, want 1", len(got))
	}
	if got[0].UserID == "master@example.com" {
		t.Fatal("failed login event must not carry the raw identifier")
	}
}

func TestLoginLockoutAfterThreeFailures(t *testing.T) {
	fx := newGatewayFixture(t)
	defer fx.cleanup()

	fx.verifier.allow("master@example.com", "correct-horse", "user-1", true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := fx.gateway.Login(ctx, "master@example.com", "wrong", testReqCtx); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure #%d: %v", i+1, err)
		}
	}

	callsBefore := fx.verifier.calls()

	// Correct credentials during the lockout are still refused, and the
	// verifier never sees the attempt.
	_, err := fx.gateway.Login(ctx, "master@example.com", "correct-horse", testReqCtx)
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("Login during lockout = %v, want ErrAccountLocked", err)
	}
	var lockedErr *AccountLockedError
	if !errors.As(err, &lockedErr) || lockedErr.RetryAfter <= 0 {
		t.Fatalf("locked error should carry a positive retry hint, got %v", err)
	}
	if fx.verifier.calls() != callsBefore {
		t.Fatal("locked login must not reach the verifier")
	}

	if got := fx.recorder.byType(models.EventLoginBlocked); len(got) != 1 {
		t.Fatalf("login_blocked events = %d, want 1", len(got))
	}
}

func TestLoginWithoutMasterRole(t *testing.T) {
	fx := newGatewayFixture(t)
	defer fx.cleanup()

	fx.verifier.allow("helper@example.com", "valid-pass", "user-2", false)

	_, err := fx.gateway.Login(context.Background(), "helper@example.com", "valid-pass", testReqCtx)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Login = %v, want ErrUnauthorized", err)
	}

	got := fx.recorder.byType(models.EventUnauthorized)
	if len(got) != 1 {
		t.Fatalf("unauthorized events = %d, want 1", len(got))
	}
	if got[0].Level != models.LevelCritical {
		t.Fatalf("unauthorized event level = %s, want critical", got[0].Level)
	}
	// No session exists for the refused principal.
	if len(fx.recorder.byType(models.EventSessionCreated)) != 0 {
		t.Fatal("no session should be created without the master role")
	}
}

func TestLoginResetsAttemptsOnSuccess(t *testing.T) {
	fx := newGatewayFixture(t)
	defer fx.cleanup()

	fx.verifier.allow("master@example.com", "correct-horse", "user-1", true)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		fx.gateway.Login(ctx, "master@example.com", "wrong", testReqCtx)
	}
	if _, err := fx.gateway.Login(ctx, "master@example.com", "correct-horse", testReqCtx); err != nil {
		t.Fatalf("Login: %v", err)
	}

	// The streak restarted: two more failures stay short of the limit.
	for i := 0; i < 2; i++ {
		if _, err := fx.gateway.Login(ctx, "master@example.com", "wrong", testReqCtx); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure after reset: %v", err)
		}
	}
	if _, err := fx.gateway.Login(ctx, "master@example.com", "correct-horse", testReqCtx); err != nil {
		t.Fatalf("Login after two fresh failures: %v", err)
	}
}

func TestLoginFailsClosedOnStorageFailure(t *testing.T) {
	fx := newGatewayFixture(t)
	defer fx.cleanup()

	fx.verifier.allow("master@example.com", "correct-horse", "user-1", true)
	fx.store.setFailing(true)

	_, err := fx.gateway.Login(context.Background(), "master@example.com", "correct-horse", testReqCtx)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Login with store down = %v, want ErrStorageUnavailable", err)
	}
	if fx.verifier.calls() != 0 {
		t.Fatal("storage failure must deny before the verifier is consulted")
	}
	if got := fx.recorder.byType(models.EventStorageFailure); len(got) != 1 {
		t.Fatalf("storage_failure events = %d, want 1", len(got))
	}
}

func TestLogoutEndsSession(t *testing.T) {
	fx := newGatewayFixture(t)
	defer fx.cleanup()

	fx.verifier.allow("master@example.com", "correct-horse", "user-1", true)
	ctx := context.Background()

	result, err := fx.gateway.Login(ctx, "master@example.com", "correct-horse", testReqCtx)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := fx.gateway.Logout(ctx, result.Session.SessionID, testReqCtx); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if _, err := fx.gateway.Validate(ctx, result.Session.SessionID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Validate after logout = %v, want ErrSessionExpired", err)
	}
	if got := fx.recorder.byType(models.EventLogout); len(got) != 1 {
		t.Fatalf("logout events = %d, want 1", len(got))
	}

	// A second logout is a no-op, not an error.
	if err := fx.gateway.Logout(ctx, result.Session.SessionID, testReqCtx); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
}
