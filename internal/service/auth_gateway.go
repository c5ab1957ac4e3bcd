package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"master-session-service/internal/config"
	"master-session-service/internal/hashing"
	"master-session-service/internal/models"
	"master-session-service/internal/util"
)

// LoginResult is what a successful login hands back: the session record
// and the one-time plaintext token.
type LoginResult struct {
	Session *models.Session
	Token   string
}

// AuthGateway drives the master login flow: lockout check first, then
// credential verification, then the role gate, and only then a session.
// Every outcome lands in the security event log.
type AuthGateway struct {
	attempts *AttemptTracker
	sessions *SessionManager
	watcher  *ActivityWatcher
	verifier CredentialVerifier
	eventLog EventLogger
	hasher   *hashing.Hasher
	config   config.AuthConfig
	logger   *zap.Logger
}

// EventLogger is the slice of the security event log the gateway needs.
type EventLogger interface {
	Log(event models.SecurityEvent) string
}

func NewAuthGateway(
	attempts *AttemptTracker,
	sessions *SessionManager,
	watcher *ActivityWatcher,
	verifier CredentialVerifier,
	eventLog EventLogger,
	hasher *hashing.Hasher,
	cfg *config.Config,
	logger *zap.Logger,
) *AuthGateway {
	return &AuthGateway{
		attempts: attempts,
		sessions: sessions,
		watcher:  watcher,
		verifier: verifier,
		eventLog: eventLog,
		hasher:   hasher,
		config:   cfg.Auth,
		logger:   logger,
	}
}

// Login authenticates a master operator. The lockout check runs before
// credential verification so a locked identifier costs no verifier call,
// and a storage failure on that check denies the login rather than
// skipping the gate.
func (g *AuthGateway) Login(ctx context.Context, identifier, credential string, reqCtx models.RequestContext) (*LoginResult, error) {
	identifier = util.SanitizeInput(identifier)
	identifierKey := g.hasher.IdentifierKey(identifier)

	locked, retryAfter, err := g.attempts.CheckLocked(ctx, identifier)
	if err != nil {
		g.eventLog.Log(models.SecurityEvent{
			EventType: models.EventStorageFailure,
			Level:     models.LevelError,
			UserID:    identifierKey,
			IPAddress: reqCtx.IPAddress,
			UserAgent: reqCtx.UserAgent,
			Message:   "Attempt store unreachable during lockout check, login denied",
			Details:   map[string]string{"error": err.Error()},
		})
		return nil, ErrStorageUnavailable
	}
	if locked {
		g.eventLog.Log(models.SecurityEvent{
			EventType: models.EventLoginBlocked,
			Level:     models.LevelWarning,
			UserID:    identifierKey,
			IPAddress: reqCtx.IPAddress,
			UserAgent: reqCtx.UserAgent,
			Message:   "Login rejected for locked identifier",
			Details:   map[string]string{"retry_after": retryAfter.Round(time.Second).String()},
		})
		return nil, &AccountLockedError{RetryAfter: retryAfter}
	}

	principal, err := g.verifier.Verify(ctx, identifier, credential)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return nil, g.handleFailedLogin(ctx, identifier, identifierKey, reqCtx)
		}
		g.logger.Error("Credential verification unavailable",
			util.String("identifier_key", identifierKey),
			util.ErrorField(err),
		)
		return nil, err
	}

	granted, err := g.verifier.HasRole(ctx, principal.UserID, g.config.MasterRole)
	if err != nil {
		g.logger.Error("Role check unavailable",
			util.String("user_id", principal.UserID),
			util.ErrorField(err),
		)
		return nil, err
	}
	if !granted {
		g.eventLog.Log(models.SecurityEvent{
			EventType: models.EventUnauthorized,
			Level:     models.LevelCritical,
			UserID:    principal.UserID,
			IPAddress: reqCtx.IPAddress,
			UserAgent: reqCtx.UserAgent,
			Message:   "Valid credentials without master role",
			Details:   map[string]string{"required_role": g.config.MasterRole},
		})
		return nil, ErrUnauthorized
	}

	// Successful verification clears the failure streak. Best effort: a
	// stale count is better than refusing a verified master.
	if err := g.attempts.Reset(ctx, identifier); err != nil {
		g.logger.Warn("Failed to reset attempt counter",
			util.String("identifier_key", identifierKey),
			util.ErrorField(err),
		)
	}

	session, token, err := g.sessions.Create(ctx, principal, reqCtx)
	if err != nil {
		return nil, err
	}

	g.eventLog.Log(models.SecurityEvent{
		EventType: models.EventSessionCreated,
		Level:     models.LevelInfo,
		UserID:    principal.UserID,
		SessionID: session.SessionID,
		IPAddress: reqCtx.IPAddress,
		UserAgent: reqCtx.UserAgent,
		Message:   "Master session created",
	})
	g.eventLog.Log(models.SecurityEvent{
		EventType: models.EventLoginSuccess,
		Level:     models.LevelInfo,
		UserID:    principal.UserID,
		SessionID: session.SessionID,
		IPAddress: reqCtx.IPAddress,
		UserAgent: reqCtx.UserAgent,
		Message:   "Master login succeeded",
	})

	g.sessions.StartMonitor(session.SessionID)

	return &LoginResult{Session: session, Token: token}, nil
}

func (g *AuthGateway) handleFailedLogin(ctx context.Context, identifier, identifierKey string, reqCtx models.RequestContext) error {
	attempts, lockUntil, err := g.attempts.RecordFailure(ctx, identifier)
	if err != nil {
		g.eventLog.Log(models.SecurityEvent{
			EventType: models.EventStorageFailure,
			Level:     models.LevelError,
			UserID:    identifierKey,
			IPAddress: reqCtx.IPAddress,
			UserAgent: reqCtx.UserAgent,
			Message:   "Failed to record login failure",
			Details:   map[string]string{"error": err.Error()},
		})
		return ErrInvalidCredentials
	}

	details := map[string]string{
		"attempts": strconv.Itoa(attempts),
	}
	level := models.LevelWarning
	if !lockUntil.IsZero() {
		details["lock_until"] = lockUntil.UTC().Format(time.RFC3339)
		level = models.LevelError
	}

	g.eventLog.Log(models.SecurityEvent{
		EventType: models.EventLoginFailed,
		Level:     level,
		UserID:    identifierKey,
		IPAddress: reqCtx.IPAddress,
		UserAgent: reqCtx.UserAgent,
		Message:   "Master login failed",
		Details:   details,
	})

	return ErrInvalidCredentials
}

// Logout ends a session on operator request. The watcher and monitor stop
// first so no touch can revive the session mid-teardown.
func (g *AuthGateway) Logout(ctx context.Context, sessionID string, reqCtx models.RequestContext) error {
	g.watcher.Forget(sessionID)
	g.sessions.StopMonitor(sessionID)

	session, err := g.sessions.Terminate(ctx, sessionID, "logout")
	if err != nil {
		return err
	}

	g.eventLog.Log(models.SecurityEvent{
		EventType: models.EventLogout,
		Level:     models.LevelInfo,
		UserID:    session.UserID,
		SessionID: session.SessionID,
		IPAddress: reqCtx.IPAddress,
		UserAgent: reqCtx.UserAgent,
		Message:   "Master logout",
	})
	return nil
}

// Touch records operator activity against a session.
func (g *AuthGateway) Touch(ctx context.Context, sessionID string) (*models.Session, error) {
	return g.watcher.Signal(ctx, sessionID)
}

// Validate reports whether a session is currently live.
func (g *AuthGateway) Validate(ctx context.Context, sessionID string) (*models.Session, error) {
	return g.sessions.Validate(ctx, sessionID)
}
