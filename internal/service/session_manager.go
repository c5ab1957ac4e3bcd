package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"master-session-service/internal/config"
	"master-session-service/internal/encryption"
	"master-session-service/internal/events"
	"master-session-service/internal/models"
	"master-session-service/internal/repository"
	"master-session-service/internal/util"
)

// Storage retention beyond the sliding deadline, so an expired session is
// still readable when the monitor or a late validation terminates it.
const sessionRetention = 5 * time.Minute

// SessionManager owns the session lifecycle: creation with an encrypted
// token, sliding-window extension on activity, validation against the
// stored deadline, and termination. Writes to one session are serialized
// through a per-session lock so touch and terminate cannot interleave.
type SessionManager struct {
	store         repository.KeyedStore
	encryptionMgr *encryption.EncryptionManager
	eventLog      *events.SecurityEventLog
	config        config.AuthConfig
	logger        *zap.Logger
	now           func() time.Time

	locks    keyedMutex
	mu       sync.Mutex
	monitors map[string]chan struct{}
	onEnd    func(sessionID string)
}

// SetEndHook registers a callback invoked whenever a session ends, whatever
// ended it. Used to drop per-session state held elsewhere, like the activity
// watcher's debounce entries.
func (m *SessionManager) SetEndHook(hook func(sessionID string)) {
	m.onEnd = hook
}

func NewSessionManager(
	store repository.KeyedStore,
	encryptionMgr *encryption.EncryptionManager,
	eventLog *events.SecurityEventLog,
	cfg *config.Config,
	logger *zap.Logger,
) *SessionManager {
	return &SessionManager{
		store:         store,
		encryptionMgr: encryptionMgr,
		eventLog:      eventLog,
		config:        cfg.Auth,
		logger:        logger,
		now:           time.Now,
		monitors:      make(map[string]chan struct{}),
	}
}

// Create opens a new session for the principal. The plaintext token is
// returned exactly once here; only its encrypted form is persisted.
func (m *SessionManager) Create(ctx context.Context, principal *models.Principal, reqCtx models.RequestContext) (*models.Session, string, error) {
	now := m.now().UTC()
	token := uuid.New().String()

	encrypted, err := m.encryptionMgr.EncryptField(ctx, token)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encrypt session token: %w", err)
	}
	tokenBlob, err := json.Marshal(encrypted)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode session token: %w", err)
	}

	session := &models.Session{
		SessionID:    uuid.New().String(),
		UserID:       principal.UserID,
		Email:        principal.Email,
		UserAgent:    reqCtx.UserAgent,
		IPAddress:    reqCtx.IPAddress,
		StartTime:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.config.SessionTimeout),
		Active:       true,
		SessionToken: string(tokenBlob),
	}

	if err := m.save(ctx, session); err != nil {
		return nil, "", err
	}

	m.logger.Info("Session created",
		util.String("session_id", session.SessionID),
		util.String("user_id", session.UserID),
		util.Time("expires_at", session.ExpiresAt),
	)

	return session, token, nil
}

// Get loads a session record by id.
func (m *SessionManager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	raw, err := m.store.Get(ctx, models.SessionKey(sessionID))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// Touch records activity on a live session and slides its deadline forward.
// Touching a session at or past its deadline expires it instead.
func (m *SessionManager) Touch(ctx context.Context, sessionID string) (*models.Session, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Active {
		return nil, ErrSessionExpired
	}

	now := m.now().UTC()
	if !now.Before(session.ExpiresAt) {
		m.endLocked(ctx, session, "expired")
		return nil, ErrSessionExpired
	}

	session.LastActivity = now
	session.ExpiresAt = now.Add(m.config.SessionTimeout)
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}

	return session, nil
}

// Validate reports whether the session is live. The deadline itself is
// already expired: a session at or past it is terminated on the spot rather
// than waiting for the monitor.
func (m *SessionManager) Validate(ctx context.Context, sessionID string) (*models.Session, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Active {
		return nil, ErrSessionExpired
	}

	if !m.now().UTC().Before(session.ExpiresAt) {
		m.endLocked(ctx, session, "expired")
		return nil, ErrSessionExpired
	}

	return session, nil
}

// Terminate ends a session. Terminating an already ended session is a
// no-op returning the session as it was ended: the first end time wins.
func (m *SessionManager) Terminate(ctx context.Context, sessionID, reason string) (*models.Session, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Active {
		return session, nil
	}

	if err := m.endLocked(ctx, session, reason); err != nil {
		return nil, err
	}
	return session, nil
}

// endLocked marks the session ended and persists it. Callers hold the
// session lock.
func (m *SessionManager) endLocked(ctx context.Context, session *models.Session, reason string) error {
	session.Active = false
	session.EndTime = m.now().UTC()

	if err := m.save(ctx, session); err != nil {
		m.logger.Error("Failed to persist session end",
			util.String("session_id", session.SessionID),
			util.ErrorField(err),
		)
		return err
	}

	m.eventLog.Log(models.SecurityEvent{
		EventType: models.EventSessionEnded,
		Level:     models.LevelInfo,
		UserID:    session.UserID,
		SessionID: session.SessionID,
		IPAddress: session.IPAddress,
		UserAgent: session.UserAgent,
		Message:   "Master session ended",
		Details: map[string]string{
			"reason":   reason,
			"duration": session.EndTime.Sub(session.StartTime).Round(time.Second).String(),
		},
	})

	if m.onEnd != nil {
		m.onEnd(session.SessionID)
	}

	m.logger.Info("Session ended",
		util.String("session_id", session.SessionID),
		util.String("reason", reason),
	)
	return nil
}

func (m *SessionManager) save(ctx context.Context, session *models.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	ttl := m.config.SessionTimeout + sessionRetention
	if err := m.store.Set(ctx, models.SessionKey(session.SessionID), raw, ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// StartMonitor polls the session at the configured interval and terminates
// it once the deadline passes. The monitor stops on its own when the
// session ends or disappears.
func (m *SessionManager) StartMonitor(sessionID string) {
	m.mu.Lock()
	if _, running := m.monitors[sessionID]; running {
		m.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	m.monitors[sessionID] = stopCh
	m.mu.Unlock()

	go m.runMonitor(sessionID, stopCh)
}

func (m *SessionManager) runMonitor(sessionID string, stopCh chan struct{}) {
	ticker := time.NewTicker(m.config.MonitorInterval)
	defer ticker.Stop()
	defer m.removeMonitor(sessionID)

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			session, err := m.Get(ctx, sessionID)
			if err != nil {
				cancel()
				if errors.Is(err, ErrSessionNotFound) {
					return
				}
				m.logger.Warn("Session monitor read failed",
					util.String("session_id", sessionID),
					util.ErrorField(err),
				)
				continue
			}
			if !session.Active {
				cancel()
				return
			}
			if !m.now().UTC().Before(session.ExpiresAt) {
				if _, err := m.Terminate(ctx, sessionID, "expired"); err != nil {
					m.logger.Warn("Session monitor failed to expire session",
						util.String("session_id", sessionID),
						util.ErrorField(err),
					)
				}
				cancel()
				return
			}
			cancel()
		}
	}
}

// StopMonitor halts the background expiry check for a session.
func (m *SessionManager) StopMonitor(sessionID string) {
	m.mu.Lock()
	stopCh, ok := m.monitors[sessionID]
	if ok {
		delete(m.monitors, sessionID)
	}
	m.mu.Unlock()
	if ok {
		close(stopCh)
	}
}

func (m *SessionManager) removeMonitor(sessionID string) {
	m.mu.Lock()
	delete(m.monitors, sessionID)
	m.mu.Unlock()
}

// Close stops all running monitors.
func (m *SessionManager) Close() {
	m.mu.Lock()
	for sessionID, stopCh := range m.monitors {
		close(stopCh)
		delete(m.monitors, sessionID)
	}
	m.mu.Unlock()
}

// keyedMutex serializes work per key with refcounted entries so idle keys
// do not accumulate.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*lockEntry)
	}
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
