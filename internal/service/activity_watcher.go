package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"master-session-service/internal/config"
	"master-session-service/internal/models"
	"master-session-service/internal/util"
)

// ActivityWatcher turns raw activity signals into session touches. Signals
// arriving inside the debounce window are dropped so a burst of requests
// costs one storage write, not one per request.
type ActivityWatcher struct {
	sessions *SessionManager
	debounce time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastTouch map[string]time.Time
}

func NewActivityWatcher(sessions *SessionManager, cfg *config.Config, logger *zap.Logger) *ActivityWatcher {
	return &ActivityWatcher{
		sessions:  sessions,
		debounce:  cfg.Auth.ActivityDebounce,
		logger:    logger,
		now:       time.Now,
		lastTouch: make(map[string]time.Time),
	}
}

// Signal reports activity on a session. Inside the debounce window it is a
// no-op returning the session as last touched; otherwise it slides the
// session deadline forward.
func (w *ActivityWatcher) Signal(ctx context.Context, sessionID string) (*models.Session, error) {
	now := w.now()

	w.mu.Lock()
	last, seen := w.lastTouch[sessionID]
	if seen && now.Sub(last) < w.debounce {
		w.mu.Unlock()
		return w.sessions.Get(ctx, sessionID)
	}
	w.lastTouch[sessionID] = now
	w.mu.Unlock()

	session, err := w.sessions.Touch(ctx, sessionID)
	if err != nil {
		// A failed touch should not swallow the next signal.
		w.mu.Lock()
		delete(w.lastTouch, sessionID)
		w.mu.Unlock()
		return nil, err
	}

	w.logger.Debug("Session activity recorded",
		util.String("session_id", sessionID),
		util.Time("expires_at", session.ExpiresAt),
	)
	return session, nil
}

// Forget drops the debounce state for an ended session.
func (w *ActivityWatcher) Forget(sessionID string) {
	w.mu.Lock()
	delete(w.lastTouch, sessionID)
	w.mu.Unlock()
}
