package service

import (
	"go.uber.org/zap"

	"master-session-service/internal/config"
	"master-session-service/internal/encryption"
	"master-session-service/internal/events"
	"master-session-service/internal/hashing"
	"master-session-service/internal/repository"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	store         repository.KeyedStore
	hasher        *hashing.Hasher
	encryptionMgr *encryption.EncryptionManager
	eventLog      *events.SecurityEventLog
	verifier      CredentialVerifier
	config        *config.Config
	logger        *zap.Logger

	attemptTracker  *AttemptTracker
	sessionManager  *SessionManager
	activityWatcher *ActivityWatcher
	authGateway     *AuthGateway
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	store repository.KeyedStore,
	hasher *hashing.Hasher,
	encryptionMgr *encryption.EncryptionManager,
	eventLog *events.SecurityEventLog,
	verifier CredentialVerifier,
	cfg *config.Config,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		store:         store,
		hasher:        hasher,
		encryptionMgr: encryptionMgr,
		eventLog:      eventLog,
		verifier:      verifier,
		config:        cfg,
		logger:        logger,
	}
}

// AttemptTracker returns the attempt tracker instance (singleton)
func (f *ServiceFactory) AttemptTracker() *AttemptTracker {
	if f.attemptTracker == nil {
		f.attemptTracker = NewAttemptTracker(f.store, f.hasher, f.config, f.logger)
	}
	return f.attemptTracker
}

// SessionManager returns the session manager instance (singleton)
func (f *ServiceFactory) SessionManager() *SessionManager {
	if f.sessionManager == nil {
		f.sessionManager = NewSessionManager(f.store, f.encryptionMgr, f.eventLog, f.config, f.logger)
	}
	return f.sessionManager
}

// ActivityWatcher returns the activity watcher instance (singleton)
func (f *ServiceFactory) ActivityWatcher() *ActivityWatcher {
	if f.activityWatcher == nil {
		f.activityWatcher = NewActivityWatcher(f.SessionManager(), f.config, f.logger)
		// Ended sessions drop their debounce state no matter how they end.
		f.SessionManager().SetEndHook(f.activityWatcher.Forget)
	}
	return f.activityWatcher
}

// AuthGateway returns the auth gateway instance (singleton)
func (f *ServiceFactory) AuthGateway() *AuthGateway {
	if f.authGateway == nil {
		f.authGateway = NewAuthGateway(
			f.AttemptTracker(),
			f.SessionManager(),
			f.ActivityWatcher(),
			f.verifier,
			f.eventLog,
			f.hasher,
			f.config,
			f.logger,
		)
	}
	return f.authGateway
}

// Cleanup cleans up all services
func (f *ServiceFactory) Cleanup() {
	if f.sessionManager != nil {
		f.sessionManager.Close()
	}
}
