package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"master-session-service/internal/config"
	"master-session-service/internal/encryption"
	"master-session-service/internal/events"
	"master-session-service/internal/hashing"
	"master-session-service/internal/models"
	"master-session-service/internal/repository"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		Auth: config.AuthConfig{
			SessionTimeout:   30 * time.Minute,
			MaxLoginAttempts: 3,
			LockoutDuration:  5 * time.Minute,
			MonitorInterval:  60 * time.Second,
			ActivityDebounce: 5 * time.Second,
			MasterRole:       "master",
			MasterSecret:     "test-master-secret",
			IdentifierPepper: "test-pepper",
			StoreBackend:     "redis",
		},
		Events: config.EventsConfig{
			BatchSize:    50,
			BatchTimeout: 5 * time.Second,
			RingCapacity: 1000,
		},
	}
}

// memStore is an in-memory KeyedStore with switchable failure injection.
type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	failing bool
}

var errStoreDown = &storeError{"store down"}

type storeError struct{ msg string }

func (e *storeError) Error() string { return e.msg }

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errStoreDown
	}
	val, ok := s.data[path]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *memStore) Set(ctx context.Context, path string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStoreDown
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[path] = stored
	return nil
}

func (s *memStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStoreDown
	}
	delete(s.data, path)
	return nil
}

func (s *memStore) setFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// eventRecorder captures gateway events in memory.
type eventRecorder struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (r *eventRecorder) Log(event models.SecurityEvent) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return "test-event"
}

func (r *eventRecorder) byType(eventType string) []models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SecurityEvent
	for _, event := range r.events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

// fakeVerifier scripts the upstream credential API.
type fakeVerifier struct {
	mu          sync.Mutex
	valid       map[string]string // identifier -> credential
	principals  map[string]*models.Principal
	roles       map[string]bool // userID -> has master role
	verifyCalls int
	verifyErr   error
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{
		valid:      make(map[string]string),
		principals: make(map[string]*models.Principal),
		roles:      make(map[string]bool),
	}
}

func (v *fakeVerifier) allow(identifier, credential, userID string, master bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.valid[identifier] = credential
	v.principals[identifier] = &models.Principal{UserID: userID, Email: identifier}
	v.roles[userID] = master
}

func (v *fakeVerifier) Verify(ctx context.Context, identifier, credential string) (*models.Principal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verifyCalls++
	if v.verifyErr != nil {
		return nil, v.verifyErr
	}
	if want, ok := v.valid[identifier]; !ok || want != credential {
		return nil, ErrInvalidCredentials
	}
	return v.principals[identifier], nil
}

func (v *fakeVerifier) HasRole(ctx context.Context, userID, role string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.roles[userID], nil
}

func (v *fakeVerifier) calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.verifyCalls
}

func newTestEventLog(cfg *config.Config) *events.SecurityEventLog {
	return events.NewSecurityEventLog(cfg, events.NopSink{}, nil, nil, zap.NewNop())
}

func newTestSessionManager(store repository.KeyedStore, cfg *config.Config) (*SessionManager, *events.SecurityEventLog) {
	encryptionMgr, err := encryption.NewEncryptionManager(cfg, nil)
	if err != nil {
		panic(err)
	}
	eventLog := newTestEventLog(cfg)
	return NewSessionManager(store, encryptionMgr, eventLog, cfg, zap.NewNop()), eventLog
}

func newTestHasher(cfg *config.Config) *hashing.Hasher {
	return hashing.NewHasher(cfg)
}
