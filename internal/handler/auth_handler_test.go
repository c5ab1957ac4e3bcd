package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"master-session-service/internal/client"
	"master-session-service/internal/config"
	"master-session-service/internal/encryption"
	"master-session-service/internal/events"
	"master-session-service/internal/hashing"
	"master-session-service/internal/models"
	redisrepo "master-session-service/internal/repository/redis"
	"master-session-service/internal/service"
)

type stubVerifier struct {
	identifier string
	credential string
	userID     string
	master     bool
}

func (v *stubVerifier) Verify(ctx context.Context, identifier, credential string) (*models.Principal, error) {
	if identifier != v.identifier || credential != v.credential {
		return nil, service.ErrInvalidCredentials
	}
	return &models.Principal{UserID: v.userID, Email: identifier}, nil
}

func (v *stubVerifier) HasRole(ctx context.Context, userID, role string) (bool, error) {
	return v.master, nil
}

func handlerTestConfig() *config.Config {
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

func newTestRouter(t *testing.T, verifier service.CredentialVerifier) (chi.Router, *events.SecurityEventLog) {
	t.Helper()
	cfg := handlerTestConfig()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := redisrepo.NewKeyedStore(client.NewRedisClientFromExisting(rdb))

	encryptionMgr, err := encryption.NewEncryptionManager(cfg, nil)
	if err != nil {
		t.Fatalf("encryption manager: %v", err)
	}
	eventLog := events.NewSecurityEventLog(cfg, events.NopSink{}, nil, nil, zap.NewNop())
	t.Cleanup(eventLog.Close)

	serviceFactory := service.NewServiceFactory(
		store,
		hashing.NewHasher(cfg),
		encryptionMgr,
		eventLog,
		verifier,
		cfg,
		zap.NewNop(),
	)
	t.Cleanup(serviceFactory.Cleanup)

	authHandler := NewAuthHandler(serviceFactory.AuthGateway(), eventLog, nil, zap.NewNop())
	router := chi.NewRouter()
	router.Route("/api/v1", func(r chi.Router) {
		authHandler.RegisterRoutes(r)
	})
	return router, eventLog
}

func doJSON(t *testing.T, router chi.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func loginBody(identifier, credential string) map[string]string {
	return map[string]string{"identifier": identifier, "credential": credential}
}

func TestLoginEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, &stubVerifier{
		identifier: "master@example.com",
		credential: "correct-horse",
		userID:     "user-1",
		master:     true,
	})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", loginBody("master@example.com", "correct-horse"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	resp := decodeResponse(t, rec)
	if !resp.Success {
		t.Fatalf("success = false: %s", rec.Body.String())
	}
	data, _ := json.Marshal(resp.Data)
	var login LoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("decode login data: %v", err)
	}
	if login.Token == "" {
		t.Fatal("login must return a token")
	}
	if login.Session.SessionToken != "" {
		t.Fatal("encrypted token blob must not be exposed")
	}
}

func TestLoginEndpointInvalidCredentials(t *testing.T) {
	router, _ := newTestRouter(t, &stubVerifier{
		identifier: "master@example.com",
		credential: "correct-horse",
		userID:     "user-1",
		master:     true,
	})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", loginBody("master@example.com", "wrong"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestLoginEndpointLockout(t *testing.T) {
	router, _ := newTestRouter(t, &stubVerifier{
		identifier: "master@example.com",
		credential: "correct-horse",
		userID:     "user-1",
		master:     true,
	})

	for i := 0; i < 3; i++ {
		doJSON(t, router, http.MethodPost, "/api/v1/auth/login", loginBody("master@example.com", "wrong"))
	}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", loginBody("master@example.com", "correct-horse"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("lockout response must carry Retry-After")
	}
}

func TestLoginEndpointWithoutRole(t *testing.T) {
	router, _ := newTestRouter(t, &stubVerifier{
		identifier: "helper@example.com",
		credential: "valid-pass",
		userID:     "user-2",
		master:     false,
	})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", loginBody("helper@example.com", "valid-pass"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	router, _ := newTestRouter(t, &stubVerifier{
		identifier: "master@example.com",
		credential: "correct-horse",
		userID:     "user-1",
		master:     true,
	})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", loginBody("master@example.com", "correct-horse"))
	resp := decodeResponse(t, rec)
	data, _ := json.Marshal(resp.Data)
	var login LoginResponse
	json.Unmarshal(data, &login)
	sessionID := login.Session.SessionID

	rec = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+sessionID+"/validate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("validate status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+sessionID+"/touch", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("touch status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/logout", map[string]string{"session_id": sessionID})
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+sessionID+"/validate", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("validate after logout = %d, want 401", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/sessions/no-such-session/validate", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("validate unknown = %d, want 404", rec.Code)
	}
}

func TestEventsEndpoints(t *testing.T) {
	router, _ := newTestRouter(t, &stubVerifier{
		identifier: "master@example.com",
		credential: "correct-horse",
		userID:     "user-1",
		master:     true,
	})

	doJSON(t, router, http.MethodPost, "/api/v1/auth/login", loginBody("master@example.com", "wrong"))
	doJSON(t, router, http.MethodPost, "/api/v1/auth/login", loginBody("master@example.com", "correct-horse"))

	rec := doJSON(t, router, http.MethodGet, "/api/v1/events/?type="+models.EventLoginFailed, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	data, _ := json.Marshal(resp.Data)
	var eventList []models.SecurityEvent
	if err := json.Unmarshal(data, &eventList); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(eventList) != 1 {
		t.Fatalf("login_failed events = %d, want 1", len(eventList))
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/events/stats?window=1h", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/events/stats?window=2y", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad window status = %d, want 400", rec.Code)
	}
}

func TestAckEndpointWithoutStore(t *testing.T) {
	router, _ := newTestRouter(t, &stubVerifier{})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/alerts/alert-1/ack", map[string]string{"acked_by": "ops"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ack without store = %d, want 503", rec.Code)
	}
}
