package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"master-session-service/internal/apiclient"
	"master-session-service/internal/config"
)

func newTestVerifier(baseURL string) *APIVerifier {
	cfg := &config.Config{
		APIClient: config.APIClientConfig{
			BaseURL:         baseURL,
			Timeout:         5 * time.Second,
			RetryCount:      3,
			RetryDelay:      time.Millisecond,
			CacheTTL:        5 * time.Minute,
			CacheMaxEntries: 100,
		},
	}
	return NewAPIVerifier(apiclient.NewClient(cfg, zap.NewNop()))
}

func TestHasRoleSeesFreshGrant(t *testing.T) {
	var mu sync.Mutex
	granted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		current := granted
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]bool{"granted": current})
	}))
	defer srv.Close()

	verifier := newTestVerifier(srv.URL)
	ctx := context.Background()

	got, err := verifier.HasRole(ctx, "user-1", "master")
	if err != nil {
		t.Fatalf("HasRole: %v", err)
	}
	if got {
		t.Fatal("role should not be granted yet")
	}

	// A grant made upstream is visible on the very next check, even inside
	// the client's cache TTL.
	mu.Lock()
	granted = true
	mu.Unlock()

	got, err = verifier.HasRole(ctx, "user-1", "master")
	if err != nil {
		t.Fatalf("HasRole after grant: %v", err)
	}
	if !got {
		t.Fatal("fresh grant must be visible immediately")
	}
}

func TestHasRoleUnknownUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	got, err := newTestVerifier(srv.URL).HasRole(context.Background(), "nobody", "master")
	if err != nil {
		t.Fatalf("HasRole: %v", err)
	}
	if got {
		t.Fatal("unknown user must not hold the role")
	}
}
