package hashing

import (
	"strings"
	"testing"

	"master-session-service/internal/config"
)

func hasherWithPepper(pepper string) *Hasher {
	return NewHasher(&config.Config{
		Environment: "development",
		Auth:        config.AuthConfig{IdentifierPepper: pepper},
	})
}

func TestIdentifierKeyDeterministic(t *testing.T) {
	h := hasherWithPepper("pepper-a")

	first := h.IdentifierKey("master@example.com")
	second := h.IdentifierKey("master@example.com")
	if first != second {
		t.Fatalf("same identifier hashed differently: %s vs %s", first, second)
	}
	if first == "" {
		t.Fatal("empty key")
	}
}

func TestIdentifierKeyHidesIdentifier(t *testing.T) {
	h := hasherWithPepper("pepper-a")

	key := h.IdentifierKey("master@example.com")
	if strings.Contains(key, "master") || strings.Contains(key, "@") {
		t.Fatalf("key leaks identifier material: %s", key)
	}
}

func TestIdentifierKeyVariesByIdentifier(t *testing.T) {
	h := hasherWithPepper("pepper-a")

	if h.IdentifierKey("a@example.com") == h.IdentifierKey("b@example.com") {
		t.Fatal("different identifiers must hash differently")
	}
}

func TestIdentifierKeyVariesByPepper(t *testing.T) {
	a := hasherWithPepper("pepper-a")
	b := hasherWithPepper("pepper-b")

	if a.IdentifierKey("master@example.com") == b.IdentifierKey("master@example.com") {
		t.Fatal("pepper must key the hash")
	}
}
