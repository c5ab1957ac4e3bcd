package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"go.uber.org/zap"

	"master-session-service/internal/config"
	"master-session-service/internal/util"
)

// Hasher produces the one-way identifier keys under which login-attempt
// records are stored. The hash must be deterministic across processes (it is
// a storage key) but keyed, so a raw email can't be recovered or probed from
// a storage dump. HMAC-SHA256 with a configured pepper gives both.
type Hasher struct {
	pepper []byte
	config *config.Config
}

func NewHasher(cfg *config.Config) *Hasher {
	pepper := []byte(cfg.Auth.IdentifierPepper)
	if len(pepper) == 0 {
		// Development fallback: a process-local pepper. Attempt records
		// won't survive a restart, which is acceptable outside production;
		// Config.Validate rejects this in production.
		pepper = make([]byte, 32)
		if _, err := rand.Read(pepper); err != nil {
			util.Fatal("Failed to generate fallback pepper", zap.Error(err))
		}
		util.Warn("AUTH_IDENTIFIER_PEPPER not set, using process-local pepper")
	}

	return &Hasher{
		pepper: pepper,
		config: cfg,
	}
}

// IdentifierKey returns the storage key component for a login identifier.
func (h *Hasher) IdentifierKey(identifier string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(identifier))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
