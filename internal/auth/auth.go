// Package auth validates API keys on the HTTP surface and rate limits
// callers per key.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"

	"codeask/internal/logging"
)

// Config contains authentication configuration
type Config struct {
	// APIKey is a single plaintext key, typically injected via environment
	APIKey string
	// HashedAPIKeys are bcrypt hashes of additional accepted keys
	HashedAPIKeys []string
	// RateLimitPerMinute caps requests per caller; zero disables limiting
	RateLimitPerMinute int
}

// Manager checks presented API keys against the configured credentials
type Manager struct {
	plainKey []byte
	hashes   []string
	limiter  *RateLimiter
	logger   *logging.Logger
}

// NewManager creates an auth manager
func NewManager(cfg Config, logger *logging.Logger) *Manager {
	m := &Manager{
		hashes: cfg.HashedAPIKeys,
		logger: logger,
		limiter: NewRateLimiter(RateLimitConfig{
			Enabled:        cfg.RateLimitPerMinute > 0,
			LimitPerMinute: cfg.RateLimitPerMinute,
		}),
	}
	if cfg.APIKey != "" {
		m.plainKey = []byte(cfg.APIKey)
	}
	return m
}

// Enabled reports whether any credential is configured. With no
// credentials the HTTP layer skips the auth check entirely.
func (m *Manager) Enabled() bool {
	return len(m.plainKey) > 0 || len(m.hashes) > 0
}

// Authenticate reports whether the presented key matches any configured
// credential. The plaintext comparison is constant-time.
func (m *Manager) Authenticate(presented string) bool {
	if presented == "" {
		return false
	}
	if len(m.plainKey) > 0 &&
		subtle.ConstantTimeCompare(m.plainKey, []byte(presented)) == 1 {
		return true
	}
	for _, hash := range m.hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil {
			return true
		}
	}
	return false
}

// Allow applies per-caller rate limiting. Returns whether the request may
// proceed and, when it may not, the seconds to wait.
func (m *Manager) Allow(presented string) (bool, int) {
	return m.limiter.Allow(callerID(presented))
}

// HashKey produces a bcrypt hash suitable for the HashedAPIKeys config list
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// callerID derives a stable non-reversible bucket key from a presented
// credential so raw keys never land in the limiter map or logs
func callerID(presented string) string {
	sum := sha256.Sum256([]byte(presented))
	return hex.EncodeToString(sum[:8])
}
