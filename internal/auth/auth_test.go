package auth

import (
	"testing"
	"time"

	"codeask/internal/logging"
)

func TestAuthenticatePlainKey(t *testing.T) {
	m := NewManager(Config{APIKey: "secret-key"}, logging.NewNop())

	if !m.Enabled() {
		t.Fatal("manager should be enabled with a key configured")
	}
	if !m.Authenticate("secret-key") {
		t.Error("valid key rejected")
	}
	if m.Authenticate("wrong-key") {
		t.Error("invalid key accepted")
	}
	if m.Authenticate("") {
		t.Error("empty key accepted")
	}
}

func TestAuthenticateHashedKeys(t *testing.T) {
	hash, err := HashKey("hashed-secret")
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(Config{HashedAPIKeys: []string{hash}}, logging.NewNop())

	if !m.Authenticate("hashed-secret") {
		t.Error("key matching bcrypt hash rejected")
	}
	if m.Authenticate("other") {
		t.Error("non-matching key accepted")
	}
}

func TestAuthenticateDisabled(t *testing.T) {
	m := NewManager(Config{}, logging.NewNop())
	if m.Enabled() {
		t.Error("manager enabled with no credentials")
	}
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	r := NewRateLimiter(RateLimitConfig{Enabled: true, LimitPerMinute: 60, BurstSize: 3})
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if ok, _ := r.Allow("caller"); !ok {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
	ok, retryAfter := r.Allow("caller")
	if ok {
		t.Fatal("4th request allowed with empty bucket")
	}
	if retryAfter < 1 {
		t.Errorf("retryAfter = %d, want >= 1", retryAfter)
	}

	// 60/min refills one token per second.
	now = now.Add(time.Second)
	if ok, _ := r.Allow("caller"); !ok {
		t.Error("request denied after refill interval")
	}
}

func TestRateLimiterIsolatesCallers(t *testing.T) {
	r := NewRateLimiter(RateLimitConfig{Enabled: true, LimitPerMinute: 60, BurstSize: 1})
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	if ok, _ := r.Allow("a"); !ok {
		t.Fatal("first caller denied")
	}
	if ok, _ := r.Allow("a"); ok {
		t.Fatal("first caller not limited")
	}
	if ok, _ := r.Allow("b"); !ok {
		t.Error("second caller affected by first caller's bucket")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	r := NewRateLimiter(RateLimitConfig{Enabled: false, LimitPerMinute: 1, BurstSize: 1})
	for i := 0; i < 10; i++ {
		if ok, _ := r.Allow("caller"); !ok {
			t.Fatal("disabled limiter denied a request")
		}
	}
}
