// Package conversation tracks multi-turn question histories and bounds
// how many asks run at once.
package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"codeask/internal/anthropic"
	"codeask/internal/errors"
	"codeask/internal/logging"
)

// Config contains manager configuration
type Config struct {
	TTL            time.Duration
	MaxConcurrency int
}

type entry struct {
	history    []anthropic.Message
	lastActive time.Time
}

// Manager holds per-conversation message histories with idle expiry and a
// concurrency gate over active asks. Expired histories are dropped lazily
// on access; Sweep exists for callers that want periodic cleanup too.
type Manager struct {
	ttl    time.Duration
	sem    chan struct{}
	store  *Store // optional transcript persistence
	logger *logging.Logger

	mu            sync.Mutex
	conversations map[string]*entry

	// now is swapped out in tests
	now func() time.Time
}

// NewManager creates a conversation manager. store may be nil to disable
// transcript persistence.
func NewManager(cfg Config, store *Store, logger *logging.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Manager{
		ttl:           cfg.TTL,
		sem:           make(chan struct{}, cfg.MaxConcurrency),
		store:         store,
		logger:        logger,
		conversations: make(map[string]*entry),
		now:           time.Now,
	}
}

// NewID mints a conversation identifier
func (m *Manager) NewID() string {
	return uuid.New().String()
}

// Acquire blocks until an ask slot is free or ctx is done. The returned
// release function must be called exactly once.
func (m *Manager) Acquire(ctx context.Context) (func(), error) {
	select {
	case m.sem <- struct{}{}:
		return func() { <-m.sem }, nil
	case <-ctx.Done():
		return nil, errors.New(errors.Cancelled, "gave up waiting for an ask slot", ctx.Err())
	}
}

// History returns the stored history for a conversation, or nil if the
// conversation is unknown or expired.
func (m *Manager) History(id string) []anthropic.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	e, ok := m.conversations[id]
	if !ok {
		return nil
	}
	e.lastActive = m.now()
	out := make([]anthropic.Message, len(e.history))
	copy(out, e.history)
	return out
}

// Update replaces a conversation's history, creating the conversation if
// needed, and appends the new turns to the transcript store when enabled.
func (m *Manager) Update(id string, history []anthropic.Message) {
	m.mu.Lock()
	e, ok := m.conversations[id]
	var prevLen int
	if ok {
		prevLen = len(e.history)
		e.history = history
		e.lastActive = m.now()
	} else {
		m.conversations[id] = &entry{history: history, lastActive: m.now()}
	}
	m.sweepLocked()
	m.mu.Unlock()

	if m.store != nil && len(history) > prevLen {
		if err := m.store.AppendTurns(id, prevLen, history[prevLen:]); err != nil {
			m.logger.Warn("Failed to persist transcript turns", map[string]interface{}{
				"conversation": id,
				"error":        err.Error(),
			})
		}
	}
}

// Drop removes a conversation immediately
func (m *Manager) Drop(id string) {
	m.mu.Lock()
	delete(m.conversations, id)
	m.mu.Unlock()
}

// ActiveCount reports how many conversations are currently retained
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	return len(m.conversations)
}

// Sweep drops expired conversations and reports how many remain. The
// manager also sweeps lazily on access; this exists for periodic callers
// so idle histories do not linger until the next request.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.conversations)
	m.sweepLocked()
	if dropped := before - len(m.conversations); dropped > 0 {
		m.logger.Debug("Expired conversations dropped", map[string]interface{}{
			"dropped":   dropped,
			"remaining": len(m.conversations),
		})
	}
	return len(m.conversations)
}

func (m *Manager) sweepLocked() {
	cutoff := m.now().Add(-m.ttl)
	for id, e := range m.conversations {
		if e.lastActive.Before(cutoff) {
			delete(m.conversations, id)
		}
	}
}
