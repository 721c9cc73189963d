// Package notify pushes signed event notifications to configured HTTP
// endpoints when answers complete or background syncs fail.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"codeask/internal/logging"
)

// Event types emitted by codeask
const (
	EventAnswerCompleted EventType = "answer.completed"
	EventSyncCompleted   EventType = "sync.completed"
	EventSyncFailed      EventType = "sync.failed"
)

// EventType identifies a notification event kind
type EventType string

// Event is one notification payload
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh delivery identity
func NewEvent(eventType EventType, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Config contains notifier configuration
type Config struct {
	WorkerCount int
	QueueSize   int
	Timeout     time.Duration
}

type delivery struct {
	rule  Rule
	event *Event
}

// Manager fans events out to the rules that subscribe to them. Deliveries
// run on background workers; a full queue drops the delivery with a
// warning rather than blocking the caller.
type Manager struct {
	rules   []Rule
	client  *http.Client
	logger  *logging.Logger
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	queue  chan delivery
}

// NewManager creates a notifier over the given rules
func NewManager(rules []Rule, config Config, logger *logging.Logger) *Manager {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		rules:   rules,
		client:  &http.Client{Timeout: config.Timeout},
		logger:  logger,
		workers: config.WorkerCount,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan delivery, config.QueueSize),
	}
}

// Start launches the delivery workers
func (m *Manager) Start() {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

// Stop drains in-flight deliveries, waiting up to timeout
func (m *Manager) Stop(timeout time.Duration) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("notifier shutdown timed out")
	}
}

// Emit queues the event for every rule subscribed to its type
func (m *Manager) Emit(event *Event) {
	for _, rule := range m.rules {
		if !rule.matches(event.Type) {
			continue
		}
		select {
		case m.queue <- delivery{rule: rule, event: event}:
		default:
			m.logger.Warn("Notification queue full, dropping delivery", map[string]interface{}{
				"rule":  rule.Name,
				"event": event.ID,
			})
		}
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case d := <-m.queue:
			m.deliver(d)
		case <-m.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case d := <-m.queue:
					m.deliver(d)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) deliver(d delivery) {
	payload, err := json.Marshal(d.event)
	if err != nil {
		m.logger.Error("Failed to encode notification", map[string]interface{}{
			"event": d.event.ID,
			"error": err.Error(),
		})
		return
	}

	req, err := http.NewRequest(http.MethodPost, d.rule.URL, bytes.NewReader(payload))
	if err != nil {
		m.logger.Error("Failed to build notification request", map[string]interface{}{
			"rule":  d.rule.Name,
			"error": err.Error(),
		})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "codeask-notify/1.0")
	req.Header.Set("X-Codeask-Event-ID", d.event.ID)
	req.Header.Set("X-Codeask-Event-Type", string(d.event.Type))
	req.Header.Set("X-Codeask-Delivery-ID", uuid.New().String())
	for k, v := range d.rule.Headers {
		req.Header.Set(k, v)
	}
	if d.rule.Secret != "" {
		req.Header.Set("X-Codeask-Signature-256", "sha256="+signPayload(payload, d.rule.Secret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("Notification delivery failed", map[string]interface{}{
			"rule":  d.rule.Name,
			"event": d.event.ID,
			"error": err.Error(),
		})
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		m.logger.Warn("Notification rejected by endpoint", map[string]interface{}{
			"rule":   d.rule.Name,
			"event":  d.event.ID,
			"status": resp.StatusCode,
		})
		return
	}
	m.logger.Debug("Notification delivered", map[string]interface{}{
		"rule":  d.rule.Name,
		"event": d.event.ID,
	})
}

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
