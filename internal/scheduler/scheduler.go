// Package scheduler runs periodic background tasks for the lifetime of the
// process, independent of any request.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeask/internal/logging"
)

// TaskHandler executes one tick of a scheduled task
type TaskHandler func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	handler  TaskHandler
}

// Scheduler manages periodic task execution
type Scheduler struct {
	logger *logging.Logger

	mu    sync.Mutex
	tasks []task

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a new scheduler
func New(logger *logging.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a periodic task. Must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, handler TaskHandler) error {
	if interval <= 0 {
		return fmt.Errorf("task %q: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("task %q: scheduler already started", name)
	}
	s.tasks = append(s.tasks, task{name: name, interval: interval, handler: handler})
	return nil
}

// Start launches one goroutine per registered task
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, t := range s.tasks {
		s.logger.Info("Starting scheduled task", map[string]interface{}{
			"task":     t.name,
			"interval": t.interval.String(),
		})
		s.wg.Add(1)
		go s.run(t)
	}
}

// Stop cancels all tasks and waits for in-flight ticks to finish
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped", nil)
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("scheduler shutdown timed out after %s", timeout)
	}
}

func (s *Scheduler) run(t task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := t.handler(s.ctx); err != nil {
				s.logger.Warn("Scheduled task failed", map[string]interface{}{
					"task":  t.name,
					"error": err.Error(),
				})
				continue
			}
			s.logger.Debug("Scheduled task completed", map[string]interface{}{
				"task":     t.name,
				"duration": time.Since(start).String(),
			})
		}
	}
}
