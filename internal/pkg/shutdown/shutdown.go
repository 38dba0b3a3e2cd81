// Package shutdown coordinates graceful shutdown of the worker process.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"avatarpipe/internal/pkg/logger"
)

// Manager owns the process lifetime: background services started with Go
// share its context, and cleanup handlers run in LIFO order on shutdown.
type Manager struct {
	log      *logger.Logger
	timeout  time.Duration
	handlers []Handler
	mu       sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	trigger chan string
	once    sync.Once
	done    chan struct{}
	running sync.WaitGroup
}

// Handler is a function that performs cleanup during shutdown.
type Handler struct {
	Name    string
	Cleanup func(ctx context.Context) error
}

// NewManager creates a new shutdown manager.
func NewManager(log *logger.Logger, timeout time.Duration) *Manager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:      log.WithComponent("shutdown"),
		timeout:  timeout,
		handlers: make([]Handler, 0),
		ctx:      ctx,
		cancel:   cancel,
		trigger:  make(chan string, 1),
		done:     make(chan struct{}),
	}
}

// Register adds a cleanup handler.
func (m *Manager) Register(name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, Handler{Name: name, Cleanup: cleanup})
	m.log.Debug("registered shutdown handler", "name", name)
}

// RegisterSimple adds a simple cleanup handler without context.
func (m *Manager) RegisterSimple(name string, cleanup func()) {
	m.Register(name, func(ctx context.Context) error {
		cleanup()
		return nil
	})
}

// Go runs a long-lived service bound to the manager context. A service that
// returns an error before shutdown triggers shutdown of the whole process.
func (m *Manager) Go(name string, run func(ctx context.Context) error) {
	m.running.Add(1)
	go func() {
		defer m.running.Done()
		err := run(m.ctx)
		if err != nil && !errors.Is(err, context.Canceled) && m.ctx.Err() == nil {
			m.log.Error("service stopped unexpectedly", "name", name, "error", err.Error())
			m.Trigger(name + " failed")
			return
		}
		m.log.Debug("service stopped", "name", name)
	}()
}

// Trigger requests shutdown without an OS signal.
func (m *Manager) Trigger(reason string) {
	select {
	case m.trigger <- reason:
	default:
	}
}

// Wait blocks until a shutdown signal or Trigger, then runs cleanup.
func (m *Manager) Wait() {
	m.WaitWithContext(context.Background())
}

// WaitWithContext is Wait with an additional cancellation source.
func (m *Manager) WaitWithContext(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.log.Info("shutdown signal received", "signal", sig.String())
	case reason := <-m.trigger:
		m.log.Info("shutdown triggered", "reason", reason)
	case <-ctx.Done():
		m.log.Info("context canceled, initiating shutdown")
	}

	m.Shutdown()
}

// Shutdown cancels the service context and runs cleanup handlers in reverse
// registration order. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.once.Do(m.shutdown)
}

func (m *Manager) shutdown() {
	defer close(m.done)

	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.log.Info("starting graceful shutdown", "handlers", len(handlers), "timeout", m.timeout.String())
	m.cancel()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := len(handlers) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				return
			}
			m.runHandler(ctx, handlers[i])
		}
		m.running.Wait()
	}()

	select {
	case <-finished:
		m.log.Info("graceful shutdown completed")
	case <-ctx.Done():
		m.log.Warn("shutdown timeout exceeded, forcing exit")
	}
}

func (m *Manager) runHandler(ctx context.Context, h Handler) {
	m.log.Debug("running shutdown handler", "name", h.Name)
	start := time.Now()

	if err := h.Cleanup(ctx); err != nil {
		m.log.Error("shutdown handler failed",
			"name", h.Name,
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	m.log.Debug("shutdown handler completed",
		"name", h.Name,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Context returns the service context, canceled when shutdown starts.
func (m *Manager) Context() context.Context {
	return m.ctx
}
