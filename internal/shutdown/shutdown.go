// Package shutdown runs prioritized cleanup hooks when the daemon is asked to stop.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/comicvault/comicvault/internal/logger"
)

// Hook is a function called during shutdown
type Hook func(ctx context.Context) error

// Priority defines the order in which hooks are executed
type Priority int

const (
	// PriorityCritical hooks run first (stop accepting requests)
	PriorityCritical Priority = 0
	// PriorityHigh hooks run second (pause downloads, write snapshots)
	PriorityHigh Priority = 1
	// PriorityNormal hooks run third (close storage)
	PriorityNormal Priority = 2
	// PriorityLow hooks run last (flush logs)
	PriorityLow Priority = 3
)

type registeredHook struct {
	name     string
	hook     Hook
	priority Priority
}

// Manager manages graceful shutdown
type Manager struct {
	mu       sync.Mutex
	hooks    []registeredHook
	timeout  time.Duration
	sigChan  chan os.Signal
	stopChan chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	shutdown bool
}

// NewManager creates a shutdown manager. timeout bounds each hook.
func NewManager(timeout time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		timeout:  timeout,
		sigChan:  make(chan os.Signal, 1),
		stopChan: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register adds a hook. Hooks with equal priority run in registration order.
func (m *Manager) Register(name string, hook Hook, priority Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, registeredHook{
		name:     name,
		hook:     hook,
		priority: priority,
	})

	logger.Debugf("Registered shutdown hook: %s (priority: %d)", name, priority)
}

// Start begins listening for shutdown signals
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)

	m.wg.Add(1)
	go m.waitForShutdown()
}

func (m *Manager) waitForShutdown() {
	defer m.wg.Done()
	defer signal.Stop(m.sigChan)

	select {
	case sig := <-m.sigChan:
		logger.Infof("Received signal %v", sig)
	case <-m.stopChan:
		logger.Info("Shutdown requested")
	}
	m.run()
}

// run executes all hooks in priority order
func (m *Manager) run() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	hooks := append([]registeredHook(nil), m.hooks...)
	m.mu.Unlock()

	logger.Info("Shutting down...")

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].priority < hooks[j].priority
	})

	for _, h := range hooks {
		m.runHook(h)
	}

	logger.Info("Shutdown complete")
	m.cancel()
}

func (m *Manager) runHook(h registeredHook) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.hook(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Errorf("Shutdown hook %s failed: %v", h.name, err)
		} else {
			logger.Debugf("Shutdown hook %s done", h.name)
		}
	case <-ctx.Done():
		logger.Errorf("Shutdown hook %s timed out after %v", h.name, m.timeout)
	}
}

// Stop triggers graceful shutdown programmatically
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}

	select {
	case m.stopChan <- struct{}{}:
	default:
	}
}

// Context returns a context that is cancelled once shutdown has completed
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Wait blocks until shutdown is complete
func (m *Manager) Wait() {
	m.wg.Wait()
}
