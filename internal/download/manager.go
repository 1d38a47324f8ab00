package download

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/comicvault/comicvault/internal/logger"
)

// Manager owns the set of active tasks and fans their status updates out
// to listeners.
type Manager struct {
	deps       Deps
	sources    map[string]MetadataClient
	tasks      map[Key]Task
	listeners  []StatusListener
	statusChan chan Status

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new download manager
func NewManager(deps Deps) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		deps:       deps,
		sources:    make(map[string]MetadataClient),
		tasks:      make(map[Key]Task),
		statusChan: make(chan Status, 100),
		ctx:        ctx,
		cancel:     cancel,
	}
	m.deps.Notify = m.notifyStatus

	// Start status broadcaster
	m.wg.Add(1)
	go m.statusBroadcaster()

	return m
}

// RegisterSource makes a metadata client available for its source key.
func (m *Manager) RegisterSource(sourceKey string, client MetadataClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[sourceKey] = client
}

// AddStatusListener adds a listener for status updates
func (m *Manager) AddStatusListener(listener StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Manager) depsFor(sourceKey string) (Deps, error) {
	client, ok := m.sources[sourceKey]
	if !ok {
		return Deps{}, fmt.Errorf("%w: %s", ErrUnknownSource, sourceKey)
	}
	deps := m.deps
	deps.Metadata = client
	return deps, nil
}

// AddImageSet registers and starts an image set download. A nil chapters
// downloads every chapter.
func (m *Manager) AddImageSet(key Key, chapters []string) (Task, error) {
	if key.ID == "" || key.SourceKey == "" {
		return nil, fmt.Errorf("%w: id and source key cannot be empty", ErrInvalidTask)
	}

	m.mu.Lock()
	if _, exists := m.tasks[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, key)
	}
	deps, err := m.depsFor(key.SourceKey)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	task := NewImageSetTask(key, chapters, deps)
	m.tasks[key] = task
	m.mu.Unlock()

	logger.WithField("task", key.String()).Info("Image set task added")
	task.Resume()
	return task, nil
}

// AddArchive registers and starts an archive download.
func (m *Manager) AddArchive(key Key, url, title string) (Task, error) {
	if key.ID == "" || key.SourceKey == "" {
		return nil, fmt.Errorf("%w: id and source key cannot be empty", ErrInvalidTask)
	}
	if url == "" {
		return nil, fmt.Errorf("%w: URL cannot be empty", ErrInvalidTask)
	}

	m.mu.Lock()
	if _, exists := m.tasks[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, key)
	}
	task := NewArchiveTask(key, url, title, m.deps)
	m.tasks[key] = task
	m.mu.Unlock()

	logger.WithField("task", key.String()).Info("Archive task added")
	task.Resume()
	return task, nil
}

// Get returns a task by key
func (m *Manager) Get(key Key) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[key]
	return task, ok
}

// Pause pauses a task
func (m *Manager) Pause(key Key) error {
	task, ok := m.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, key)
	}
	task.Pause()
	return nil
}

// Resume resumes a paused or failed task
func (m *Manager) Resume(key Key) error {
	task, ok := m.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, key)
	}
	task.Resume()
	return nil
}

// Cancel cancels a task, cleans up its files, and drops it from the active set.
func (m *Manager) Cancel(key Key) error {
	task, ok := m.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, key)
	}

	task.Cancel()

	m.mu.Lock()
	if m.tasks[key] == task {
		delete(m.tasks, key)
	}
	m.mu.Unlock()
	return nil
}

// List returns the status of every active task, ordered by key.
func (m *Manager) List() []Status {
	m.mu.RLock()
	tasks := make([]Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	m.mu.RUnlock()

	statuses := make([]Status, 0, len(tasks))
	for _, task := range tasks {
		statuses = append(statuses, task.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].SourceKey != statuses[j].SourceKey {
			return statuses[i].SourceKey < statuses[j].SourceKey
		}
		return statuses[i].ID < statuses[j].ID
	})
	return statuses
}

// Restore loads every persisted snapshot as a paused task. Snapshots that
// cannot be restored are skipped.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	snaps, err := m.deps.Catalog.Snapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshots: %w", err)
	}

	restored := 0
	for _, snap := range snaps {
		key := snap.Key()

		m.mu.Lock()
		if _, exists := m.tasks[key]; exists {
			m.mu.Unlock()
			continue
		}
		deps := m.deps
		if snap.Type == KindImageSet {
			deps, err = m.depsFor(key.SourceKey)
			if err != nil {
				m.mu.Unlock()
				logger.WithField("task", key.String()).WithError(err).Warn("Skipping snapshot")
				continue
			}
		}
		task, err := RestoreTask(snap, deps)
		if err != nil {
			m.mu.Unlock()
			logger.WithField("task", key.String()).WithError(err).Warn("Skipping snapshot")
			continue
		}
		m.tasks[key] = task
		m.mu.Unlock()
		restored++
	}

	logger.Infof("Restored %d download tasks", restored)
	return restored, nil
}

// ResumeAll resumes every paused task.
func (m *Manager) ResumeAll() {
	m.mu.RLock()
	tasks := make([]Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	m.mu.RUnlock()

	for _, task := range tasks {
		if task.Status().IsPaused {
			task.Resume()
		}
	}
}

// notifyStatus sends a status notification. Completed tasks leave the active set.
func (m *Manager) notifyStatus(status Status) {
	if status.Phase == PhaseCompleted {
		m.mu.Lock()
		delete(m.tasks, status.Key())
		m.mu.Unlock()
	}

	select {
	case m.statusChan <- status:
	case <-m.ctx.Done():
	case <-time.After(100 * time.Millisecond):
		// Don't block if channel is full
	}
}

// statusBroadcaster broadcasts status updates to all listeners
func (m *Manager) statusBroadcaster() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case status := <-m.statusChan:
			m.mu.RLock()
			listeners := make([]StatusListener, len(m.listeners))
			copy(listeners, m.listeners)
			m.mu.RUnlock()

			for _, listener := range listeners {
				listener(status)
			}
		}
	}
}

// Close pauses every task and waits for running work to stop
func (m *Manager) Close() error {
	m.mu.RLock()
	tasks := make([]Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		for _, task := range tasks {
			task.Pause()
		}
		for _, task := range tasks {
			task.Wait()
		}
		m.cancel()
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timeout waiting for downloads to finish")
	}
}
