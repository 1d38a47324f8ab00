package download

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/comicvault/comicvault/internal/logger"
)

// Deps are the collaborators a task runs against.
type Deps struct {
	Fetch     FetchClient
	Metadata  MetadataClient
	Archives  ArchiveDownloader
	Extractor Extractor
	Catalog   Catalog

	// MaxConcurrent is re-read on every scheduling pass.
	MaxConcurrent func() int
	// RetryDelay is the base of the linear backoff between attempts.
	RetryDelay time.Duration
	// CacheDir holds archives while they download.
	CacheDir string
	// ScratchPrefixes lists destination prefixes that archives cannot be
	// extracted into directly.
	ScratchPrefixes []string

	Sleep         SleepFunc
	MeterInterval time.Duration
	Notify        StatusListener
}

func (d Deps) withDefaults() Deps {
	if d.MaxConcurrent == nil {
		d.MaxConcurrent = func() int { return 5 }
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = time.Second
	}
	if d.Sleep == nil {
		d.Sleep = sleepContext
	}
	if d.MeterInterval <= 0 {
		d.MeterInterval = time.Second
	}
	if d.CacheDir == "" {
		d.CacheDir = os.TempDir()
	}
	return d
}

// taskBase is the lifecycle shared by all task kinds. Variant state is
// guarded by mu; run control is guarded by runMu. Lock order is runMu, then mu.
type taskBase struct {
	key   Key
	kind  Kind
	deps  Deps
	meter *TransferMeter

	mu      sync.RWMutex
	phase   Phase
	message string
	title   string
	cover   string
	path    string
	isError bool
	// discarded is set once cancel cleanup has finished.
	discarded bool

	runMu     sync.Mutex
	running   bool
	cancelled bool
	stopRun   context.CancelFunc
	runDone   chan struct{}

	status func() Status
}

func newTaskBase(key Key, kind Kind, deps Deps) taskBase {
	deps = deps.withDefaults()
	return taskBase{
		key:     key,
		kind:    kind,
		deps:    deps,
		meter:   NewTransferMeter(deps.MeterInterval),
		phase:   PhaseIdle,
		message: "Waiting",
	}
}

// Key returns the task key
func (b *taskBase) Key() Key {
	return b.key
}

// Kind returns the task kind
func (b *taskBase) Kind() Kind {
	return b.kind
}

func (b *taskBase) log() *logger.LogEntry {
	return logger.WithField("task", b.key.String()).WithField("kind", string(b.kind))
}

func (b *taskBase) retrier() retrier {
	return retrier{base: b.deps.RetryDelay, sleep: b.deps.Sleep, task: b.key.String()}
}

func (b *taskBase) emit() {
	if b.deps.Notify != nil && b.status != nil {
		b.deps.Notify(b.status())
	}
}

// fillStatus copies the shared fields. Callers hold mu.
func (b *taskBase) fillStatus(s *Status) {
	s.ID = b.key.ID
	s.SourceKey = b.key.SourceKey
	s.Kind = b.kind
	s.Phase = b.phase
	s.Speed = b.meter.Speed()
	s.Message = b.message
	s.Title = b.title
	s.Cover = b.cover
	s.Path = b.path
	s.IsError = b.isError
	s.IsPaused = b.phase == PhasePaused
	s.IsCancelled = b.discarded
}

// transition moves to phase unless the run that asks for it has been stopped.
func (b *taskBase) transition(ctx context.Context, phase Phase, message string) bool {
	b.mu.Lock()
	if ctx.Err() != nil {
		b.mu.Unlock()
		return false
	}
	changed := b.phase != phase
	b.phase = phase
	b.message = message
	b.mu.Unlock()

	if changed {
		b.log().WithField("phase", phase.String()).Info(message)
	}
	b.emit()
	return true
}

func (b *taskBase) setMessage(ctx context.Context, message string) {
	b.mu.Lock()
	if ctx.Err() != nil {
		b.mu.Unlock()
		return
	}
	b.message = message
	b.mu.Unlock()
	b.emit()
}

// launch starts run in the background unless the task is already running,
// cancelled, or completed. A new run waits for the previous one to return.
func (b *taskBase) launch(run func(ctx context.Context) error) {
	b.runMu.Lock()
	if b.running || b.cancelled {
		b.runMu.Unlock()
		return
	}

	b.mu.Lock()
	if b.phase == PhaseCompleted {
		b.mu.Unlock()
		b.runMu.Unlock()
		return
	}
	b.phase = PhaseFetchingMetadata
	b.message = "Starting"
	b.isError = false
	b.mu.Unlock()

	prev := b.runDone
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.running, b.stopRun, b.runDone = true, cancel, done
	b.runMu.Unlock()

	b.emit()
	go b.runLoop(ctx, cancel, prev, done, run)
}

func (b *taskBase) runLoop(ctx context.Context, cancel context.CancelFunc, prev, done chan struct{}, run func(ctx context.Context) error) {
	defer close(done)
	defer cancel()

	if prev != nil {
		<-prev
	}

	b.meter.Start(func(int64) { b.emit() })
	err := run(ctx)
	b.meter.Stop()

	b.runMu.Lock()
	current := b.runDone == done
	if current {
		b.running = false
	}
	failed := current && err != nil && ctx.Err() == nil
	if failed {
		b.mu.Lock()
		b.phase = PhaseError
		b.isError = true
		b.message = err.Error()
		b.mu.Unlock()
	}
	b.runMu.Unlock()

	if failed {
		b.log().WithError(err).Error("Task failed")
	}
	b.emit()
}

// Pause stops the running work, if any, and parks the task.
func (b *taskBase) Pause() {
	b.runMu.Lock()
	if b.cancelled {
		b.runMu.Unlock()
		return
	}
	if b.running {
		b.stopRun()
		b.running = false
	}

	b.mu.Lock()
	changed := b.phase != PhaseCompleted && b.phase != PhaseError && b.phase != PhasePaused
	if changed {
		b.phase = PhasePaused
		b.message = "Paused"
	}
	b.mu.Unlock()
	b.runMu.Unlock()

	if changed {
		b.log().Info("Task paused")
		b.emit()
	}
}

// stop marks the task cancelled and waits for the running work to return.
// It reports false if the task was already cancelled.
func (b *taskBase) stop() bool {
	b.runMu.Lock()
	if b.cancelled {
		b.runMu.Unlock()
		return false
	}
	b.cancelled = true
	if b.running {
		b.stopRun()
		b.running = false
	}
	done := b.runDone
	b.runMu.Unlock()

	if done != nil {
		<-done
	}
	return true
}

// finishCancel removes the task from the catalog's active set once cleanup
// is done. The task is left Idle and flagged cancelled; it never runs again.
func (b *taskBase) finishCancel() {
	if err := b.deps.Catalog.RemoveTask(context.Background(), b.key); err != nil {
		b.log().WithError(err).Warn("Failed to remove task record")
	}

	b.mu.Lock()
	b.phase = PhaseIdle
	b.message = "Cancelled"
	b.isError = false
	b.discarded = true
	b.mu.Unlock()

	b.log().Info("Task cancelled")
	b.emit()
}

// Wait blocks until the current run, if any, has returned.
func (b *taskBase) Wait() {
	b.runMu.Lock()
	done := b.runDone
	b.runMu.Unlock()

	if done != nil {
		<-done
	}
}

// allocate returns the task directory, asking the catalog for one the
// first time. Failures are storage failures.
func (b *taskBase) allocate(ctx context.Context, title string) (string, bool, error) {
	b.mu.RLock()
	path := b.path
	b.mu.RUnlock()

	if path == "" {
		dir, err := b.deps.Catalog.FindValidDirectory(ctx, b.key, b.kind, title)
		if err != nil {
			if ctx.Err() != nil {
				return "", false, ctx.Err()
			}
			return "", false, &StorageFailure{Op: "allocate directory", Err: err}
		}
		path = dir
	}

	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", false, &StorageFailure{Op: "create directory", Err: err}
	}

	b.mu.Lock()
	allocated := b.path == ""
	b.path = path
	b.mu.Unlock()
	return path, allocated, nil
}

func (b *taskBase) saveSnapshot(ctx context.Context, snap *Snapshot) {
	if err := b.deps.Catalog.SaveSnapshot(context.WithoutCancel(ctx), snap); err != nil {
		b.log().WithError(err).Warn("Failed to save snapshot")
	}
}

// removeAll deletes path, logging instead of failing.
func (b *taskBase) removeAll(path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		b.log().WithError(err).Warnf("Failed to remove %s", path)
	}
}

func isLocalFile(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
