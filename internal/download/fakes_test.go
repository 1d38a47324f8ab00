package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var pngPayload = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

var errConnReset = errors.New("connection reset")

// fakeFetch serves every ref with a small PNG. Refs can be told to fail a
// number of times, to block until a gate is closed, or to take a while.
type fakeFetch struct {
	mu          sync.Mutex
	failures    map[string]int
	gates       map[string]chan struct{}
	delays      map[string]time.Duration
	calls       map[string]int
	inFlight    int
	maxInFlight int
}

func newFakeFetch() *fakeFetch {
	return &fakeFetch{
		failures: make(map[string]int),
		gates:    make(map[string]chan struct{}),
		delays:   make(map[string]time.Duration),
		calls:    make(map[string]int),
	}
}

func (f *fakeFetch) StreamFetch(ctx context.Context, req ImageRequest) (<-chan ImageUpdate, error) {
	f.mu.Lock()
	f.calls[req.Ref]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	fail := f.failures[req.Ref] > 0
	if fail {
		f.failures[req.Ref]--
	}
	gate := f.gates[req.Ref]
	delay := f.delays[req.Ref]
	f.mu.Unlock()

	ch := make(chan ImageUpdate, 2)
	go func() {
		defer close(ch)
		finished := func() {
			f.mu.Lock()
			f.inFlight--
			f.mu.Unlock()
		}

		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				finished()
				ch <- ImageUpdate{Err: ctx.Err()}
				return
			}
		}
		if delay > 0 {
			time.Sleep(delay)
		}

		ch <- ImageUpdate{CurrentBytes: 10, TotalBytes: int64(len(pngPayload))}
		finished()
		if fail {
			ch <- ImageUpdate{Err: errConnReset}
			return
		}
		ch <- ImageUpdate{CurrentBytes: int64(len(pngPayload)), TotalBytes: int64(len(pngPayload)), Payload: pngPayload}
	}()
	return ch, nil
}

func (f *fakeFetch) FetchThumbnail(ctx context.Context, ref, sourceKey string) (<-chan ImageUpdate, error) {
	ch := make(chan ImageUpdate, 1)
	ch <- ImageUpdate{CurrentBytes: int64(len(pngPayload)), Payload: pngPayload}
	close(ch)
	return ch, nil
}

func (f *fakeFetch) callsFor(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ref]
}

func (f *fakeFetch) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

func (f *fakeFetch) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

type fakeMetadata struct {
	mu           sync.Mutex
	comic        *ComicDetails
	pages        map[string][]string
	infoFailures int
	infoCalls    int
	pageCalls    map[string]int
}

func newFakeMetadata(comic *ComicDetails, pages map[string][]string) *fakeMetadata {
	return &fakeMetadata{comic: comic, pages: pages, pageCalls: make(map[string]int)}
}

func (m *fakeMetadata) LoadComicInfo(ctx context.Context, id string) (*ComicDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoCalls++
	if m.infoFailures > 0 {
		m.infoFailures--
		return nil, errors.New("source unavailable")
	}
	comic := *m.comic
	return &comic, nil
}

func (m *fakeMetadata) LoadComicPages(ctx context.Context, id, chapterID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageCalls[chapterID]++
	refs, ok := m.pages[chapterID]
	if !ok {
		return nil, errors.New("chapter not found")
	}
	return append([]string(nil), refs...), nil
}

func (m *fakeMetadata) calls() (int, map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := make(map[string]int, len(m.pageCalls))
	for k, v := range m.pageCalls {
		pages[k] = v
	}
	return m.infoCalls, pages
}

// fakeCatalog keeps snapshots encoded, the way a real store would.
type fakeCatalog struct {
	mu        sync.Mutex
	root      string
	snapshots map[Key][]byte
	entries   map[Key]*LocalEntry
	completed []*Completion
	removed   []Key
}

func newFakeCatalog(root string) *fakeCatalog {
	return &fakeCatalog{
		root:      root,
		snapshots: make(map[Key][]byte),
		entries:   make(map[Key]*LocalEntry),
	}
}

func (c *fakeCatalog) FindValidDirectory(ctx context.Context, key Key, kind Kind, title string) (string, error) {
	return filepath.Join(c.root, SanitizeName(title)), nil
}

func (c *fakeCatalog) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[snap.Key()] = data
	return nil
}

func (c *fakeCatalog) Snapshots(ctx context.Context) ([]*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snaps := make([]*Snapshot, 0, len(c.snapshots))
	for _, data := range c.snapshots {
		snap, err := DecodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (c *fakeCatalog) snapshot(key Key) *Snapshot {
	c.mu.Lock()
	data := c.snapshots[key]
	c.mu.Unlock()
	if data == nil {
		return nil
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil
	}
	return snap
}

func (c *fakeCatalog) CompleteTask(ctx context.Context, comp *Completion) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, comp)
	delete(c.snapshots, comp.Key)
	return nil
}

func (c *fakeCatalog) RemoveTask(ctx context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, key)
	delete(c.snapshots, key)
	return nil
}

func (c *fakeCatalog) Find(ctx context.Context, key Key) (*LocalEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key], nil
}

func (c *fakeCatalog) completions() []*Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Completion(nil), c.completed...)
}

func (c *fakeCatalog) removedKeys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Key(nil), c.removed...)
}

type fakeArchives struct {
	statuses []ArchiveStatus
	payload  []byte
	calls    atomic.Int32
}

func (a *fakeArchives) Start(ctx context.Context, url, destPath string) (<-chan ArchiveStatus, error) {
	a.calls.Add(1)
	if err := os.WriteFile(destPath, a.payload, 0644); err != nil {
		return nil, err
	}
	ch := make(chan ArchiveStatus, len(a.statuses))
	for _, st := range a.statuses {
		ch <- st
	}
	close(ch)
	return ch, nil
}

// fakeExtractor "extracts" a fixed set of files. With a gate set, Extract
// reports on started and blocks until the gate is closed.
type fakeExtractor struct {
	files   []string
	gate    chan struct{}
	started chan struct{}

	mu       sync.Mutex
	extracts []string
	copies   int
	active   int
	peak     int
}

func (e *fakeExtractor) Extract(archivePath, destDir string) error {
	e.mu.Lock()
	e.extracts = append(e.extracts, destDir)
	e.active++
	if e.active > e.peak {
		e.peak = e.active
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	if e.gate != nil {
		if e.started != nil {
			select {
			case e.started <- struct{}{}:
			default:
			}
		}
		<-e.gate
	}

	if _, err := os.Stat(archivePath); err != nil {
		return err
	}
	for _, name := range e.files {
		if err := os.WriteFile(filepath.Join(destDir, name), pngPayload, 0644); err != nil {
			return err
		}
	}
	return nil
}

func (e *fakeExtractor) maxActive() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak
}

func (e *fakeExtractor) CopyTree(srcDir, destDir string) error {
	e.mu.Lock()
	e.copies++
	e.mu.Unlock()

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(srcDir, entry.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(destDir, entry.Name()), data, 0644); err != nil {
			return err
		}
	}
	return nil
}

// sleepRecorder replaces retry delays with a counter.
type sleepRecorder struct {
	count atomic.Int32
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.count.Add(1)
	return ctx.Err()
}

type testEnv struct {
	root     string
	fetch    *fakeFetch
	metadata *fakeMetadata
	catalog  *fakeCatalog
	sleeps   *sleepRecorder
	limit    atomic.Int32
	deps     Deps
}

func newTestEnv(t *testing.T, comic *ComicDetails, pages map[string][]string) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		root:     root,
		fetch:    newFakeFetch(),
		metadata: newFakeMetadata(comic, pages),
		catalog:  newFakeCatalog(root),
		sleeps:   &sleepRecorder{},
	}
	env.limit.Store(2)
	env.deps = Deps{
		Fetch:         env.fetch,
		Metadata:      env.metadata,
		Catalog:       env.catalog,
		MaxConcurrent: func() int { return int(env.limit.Load()) },
		RetryDelay:    time.Millisecond,
		CacheDir:      filepath.Join(root, ".cache"),
		Sleep:         env.sleeps.sleep,
		MeterInterval: 10 * time.Millisecond,
	}
	return env
}

func flatPages(n int) []string {
	refs := make([]string, n)
	for i := range refs {
		refs[i] = fmt.Sprintf("https://img.example/p%d.jpg", i)
	}
	return refs
}
