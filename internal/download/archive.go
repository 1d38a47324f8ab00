package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// coverPrefix marks the cover image inside an extracted archive.
const coverPrefix = "cover"

// ArchiveTask downloads a single archive and extracts it into the task
// directory. Bytes are never persisted: a resumed task starts the
// transfer over from zero.
type ArchiveTask struct {
	taskBase

	url      string
	current  int64
	expected int64
}

// NewArchiveTask creates an idle archive task.
func NewArchiveTask(key Key, url, title string, deps Deps) *ArchiveTask {
	t := &ArchiveTask{
		taskBase: newTaskBase(key, KindArchive, deps),
		url:      url,
	}
	t.title = title
	t.status = t.Status
	return t
}

func restoreArchiveTask(s *Snapshot, deps Deps) *ArchiveTask {
	t := NewArchiveTask(s.Key(), s.URL, s.Title, deps)
	t.path = s.Path
	t.cover = s.Cover
	t.phase = PhasePaused
	t.message = "Paused"
	return t
}

// Resume starts the transfer from the first byte.
func (t *ArchiveTask) Resume() {
	t.launch(t.run)
}

// Status returns the current status
func (t *ArchiveTask) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var s Status
	t.fillStatus(&s)
	switch {
	case t.phase == PhaseCompleted:
		s.Progress = 1
	case t.expected > 0:
		s.Progress = float64(t.current) / float64(t.expected)
	}
	return s
}

// Snapshot captures the resumable state.
func (t *ArchiveTask) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return &Snapshot{
		Type:      KindArchive,
		ID:        t.key.ID,
		SourceKey: t.key.SourceKey,
		Title:     t.title,
		Path:      t.path,
		Cover:     t.cover,
		URL:       t.url,
	}
}

func (t *ArchiveTask) archivePath() string {
	return filepath.Join(t.deps.CacheDir, SanitizeName(t.key.SourceKey+"-"+t.key.ID)+".zip")
}

func (t *ArchiveTask) run(ctx context.Context) error {
	if !t.transition(ctx, PhaseFetchingMetadata, "Preparing") {
		return ctx.Err()
	}

	t.mu.RLock()
	title := t.title
	t.mu.RUnlock()
	if title == "" {
		title = t.key.ID
	}

	dest, allocated, err := t.allocate(ctx, title)
	if err != nil {
		return err
	}
	if allocated {
		t.saveSnapshot(ctx, t.Snapshot())
	}

	if !t.transition(ctx, PhaseFetchingCover, "Downloading archive") {
		return ctx.Err()
	}
	archive := t.archivePath()
	if err := t.transfer(ctx, archive); err != nil {
		return err
	}

	if !t.transition(ctx, PhaseFetchingContent, "Extracting") {
		return ctx.Err()
	}
	extractErr := t.extract(ctx, archive, dest)
	if err := os.Remove(archive); err != nil && !os.IsNotExist(err) {
		t.log().WithError(err).Warn("Failed to delete archive")
	}
	if extractErr != nil {
		return extractErr
	}

	return t.finalize(ctx, dest)
}

// transfer mirrors the downloader's status reports until the stream ends.
func (t *ArchiveTask) transfer(ctx context.Context, archive string) error {
	if err := os.MkdirAll(filepath.Dir(archive), 0755); err != nil {
		return &StorageFailure{Op: "create cache directory", Err: err}
	}

	t.mu.Lock()
	t.current, t.expected = 0, 0
	t.mu.Unlock()

	statuses, err := t.deps.Archives.Start(ctx, t.url, archive)
	if err != nil {
		return fmt.Errorf("Download failed: %w", err)
	}

	var last *ArchiveStatus
	for st := range statuses {
		if st.Err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("Download failed: %w", st.Err)
		}
		last = &st

		t.mu.Lock()
		if st.DownloadedBytes > t.current {
			t.meter.Add(st.DownloadedBytes - t.current)
		}
		t.current = st.DownloadedBytes
		t.expected = st.TotalBytes
		t.mu.Unlock()

		t.setMessage(ctx, transferMessage(st))
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if last == nil {
		return fmt.Errorf("Download failed: %w", errNoArchiveState)
	}
	if !last.IsFinished {
		return fmt.Errorf("Download failed: transfer ended at %s of %s",
			humanize.Bytes(uint64(last.DownloadedBytes)), humanize.Bytes(uint64(last.TotalBytes)))
	}
	return nil
}

func transferMessage(st ArchiveStatus) string {
	if st.TotalBytes > 0 {
		return fmt.Sprintf("%s / %s (%s/s)",
			humanize.Bytes(uint64(st.DownloadedBytes)),
			humanize.Bytes(uint64(st.TotalBytes)),
			humanize.Bytes(uint64(st.BytesPerSecond)))
	}
	return fmt.Sprintf("%s (%s/s)",
		humanize.Bytes(uint64(st.DownloadedBytes)),
		humanize.Bytes(uint64(st.BytesPerSecond)))
}

// extract unpacks the archive. Extraction cannot be interrupted, so a
// pause or cancel takes effect only after the extractor has returned and
// nothing is left writing into dest.
func (t *ArchiveTask) extract(ctx context.Context, archive, dest string) error {
	err := t.extractTo(archive, dest)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return fmt.Errorf("Extraction failed: %w", err)
	}
	return nil
}

func (t *ArchiveTask) extractTo(archive, dest string) error {
	if !t.needsScratch(dest) {
		return t.deps.Extractor.Extract(archive, dest)
	}

	scratch, err := os.MkdirTemp(t.deps.CacheDir, "extract-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	if err := t.deps.Extractor.Extract(archive, scratch); err != nil {
		return err
	}
	return t.deps.Extractor.CopyTree(scratch, dest)
}

func (t *ArchiveTask) needsScratch(dest string) bool {
	for _, prefix := range t.deps.ScratchPrefixes {
		if prefix != "" && strings.HasPrefix(dest, prefix) {
			return true
		}
	}
	return false
}

// findCover picks the first file named like a cover, else the first file by name.
func findCover(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	first := ""
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if strings.HasPrefix(strings.ToLower(entry.Name()), coverPrefix) {
			return filepath.Join(dir, entry.Name())
		}
		if first == "" {
			first = filepath.Join(dir, entry.Name())
		}
	}
	return first
}

func (t *ArchiveTask) finalize(ctx context.Context, dest string) error {
	cover := findCover(dest)

	t.mu.Lock()
	t.cover = cover
	completion := &Completion{
		Key:       t.key,
		Kind:      KindArchive,
		Title:     t.title,
		Directory: dest,
		Cover:     cover,
	}
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.deps.Catalog.CompleteTask(context.WithoutCancel(ctx), completion); err != nil {
		return &StorageFailure{Op: "complete task", Err: err}
	}

	t.transition(ctx, PhaseCompleted, "Completed")
	return nil
}

// Cancel stops the transfer and removes the partial archive. The
// destination is removed unless the catalog already owns it.
func (t *ArchiveTask) Cancel() {
	if !t.stop() {
		return
	}

	t.mu.RLock()
	path := t.path
	t.mu.RUnlock()

	if err := os.Remove(t.archivePath()); err != nil && !os.IsNotExist(err) {
		t.log().WithError(err).Warn("Failed to delete archive")
	}

	if path != "" {
		entry, err := t.deps.Catalog.Find(context.Background(), t.key)
		switch {
		case err != nil:
			t.log().WithError(err).Warn("Failed to look up catalog entry, keeping files")
		case entry == nil:
			t.removeAll(path)
		}
	}

	t.finishCancel()
}
