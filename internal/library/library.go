// Package library keeps the on-disk comic library and its catalog in sync.
// It allocates task directories, persists task snapshots and records
// completed comics in storage.
package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/comicvault/comicvault/internal/download"
	"github.com/comicvault/comicvault/internal/logger"
	"github.com/comicvault/comicvault/internal/storage"
)

// Catalog kinds as stored in storage.Comic.Kind
const (
	KindImages  = "images"
	KindArchive = "archive"
)

// maxDirectoryAttempts caps the " (n)" suffixes tried for one title.
const maxDirectoryAttempts = 1000

// ErrInsufficientSpace is returned when the library volume is too full to
// start a new download.
var ErrInsufficientSpace = errors.New("insufficient free disk space")

// Options configures a Library.
type Options struct {
	// Root is the directory new comics are placed under.
	Root string
	// MinFreeSpaceMB is the free space required on the library volume
	// before a new directory is allocated. Zero disables the check.
	MinFreeSpaceMB int
}

// UsageFunc reports disk usage for the volume holding path.
type UsageFunc func(ctx context.Context, path string) (*disk.UsageStat, error)

// Library implements download.Catalog over a storage.Store.
type Library struct {
	store   storage.Store
	root    string
	minFree uint64
	usage   UsageFunc

	mu sync.Mutex
	// reserved holds directories handed out but not yet backed by a snapshot.
	reserved map[string]download.Key
}

// New creates a library rooted at opts.Root.
func New(store storage.Store, opts Options) (*Library, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("library root cannot be empty")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve library root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create library root: %w", err)
	}

	var minFree uint64
	if opts.MinFreeSpaceMB > 0 {
		minFree = uint64(opts.MinFreeSpaceMB) * 1024 * 1024
	}

	return &Library{
		store:    store,
		root:     root,
		minFree:  minFree,
		usage:    disk.UsageWithContext,
		reserved: make(map[string]download.Key),
	}, nil
}

// SetUsageFunc replaces the disk usage probe.
func (l *Library) SetUsageFunc(fn UsageFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage = fn
}

// Root returns the library root directory.
func (l *Library) Root() string {
	return l.root
}

// FindValidDirectory returns the directory a task writes into. A comic that
// is already catalogued or has a saved snapshot keeps its directory; a new
// one gets a fresh directory named after its title.
func (l *Library) FindValidDirectory(ctx context.Context, key download.Key, kind download.Kind, title string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dir, ok := l.reservedFor(key); ok {
		return dir, nil
	}

	snap, err := l.store.GetSnapshot(ctx, key.SourceKey, key.ID)
	switch {
	case err == nil && snap.Directory != "":
		return snap.Directory, nil
	case err != nil && !errors.Is(err, storage.ErrSnapshotNotFound):
		return "", fmt.Errorf("failed to look up snapshot: %w", err)
	}

	comic, err := l.store.GetComic(ctx, key.SourceKey, key.ID)
	switch {
	case err == nil && comic.Directory != "":
		return comic.Directory, nil
	case err != nil && !errors.Is(err, storage.ErrComicNotFound):
		return "", fmt.Errorf("failed to look up catalog entry: %w", err)
	}

	if err := l.checkFreeSpace(ctx); err != nil {
		return "", err
	}

	if title == "" {
		title = key.ID
	}
	base := download.SanitizeName(title)
	for i := 1; i <= maxDirectoryAttempts; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s (%d)", base, i)
		}
		dir := filepath.Join(l.root, name)

		free, err := l.directoryFree(ctx, dir)
		if err != nil {
			return "", err
		}
		if free {
			l.reserved[dir] = key
			logger.WithField("task", key.String()).
				WithField("kind", string(kind)).
				Debugf("Allocated directory %s", dir)
			return dir, nil
		}
	}
	return "", fmt.Errorf("no free directory name for %q", title)
}

func (l *Library) reservedFor(key download.Key) (string, bool) {
	for dir, owner := range l.reserved {
		if owner == key {
			return dir, true
		}
	}
	return "", false
}

func (l *Library) release(key download.Key) {
	for dir, owner := range l.reserved {
		if owner == key {
			delete(l.reserved, dir)
		}
	}
}

func (l *Library) directoryFree(ctx context.Context, dir string) (bool, error) {
	if _, ok := l.reserved[dir]; ok {
		return false, nil
	}
	inUse, err := l.store.DirectoryInUse(ctx, dir)
	if err != nil {
		return false, fmt.Errorf("failed to check directory: %w", err)
	}
	if inUse {
		return false, nil
	}
	if _, err := os.Stat(dir); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat directory: %w", err)
	}
	return true, nil
}

func (l *Library) checkFreeSpace(ctx context.Context) error {
	if l.minFree == 0 || l.usage == nil {
		return nil
	}
	stat, err := l.usage(ctx, l.root)
	if err != nil {
		logger.WithError(err).Warnf("Failed to read disk usage for %s", l.root)
		return nil
	}
	if stat.Free < l.minFree {
		return fmt.Errorf("%w: %s free, %s required", ErrInsufficientSpace,
			humanize.IBytes(stat.Free), humanize.IBytes(l.minFree))
	}
	return nil
}

// SaveSnapshot persists the resumable state of a task.
func (l *Library) SaveSnapshot(ctx context.Context, snap *download.Snapshot) error {
	data, err := download.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	return l.store.SaveSnapshot(ctx, &storage.TaskSnapshot{
		ComicID:   snap.ID,
		SourceKey: snap.SourceKey,
		Kind:      string(snap.Type),
		Directory: snap.Path,
		Data:      data,
	})
}

// Snapshots returns every decodable persisted snapshot. Corrupt records are
// logged and skipped.
func (l *Library) Snapshots(ctx context.Context) ([]*download.Snapshot, error) {
	records, err := l.store.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	snaps := make([]*download.Snapshot, 0, len(records))
	for _, rec := range records {
		snap, err := download.DecodeSnapshot(rec.Data)
		if err != nil {
			logger.WithField("task", rec.SourceKey+":"+rec.ComicID).
				WithError(err).
				Warn("Ignoring unreadable snapshot")
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// CompleteTask records a finished comic and drops its snapshot. Chapters
// downloaded by earlier tasks are kept.
func (l *Library) CompleteTask(ctx context.Context, c *download.Completion) error {
	comic := &storage.Comic{
		ComicID:   c.Key.ID,
		SourceKey: c.Key.SourceKey,
		Kind:      catalogKind(c.Kind),
		Title:     c.Title,
		Directory: c.Directory,
		Cover:     c.Cover,
		Images:    c.Images,
	}
	for _, ch := range c.Chapters {
		comic.Chapters = append(comic.Chapters, storage.ChapterRef{ID: ch.ID, Title: ch.Title})
	}

	existing, err := l.store.GetComic(ctx, c.Key.SourceKey, c.Key.ID)
	switch {
	case err == nil:
		merged := existing.Chapters
		for _, ch := range comic.Chapters {
			if !existing.HasChapter(ch.ID) {
				merged = append(merged, ch)
			}
		}
		comic.Chapters = merged
		comic.Images += existing.Images
		if comic.Cover == "" {
			comic.Cover = existing.Cover
		}
		if comic.Title == "" {
			comic.Title = existing.Title
		}
	case !errors.Is(err, storage.ErrComicNotFound):
		return fmt.Errorf("failed to look up catalog entry: %w", err)
	}

	if err := l.store.UpsertComic(ctx, comic); err != nil {
		return fmt.Errorf("failed to save catalog entry: %w", err)
	}
	if err := l.store.DeleteSnapshot(ctx, c.Key.SourceKey, c.Key.ID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	l.mu.Lock()
	l.release(c.Key)
	l.mu.Unlock()

	logger.WithField("task", c.Key.String()).Infof("Catalogued %q in %s", comic.Title, comic.Directory)
	return nil
}

// RemoveTask forgets the snapshot of a cancelled task.
func (l *Library) RemoveTask(ctx context.Context, key download.Key) error {
	l.mu.Lock()
	l.release(key)
	l.mu.Unlock()

	if err := l.store.DeleteSnapshot(ctx, key.SourceKey, key.ID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// Find returns the catalogued state of a comic, or nil if it is not in the
// library.
func (l *Library) Find(ctx context.Context, key download.Key) (*download.LocalEntry, error) {
	comic, err := l.store.GetComic(ctx, key.SourceKey, key.ID)
	if errors.Is(err, storage.ErrComicNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up catalog entry: %w", err)
	}

	entry := &download.LocalEntry{Directory: comic.Directory}
	for _, ch := range comic.Chapters {
		entry.ChapterIDs = append(entry.ChapterIDs, ch.ID)
	}
	return entry, nil
}

// List returns catalogued comics, most recently updated first.
func (l *Library) List(ctx context.Context, limit, offset int) ([]*storage.Comic, error) {
	return l.store.ListComics(ctx, limit, offset)
}

func catalogKind(kind download.Kind) string {
	if kind == download.KindArchive {
		return KindArchive
	}
	return KindImages
}
