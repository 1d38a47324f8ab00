// Package storage provides in-memory storage implementation
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store interface with in-memory storage
type MemoryStore struct {
	mu        sync.RWMutex
	comics    map[string]*Comic        // key: "sourceKey/comicID"
	snapshots map[string]*TaskSnapshot // key: "sourceKey/comicID"
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() (*MemoryStore, error) {
	return &MemoryStore{
		comics:    make(map[string]*Comic),
		snapshots: make(map[string]*TaskSnapshot),
	}, nil
}

func memoryKey(sourceKey, comicID string) string {
	return sourceKey + "/" + comicID
}

// UpsertComic creates or replaces a catalog entry
func (s *MemoryStore) UpsertComic(ctx context.Context, comic *Comic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey(comic.SourceKey, comic.ComicID)
	now := time.Now()
	if existing, ok := s.comics[key]; ok {
		comic.EntryID = existing.EntryID
		comic.CreatedAt = existing.CreatedAt
	}
	if comic.EntryID == "" {
		comic.EntryID = uuid.New().String()
	}
	if comic.CreatedAt.IsZero() {
		comic.CreatedAt = now
	}
	comic.UpdatedAt = now

	stored := *comic
	stored.Chapters = append([]ChapterRef(nil), comic.Chapters...)
	s.comics[key] = &stored
	return nil
}

// GetComic retrieves a catalog entry
func (s *MemoryStore) GetComic(ctx context.Context, sourceKey, comicID string) (*Comic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	comic, exists := s.comics[memoryKey(sourceKey, comicID)]
	if !exists {
		return nil, ErrComicNotFound
	}

	// Return a copy to avoid race conditions
	comicCopy := *comic
	comicCopy.Chapters = append([]ChapterRef(nil), comic.Chapters...)
	return &comicCopy, nil
}

// ListComics lists catalog entries, most recently updated first
func (s *MemoryStore) ListComics(ctx context.Context, limit, offset int) ([]*Comic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	comics := make([]*Comic, 0, len(s.comics))
	for _, comic := range s.comics {
		comicCopy := *comic
		comics = append(comics, &comicCopy)
	}
	sort.Slice(comics, func(i, j int) bool {
		return comics[i].UpdatedAt.After(comics[j].UpdatedAt)
	})

	if offset >= len(comics) {
		return []*Comic{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(comics) {
		end = len(comics)
	}
	return comics[offset:end], nil
}

// DeleteComic deletes a catalog entry
func (s *MemoryStore) DeleteComic(ctx context.Context, sourceKey, comicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey(sourceKey, comicID)
	if _, exists := s.comics[key]; !exists {
		return ErrComicNotFound
	}
	delete(s.comics, key)
	return nil
}

// DirectoryInUse reports whether any entry or snapshot owns dir
func (s *MemoryStore) DirectoryInUse(ctx context.Context, dir string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, comic := range s.comics {
		if comic.Directory == dir {
			return true, nil
		}
	}
	for _, snap := range s.snapshots {
		if snap.Directory == dir {
			return true, nil
		}
	}
	return false, nil
}

// SaveSnapshot creates or replaces a task snapshot
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap *TaskSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.UpdatedAt = time.Now()
	stored := *snap
	stored.Data = append([]byte(nil), snap.Data...)
	s.snapshots[memoryKey(snap.SourceKey, snap.ComicID)] = &stored
	return nil
}

// GetSnapshot retrieves a task snapshot
func (s *MemoryStore) GetSnapshot(ctx context.Context, sourceKey, comicID string) (*TaskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, exists := s.snapshots[memoryKey(sourceKey, comicID)]
	if !exists {
		return nil, ErrSnapshotNotFound
	}
	snapCopy := *snap
	snapCopy.Data = append([]byte(nil), snap.Data...)
	return &snapCopy, nil
}

// ListSnapshots lists all task snapshots, oldest first
func (s *MemoryStore) ListSnapshots(ctx context.Context) ([]*TaskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := make([]*TaskSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		snapCopy := *snap
		snaps = append(snaps, &snapCopy)
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].UpdatedAt.Before(snaps[j].UpdatedAt)
	})
	return snaps, nil
}

// DeleteSnapshot deletes a task snapshot. Deleting a missing snapshot is not an error.
func (s *MemoryStore) DeleteSnapshot(ctx context.Context, sourceKey, comicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, memoryKey(sourceKey, comicID))
	return nil
}

// Close closes the store (no-op for memory store)
func (s *MemoryStore) Close() error {
	return nil
}
