// Package storage provides persistence layer with multiple backend support
package storage

import (
	"context"
	"time"
)

// StorageType represents the type of storage backend
type StorageType string

const (
	StorageTypeMemory StorageType = "memory" // In-memory storage (ephemeral)
	StorageTypeSQLite StorageType = "sqlite" // SQLite file-based storage
)

// StorageConfig represents storage configuration
type StorageConfig struct {
	Type   StorageType   `mapstructure:"type" yaml:"type" json:"type"`
	SQLite *SQLiteConfig `mapstructure:"sqlite" yaml:"sqlite" json:"sqlite,omitempty"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path      string            `mapstructure:"path" yaml:"path" json:"path"`                    // Database file path
	Pragmas   map[string]string `mapstructure:"pragmas" yaml:"pragmas" json:"pragmas,omitempty"` // SQLite pragmas
	EnableWAL bool              `mapstructure:"enable_wal" yaml:"enable_wal" json:"enableWAL"`   // Enable WAL mode
}

// ChapterRef identifies one downloaded chapter of a catalogued comic
type ChapterRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Comic is a completed catalog entry: a comic that exists on local disk.
type Comic struct {
	EntryID   string       `json:"entryId" db:"entry_id"`
	ComicID   string       `json:"comicId" db:"comic_id"`
	SourceKey string       `json:"sourceKey" db:"source_key"`
	Kind      string       `json:"kind" db:"kind"` // images, archive
	Title     string       `json:"title" db:"title"`
	Directory string       `json:"directory" db:"directory"`
	Cover     string       `json:"cover,omitempty" db:"cover"`
	Chapters  []ChapterRef `json:"chapters,omitempty" db:"chapters"` // JSON encoded
	Images    int          `json:"images" db:"images"`
	CreatedAt time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time    `json:"updatedAt" db:"updated_at"`
}

// HasChapter reports whether the chapter id is already catalogued.
func (c *Comic) HasChapter(id string) bool {
	for _, ch := range c.Chapters {
		if ch.ID == id {
			return true
		}
	}
	return false
}

// TaskSnapshot is the persisted resumable state of one unfinished task.
// Data holds the encoded snapshot; storage does not interpret it.
type TaskSnapshot struct {
	ComicID   string    `json:"comicId" db:"comic_id"`
	SourceKey string    `json:"sourceKey" db:"source_key"`
	Kind      string    `json:"kind" db:"kind"`
	Directory string    `json:"directory,omitempty" db:"directory"`
	Data      []byte    `json:"data" db:"data"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Store defines the storage interface
type Store interface {
	// Catalog operations
	UpsertComic(ctx context.Context, comic *Comic) error
	GetComic(ctx context.Context, sourceKey, comicID string) (*Comic, error)
	ListComics(ctx context.Context, limit, offset int) ([]*Comic, error)
	DeleteComic(ctx context.Context, sourceKey, comicID string) error
	// DirectoryInUse reports whether a catalog entry or a snapshot owns dir.
	DirectoryInUse(ctx context.Context, dir string) (bool, error)

	// Snapshot operations
	SaveSnapshot(ctx context.Context, snap *TaskSnapshot) error
	GetSnapshot(ctx context.Context, sourceKey, comicID string) (*TaskSnapshot, error)
	ListSnapshots(ctx context.Context) ([]*TaskSnapshot, error)
	DeleteSnapshot(ctx context.Context, sourceKey, comicID string) error

	// Cleanup
	Close() error
}

// Manager manages the storage backend
type Manager struct {
	store  Store
	config *StorageConfig
}

// NewManager creates a new storage manager
func NewManager(config *StorageConfig) (*Manager, error) {
	mgr := &Manager{
		config: config,
	}

	var store Store
	var err error

	switch config.Type {
	case StorageTypeMemory:
		store, err = NewMemoryStore()
	case StorageTypeSQLite:
		if config.SQLite == nil {
			return nil, ErrMissingSQLiteConfig
		}
		store, err = NewSQLiteStore(config.SQLite)
	default:
		return nil, ErrInvalidStorageType
	}

	if err != nil {
		return nil, err
	}

	mgr.store = store
	return mgr, nil
}

// GetStore returns the underlying store
func (m *Manager) GetStore() Store {
	return m.store
}

// Close closes the storage manager
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// Errors
var (
	ErrInvalidStorageType  = &StorageError{Code: "INVALID_TYPE", Message: "Invalid storage type"}
	ErrMissingSQLiteConfig = &StorageError{Code: "MISSING_CONFIG", Message: "Missing SQLite configuration"}
	ErrComicNotFound       = &StorageError{Code: "NOT_FOUND", Message: "Comic not found"}
	ErrSnapshotNotFound    = &StorageError{Code: "NOT_FOUND", Message: "Snapshot not found"}
)

// StorageError represents a storage error
type StorageError struct {
	Code    string
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
