// Package storage provides SQLite storage implementation
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Use modernc.org/sqlite for pure Go SQLite (CGO-free)
)

// SQLiteStore implements Store interface with SQLite backend
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		return nil, ErrMissingSQLiteConfig
	}

	// Ensure directory exists
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{
		db:   db,
		path: config.Path,
	}

	if err := store.initSchema(config); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema(config *SQLiteConfig) error {
	schema := `
	CREATE TABLE IF NOT EXISTS comics (
		entry_id TEXT PRIMARY KEY,
		comic_id TEXT NOT NULL,
		source_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT,
		directory TEXT NOT NULL,
		cover TEXT,
		chapters TEXT,
		images INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (source_key, comic_id)
	);

	CREATE TABLE IF NOT EXISTS task_snapshots (
		source_key TEXT NOT NULL,
		comic_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		directory TEXT,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (source_key, comic_id)
	);

	CREATE INDEX IF NOT EXISTS idx_comics_directory ON comics(directory);
	CREATE INDEX IF NOT EXISTS idx_comics_updated ON comics(updated_at);
	CREATE INDEX IF NOT EXISTS idx_snapshots_directory ON task_snapshots(directory);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = memory",
	}
	if config.EnableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	// Apply custom pragmas from config
	for key, value := range config.Pragmas {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA %s = %s", key, value))
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	return nil
}

// UpsertComic creates or replaces a catalog entry
func (s *SQLiteStore) UpsertComic(ctx context.Context, comic *Comic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := timeNow()
	if comic.EntryID == "" {
		comic.EntryID = uuid.New().String()
	}
	if comic.CreatedAt.IsZero() {
		comic.CreatedAt = now
	}
	comic.UpdatedAt = now

	chaptersJSON, err := json.Marshal(comic.Chapters)
	if err != nil {
		return fmt.Errorf("failed to encode chapters: %w", err)
	}

	// The unique (source_key, comic_id) pair keeps the original entry id and creation time.
	query := `
	INSERT INTO comics (entry_id, comic_id, source_key, kind, title, directory, cover, chapters, images, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(source_key, comic_id) DO UPDATE SET
		kind = excluded.kind,
		title = excluded.title,
		directory = excluded.directory,
		cover = excluded.cover,
		chapters = excluded.chapters,
		images = excluded.images,
		updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		comic.EntryID,
		comic.ComicID,
		comic.SourceKey,
		comic.Kind,
		comic.Title,
		comic.Directory,
		comic.Cover,
		string(chaptersJSON),
		comic.Images,
		comic.CreatedAt.Unix(),
		comic.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert comic: %w", err)
	}

	return s.db.QueryRowContext(ctx,
		"SELECT entry_id FROM comics WHERE source_key = ? AND comic_id = ?",
		comic.SourceKey, comic.ComicID,
	).Scan(&comic.EntryID)
}

const comicColumns = `entry_id, comic_id, source_key, kind, title, directory, cover, chapters, images, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanComic(row rowScanner) (*Comic, error) {
	var chaptersJSON sql.NullString
	var title, cover sql.NullString
	var createdUnix, updatedUnix int64
	comic := &Comic{}

	err := row.Scan(
		&comic.EntryID,
		&comic.ComicID,
		&comic.SourceKey,
		&comic.Kind,
		&title,
		&comic.Directory,
		&cover,
		&chaptersJSON,
		&comic.Images,
		&createdUnix,
		&updatedUnix,
	)
	if err != nil {
		return nil, err
	}

	comic.Title = title.String
	comic.Cover = cover.String
	if chaptersJSON.Valid && chaptersJSON.String != "" && chaptersJSON.String != "null" {
		if err := json.Unmarshal([]byte(chaptersJSON.String), &comic.Chapters); err != nil {
			return nil, fmt.Errorf("failed to decode chapters: %w", err)
		}
	}
	comic.CreatedAt = time.Unix(createdUnix, 0).UTC()
	comic.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
	return comic, nil
}

// GetComic retrieves a catalog entry
func (s *SQLiteStore) GetComic(ctx context.Context, sourceKey, comicID string) (*Comic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+comicColumns+" FROM comics WHERE source_key = ? AND comic_id = ?",
		sourceKey, comicID,
	)
	comic, err := scanComic(row)
	if err == sql.ErrNoRows {
		return nil, ErrComicNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get comic: %w", err)
	}
	return comic, nil
}

// ListComics lists catalog entries, most recently updated first
func (s *SQLiteStore) ListComics(ctx context.Context, limit, offset int) ([]*Comic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+comicColumns+" FROM comics ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list comics: %w", err)
	}
	defer rows.Close()

	comics := []*Comic{}
	for rows.Next() {
		comic, err := scanComic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan comic: %w", err)
		}
		comics = append(comics, comic)
	}
	return comics, rows.Err()
}

// DeleteComic deletes a catalog entry
func (s *SQLiteStore) DeleteComic(ctx context.Context, sourceKey, comicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM comics WHERE source_key = ? AND comic_id = ?", sourceKey, comicID)
	if err != nil {
		return fmt.Errorf("failed to delete comic: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrComicNotFound
	}
	return nil
}

// DirectoryInUse reports whether any entry or snapshot owns dir
func (s *SQLiteStore) DirectoryInUse(ctx context.Context, dir string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
	SELECT (SELECT COUNT(*) FROM comics WHERE directory = ?) +
	       (SELECT COUNT(*) FROM task_snapshots WHERE directory = ?)
	`, dir, dir).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check directory: %w", err)
	}
	return count > 0, nil
}

// SaveSnapshot creates or replaces a task snapshot
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *TaskSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.UpdatedAt = timeNow()

	query := `
	INSERT INTO task_snapshots (source_key, comic_id, kind, directory, data, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(source_key, comic_id) DO UPDATE SET
		kind = excluded.kind,
		directory = excluded.directory,
		data = excluded.data,
		updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		snap.SourceKey,
		snap.ComicID,
		snap.Kind,
		snap.Directory,
		snap.Data,
		snap.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func scanSnapshot(row rowScanner) (*TaskSnapshot, error) {
	var directory sql.NullString
	var updatedNano int64
	snap := &TaskSnapshot{}

	if err := row.Scan(&snap.SourceKey, &snap.ComicID, &snap.Kind, &directory, &snap.Data, &updatedNano); err != nil {
		return nil, err
	}
	snap.Directory = directory.String
	snap.UpdatedAt = time.Unix(0, updatedNano).UTC()
	return snap, nil
}

// GetSnapshot retrieves a task snapshot
func (s *SQLiteStore) GetSnapshot(ctx context.Context, sourceKey, comicID string) (*TaskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
	SELECT source_key, comic_id, kind, directory, data, updated_at
	FROM task_snapshots
	WHERE source_key = ? AND comic_id = ?
	`, sourceKey, comicID)

	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots lists all task snapshots, oldest first
func (s *SQLiteStore) ListSnapshots(ctx context.Context) ([]*TaskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT source_key, comic_id, kind, directory, data, updated_at
	FROM task_snapshots
	ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []*TaskSnapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// DeleteSnapshot deletes a task snapshot. Deleting a missing snapshot is not an error.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, sourceKey, comicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM task_snapshots WHERE source_key = ? AND comic_id = ?", sourceKey, comicID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func timeNow() time.Time {
	return time.Now().UTC()
}
