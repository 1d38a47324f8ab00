package download

import (
	"encoding/json"
	"fmt"
)

// Snapshot is the persisted, resumable state of a task. Type selects
// which of the variant fields are meaningful.
type Snapshot struct {
	Type      Kind   `json:"type"`
	ID        string `json:"id"`
	SourceKey string `json:"sourceKey"`
	Title     string `json:"title,omitempty"`
	Path      string `json:"path,omitempty"`
	Cover     string `json:"cover,omitempty"`

	// ImageSetTask
	Comic        *ComicDetails       `json:"comic,omitempty"`
	Requested    []string            `json:"requestedChapters,omitempty"`
	ChapterOrder []string            `json:"chapterOrder,omitempty"`
	Images       map[string][]string `json:"images,omitempty"`
	Downloaded   int                 `json:"downloaded,omitempty"`
	Total        int                 `json:"total,omitempty"`
	ChapterIndex int                 `json:"chapterIndex,omitempty"`
	ImageIndex   int                 `json:"imageIndex,omitempty"`

	// ArchiveTask
	URL string `json:"url,omitempty"`
}

// Key returns the key of the task the snapshot belongs to.
func (s *Snapshot) Key() Key {
	return Key{ID: s.ID, SourceKey: s.SourceKey}
}

// EncodeSnapshot serializes a snapshot.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses and validates a serialized snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Snapshot) validate() error {
	if s.ID == "" || s.SourceKey == "" {
		return fmt.Errorf("invalid snapshot: missing id or source key")
	}

	switch s.Type {
	case KindImageSet:
		if s.ChapterIndex < 0 || s.ImageIndex < 0 || s.Downloaded < 0 || s.Total < 0 {
			return fmt.Errorf("invalid snapshot %s: negative cursor or counter", s.Key())
		}
		if s.ChapterIndex > len(s.ChapterOrder) {
			return fmt.Errorf("invalid snapshot %s: chapter index %d out of range", s.Key(), s.ChapterIndex)
		}
		return nil
	case KindArchive:
		if s.URL == "" {
			return fmt.Errorf("invalid snapshot %s: missing url", s.Key())
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, s.Type)
	}
}

// RestoreTask rebuilds a task from its snapshot. The task starts Paused.
func RestoreTask(s *Snapshot, deps Deps) (Task, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}

	switch s.Type {
	case KindImageSet:
		return restoreImageSetTask(s, deps), nil
	case KindArchive:
		return restoreArchiveTask(s, deps), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, s.Type)
	}
}
