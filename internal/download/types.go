// Package download provides the comic download task engine.
// It handles bounded-concurrency image fetching with in-order commit,
// archive transfers, pause/resume/cancel, and resumable snapshots.
package download

import (
	"context"
	"errors"
	"fmt"
)

// Phase represents the lifecycle phase of a download task
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetchingMetadata
	PhaseFetchingCover
	PhaseFetchingContent
	PhasePaused
	PhaseError
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetchingMetadata:
		return "fetching_metadata"
	case PhaseFetchingCover:
		return "fetching_cover"
	case PhaseFetchingContent:
		return "fetching_content"
	case PhasePaused:
		return "paused"
	case PhaseError:
		return "error"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Kind discriminates the task variants.
type Kind string

const (
	KindImageSet Kind = "ImageSetTask"
	KindArchive  Kind = "ArchiveTask"
)

// Key identifies a task. Two tasks are the same task iff their keys are equal.
type Key struct {
	ID        string `json:"id"`
	SourceKey string `json:"sourceKey"`
}

func (k Key) String() string {
	return k.SourceKey + ":" + k.ID
}

// Status is a point-in-time view of a task for the UI and API.
type Status struct {
	ID         string  `json:"id"`
	SourceKey  string  `json:"sourceKey"`
	Kind       Kind    `json:"kind"`
	Phase      Phase   `json:"phase"`
	Progress   float64 `json:"progress"`
	Speed      int64   `json:"speed"`
	Message    string  `json:"message"`
	Title      string  `json:"title"`
	Cover      string  `json:"cover,omitempty"`
	Path       string  `json:"path,omitempty"`
	Downloaded int     `json:"downloaded"`
	Total      int     `json:"total"`
	IsError    bool    `json:"isError"`
	IsPaused   bool    `json:"isPaused"`
	// IsCancelled marks a task that was cancelled and cleaned up.
	IsCancelled bool `json:"isCancelled"`
}

// Key returns the task key the status belongs to.
func (s Status) Key() Key {
	return Key{ID: s.ID, SourceKey: s.SourceKey}
}

// StatusListener is a callback for task status updates
type StatusListener func(status Status)

// Task is the capability set shared by every task kind.
type Task interface {
	Key() Key
	Kind() Kind
	// Resume starts or continues the task. Calling it while the task is running does nothing.
	Resume()
	// Pause stops running work. Committed content is kept.
	Pause()
	// Cancel stops the task for good and removes partial content. It blocks until cleanup is done.
	Cancel()
	// Wait blocks until the current run, if any, has returned.
	Wait()
	Status() Status
	Snapshot() *Snapshot
}

// Chapter is one entry of a comic's chapter list.
type Chapter struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ComicDetails is the metadata a source returns for a comic.
type ComicDetails struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Cover    string    `json:"cover,omitempty"`
	Chapters []Chapter `json:"chapters,omitempty"`
}

// ImageRequest describes one image to fetch.
type ImageRequest struct {
	Ref       string
	SourceKey string
	ComicID   string
	ChapterID string
}

// ImageUpdate is one element of a progressive fetch. An update carrying
// Payload or Err is the last one the stream yields.
type ImageUpdate struct {
	CurrentBytes int64
	TotalBytes   int64
	Payload      []byte
	Err          error
}

// FetchClient fetches images as progressive streams.
type FetchClient interface {
	StreamFetch(ctx context.Context, req ImageRequest) (<-chan ImageUpdate, error)
	FetchThumbnail(ctx context.Context, ref, sourceKey string) (<-chan ImageUpdate, error)
}

// MetadataClient looks up comic details and page listings for one source.
type MetadataClient interface {
	LoadComicInfo(ctx context.Context, id string) (*ComicDetails, error)
	// LoadComicPages lists the images of a chapter. An empty chapterID
	// lists a comic that has no chapters.
	LoadComicPages(ctx context.Context, id, chapterID string) ([]string, error)
}

// ArchiveStatus is one periodic report of an archive transfer. A status
// carrying Err is the last one the stream yields.
type ArchiveStatus struct {
	DownloadedBytes int64
	TotalBytes      int64
	BytesPerSecond  int64
	IsFinished      bool
	Err             error
}

// ArchiveDownloader transfers a single archive to destPath.
type ArchiveDownloader interface {
	Start(ctx context.Context, url, destPath string) (<-chan ArchiveStatus, error)
}

// Extractor unpacks archives.
type Extractor interface {
	Extract(archivePath, destDir string) error
	CopyTree(srcDir, destDir string) error
}

// LocalEntry is what the catalog knows about a comic already on disk.
type LocalEntry struct {
	Directory  string
	ChapterIDs []string
}

// HasChapter reports whether the chapter is already catalogued.
func (e *LocalEntry) HasChapter(id string) bool {
	for _, c := range e.ChapterIDs {
		if c == id {
			return true
		}
	}
	return false
}

// Completion is handed to the catalog when a task finishes.
type Completion struct {
	Key       Key
	Kind      Kind
	Title     string
	Directory string
	Cover     string
	Chapters  []Chapter
	Images    int
}

// Catalog is the persistent side of the engine: directory allocation,
// snapshots, and the record of completed comics.
type Catalog interface {
	FindValidDirectory(ctx context.Context, key Key, kind Kind, title string) (string, error)
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	Snapshots(ctx context.Context) ([]*Snapshot, error)
	CompleteTask(ctx context.Context, c *Completion) error
	RemoveTask(ctx context.Context, key Key) error
	// Find returns nil when the comic is not catalogued.
	Find(ctx context.Context, key Key) (*LocalEntry, error)
}

// Errors
var (
	ErrTaskExists     = errors.New("task already exists")
	ErrTaskNotFound   = errors.New("task not found")
	ErrUnknownSource  = errors.New("unknown source")
	ErrUnknownKind    = errors.New("unknown task kind")
	ErrInvalidTask    = errors.New("invalid task")
	errUnitCancelled  = errors.New("fetch unit cancelled")
	errStreamEnded    = errors.New("stream ended without payload")
	errNoArchiveState = errors.New("archive stream reported no status")
)

// StorageFailure wraps directory and file system errors. They are fatal
// to the task and never retried.
type StorageFailure struct {
	Op  string
	Err error
}

func (e *StorageFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageFailure) Unwrap() error {
	return e.Err
}
