package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// flatChapter is the chapter key of a comic without chapters. Its images
// go straight into the task directory.
const flatChapter = ""

// ImageSetTask downloads a comic image by image, chapter by chapter.
//
// Images are fetched ahead of the cursor by up to MaxConcurrent units, but
// only the unit at the cursor is consumed, so the committed images of the
// current chapter are always exactly those before the cursor.
type ImageSetTask struct {
	taskBase

	comic        *ComicDetails
	requested    []string
	chapterOrder []string
	dirNames     map[string]string
	images       map[string][]string
	downloaded   int
	total        int
	chapterIndex int
	imageIndex   int
}

// NewImageSetTask creates an idle task. A nil chapters downloads every chapter.
func NewImageSetTask(key Key, chapters []string, deps Deps) *ImageSetTask {
	if len(chapters) == 0 {
		chapters = nil
	}
	t := &ImageSetTask{
		taskBase:  newTaskBase(key, KindImageSet, deps),
		requested: chapters,
		images:    make(map[string][]string),
	}
	t.status = t.Status
	return t
}

func restoreImageSetTask(s *Snapshot, deps Deps) *ImageSetTask {
	t := NewImageSetTask(s.Key(), s.Requested, deps)
	t.title = s.Title
	t.path = s.Path
	t.cover = s.Cover
	t.comic = s.Comic
	t.chapterOrder = append([]string(nil), s.ChapterOrder...)
	for ch, refs := range s.Images {
		t.images[ch] = append([]string(nil), refs...)
	}
	t.downloaded = s.Downloaded
	t.total = s.Total
	t.chapterIndex = s.ChapterIndex
	t.imageIndex = s.ImageIndex
	if t.comic != nil {
		t.dirNames = chapterDirNames(t.comic.Chapters)
		if t.title == "" {
			t.title = t.comic.Title
		}
	}
	t.phase = PhasePaused
	t.message = "Paused"
	return t
}

// Resume starts or continues the download from the committed cursor.
func (t *ImageSetTask) Resume() {
	t.launch(t.run)
}

// Status returns the current status
func (t *ImageSetTask) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var s Status
	t.fillStatus(&s)
	s.Downloaded = t.downloaded
	s.Total = t.total
	if s.Cover == "" && t.comic != nil {
		s.Cover = t.comic.Cover
	}
	switch {
	case t.phase == PhaseCompleted:
		s.Progress = 1
	case t.total > 0:
		s.Progress = float64(t.downloaded) / float64(t.total)
	}
	return s
}

// Snapshot captures the resumable state.
func (t *ImageSetTask) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	images := make(map[string][]string, len(t.images))
	for ch, refs := range t.images {
		images[ch] = append([]string(nil), refs...)
	}
	return &Snapshot{
		Type:         KindImageSet,
		ID:           t.key.ID,
		SourceKey:    t.key.SourceKey,
		Title:        t.title,
		Path:         t.path,
		Cover:        t.cover,
		Comic:        t.comic,
		Requested:    append([]string(nil), t.requested...),
		ChapterOrder: append([]string(nil), t.chapterOrder...),
		Images:       images,
		Downloaded:   t.downloaded,
		Total:        t.total,
		ChapterIndex: t.chapterIndex,
		ImageIndex:   t.imageIndex,
	}
}

func (t *ImageSetTask) run(ctx context.Context) error {
	if !t.transition(ctx, PhaseFetchingMetadata, "Fetching comic info") {
		return ctx.Err()
	}
	if err := t.fetchMetadata(ctx); err != nil {
		return err
	}

	if !t.transition(ctx, PhaseFetchingCover, "Fetching cover") {
		return ctx.Err()
	}
	if err := t.fetchCover(ctx); err != nil {
		return err
	}

	if !t.transition(ctx, PhaseFetchingContent, "Fetching chapter listings") {
		return ctx.Err()
	}
	if err := t.fetchListings(ctx); err != nil {
		return err
	}
	if err := t.downloadAll(ctx); err != nil {
		return err
	}

	return t.finalize(ctx)
}

func (t *ImageSetTask) fetchMetadata(ctx context.Context) error {
	t.mu.RLock()
	comic := t.comic
	t.mu.RUnlock()

	if comic == nil {
		if t.deps.Metadata == nil {
			return fmt.Errorf("no metadata client for source %q", t.key.SourceKey)
		}
		loaded, err := retry(ctx, t.retrier(), "fetch comic info", func(ctx context.Context) (*ComicDetails, error) {
			return t.deps.Metadata.LoadComicInfo(ctx, t.key.ID)
		})
		if err != nil {
			return err
		}
		comic = loaded
	}

	order := buildChapterOrder(comic, t.requested)
	if len(order) == 0 {
		return fmt.Errorf("none of the requested chapters exist")
	}

	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		return ctx.Err()
	}
	t.comic = comic
	t.title = comic.Title
	t.dirNames = chapterDirNames(comic.Chapters)
	if len(t.chapterOrder) == 0 {
		t.chapterOrder = order
	}
	t.mu.Unlock()

	_, allocated, err := t.allocate(ctx, comic.Title)
	if err != nil {
		return err
	}
	if allocated {
		t.saveSnapshot(ctx, t.Snapshot())
	}
	return nil
}

func buildChapterOrder(comic *ComicDetails, requested []string) []string {
	if len(comic.Chapters) == 0 {
		return []string{flatChapter}
	}

	wanted := make(map[string]bool, len(requested))
	for _, id := range requested {
		wanted[id] = true
	}

	order := make([]string, 0, len(comic.Chapters))
	for _, ch := range comic.Chapters {
		if requested == nil || wanted[ch.ID] {
			order = append(order, ch.ID)
		}
	}
	return order
}

func (t *ImageSetTask) fetchCover(ctx context.Context) error {
	t.mu.RLock()
	cover, path := t.cover, t.path
	remote := t.comic.Cover
	t.mu.RUnlock()

	if isLocalFile(cover) || remote == "" {
		return nil
	}

	data, err := retry(ctx, t.retrier(), "fetch cover", func(ctx context.Context) ([]byte, error) {
		updates, err := t.deps.Fetch.FetchThumbnail(ctx, remote, t.key.SourceKey)
		if err != nil {
			return nil, err
		}
		return drainPayload(updates, t.meter)
	})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	file := filepath.Join(path, "cover"+imageExtension(data, remote))
	if err := writeFileAtomic(file, data); err != nil {
		return &StorageFailure{Op: "write cover", Err: err}
	}

	t.mu.Lock()
	t.cover = file
	t.mu.Unlock()
	t.saveSnapshot(ctx, t.Snapshot())
	return nil
}

// drainPayload consumes a progressive stream and returns its final payload.
func drainPayload(updates <-chan ImageUpdate, meter *TransferMeter) ([]byte, error) {
	var seen int64
	for update := range updates {
		if update.Err != nil {
			return nil, update.Err
		}
		if update.CurrentBytes > seen {
			meter.Add(update.CurrentBytes - seen)
			seen = update.CurrentBytes
		}
		if update.Payload != nil {
			return update.Payload, nil
		}
	}
	return nil, errStreamEnded
}

func (t *ImageSetTask) fetchListings(ctx context.Context) error {
	t.mu.RLock()
	order := append([]string(nil), t.chapterOrder...)
	t.mu.RUnlock()

	for _, ch := range order {
		t.mu.RLock()
		_, listed := t.images[ch]
		t.mu.RUnlock()
		if listed {
			continue
		}

		refs, err := retry(ctx, t.retrier(), "fetch chapter listing", func(ctx context.Context) ([]string, error) {
			return t.deps.Metadata.LoadComicPages(ctx, t.key.ID, ch)
		})
		if err != nil {
			return err
		}

		t.mu.Lock()
		if ctx.Err() != nil {
			t.mu.Unlock()
			return ctx.Err()
		}
		t.images[ch] = refs
		t.total += len(refs)
		t.message = fmt.Sprintf("Listed %d images", t.total)
		t.mu.Unlock()

		t.saveSnapshot(ctx, t.Snapshot())
		t.emit()
	}
	return nil
}

func (t *ImageSetTask) chapterDir(chapterID string) string {
	if chapterID == flatChapter {
		return t.path
	}
	name, ok := t.dirNames[chapterID]
	if !ok {
		name = SanitizeName(chapterID)
	}
	return filepath.Join(t.path, name)
}

func (t *ImageSetTask) downloadAll(ctx context.Context) error {
	for {
		t.mu.RLock()
		ci, ii := t.chapterIndex, t.imageIndex
		done := ci >= len(t.chapterOrder)
		var chapter, dir string
		var refs []string
		if !done {
			chapter = t.chapterOrder[ci]
			refs = t.images[chapter]
			dir = t.chapterDir(chapter)
		}
		t.mu.RUnlock()

		if done {
			return nil
		}
		if ii < len(refs) {
			if err := t.downloadChapter(ctx, chapter, dir, refs, ii); err != nil {
				return err
			}
		}

		t.mu.Lock()
		if ctx.Err() != nil {
			t.mu.Unlock()
			return ctx.Err()
		}
		t.chapterIndex++
		t.imageIndex = 0
		t.mu.Unlock()
		t.saveSnapshot(ctx, t.Snapshot())
	}
}

// downloadChapter fetches refs[cursor:] into dir. It keeps up to
// MaxConcurrent units in flight from the cursor onward and commits
// strictly in index order.
func (t *ImageSetTask) downloadChapter(ctx context.Context, chapter, dir string, refs []string, cursor int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &StorageFailure{Op: "create chapter directory", Err: err}
	}

	r := t.retrier()
	units := make(map[int]*fetchUnit)
	wake := make(chan struct{}, 1)
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	// Every launched unit is waited for, so no late commit lands after
	// the run returns.
	var launched sync.WaitGroup
	defer func() {
		for _, u := range units {
			u.Cancel()
		}
		launched.Wait()
	}()

	schedule := func() {
		limit := t.deps.MaxConcurrent()
		if limit < 1 {
			limit = 1
		}

		inFlight := 0
		for _, u := range units {
			if !u.isDone() {
				inFlight++
			}
		}

		for i := cursor; i < len(refs) && inFlight < limit; i++ {
			if u, ok := units[i]; ok {
				// The cursor unit's outcome belongs to the consumer.
				if i == cursor || !u.isDone() || u.Err() == nil {
					continue
				}
			}
			u := newFetchUnit(ctx, ImageRequest{
				Ref:       refs[i],
				SourceKey: t.key.SourceKey,
				ComicID:   t.key.ID,
				ChapterID: chapter,
			}, dir, i, t.deps.Fetch, t.meter, r)
			units[i] = u
			launched.Add(1)
			u.start(func() {
				defer launched.Done()
				signal()
			})
			inFlight++
		}
	}

	for cursor < len(refs) {
		if u := units[cursor]; u != nil && u.isDone() {
			if err := u.Err(); err != nil {
				if isCancellation(err) && ctx.Err() != nil {
					return ctx.Err()
				}
				if isCancellation(err) {
					delete(units, cursor)
					continue
				}
				return err
			}

			delete(units, cursor)
			cursor++
			if err := t.commitImage(ctx, cursor); err != nil {
				return err
			}
			continue
		}

		schedule()

		var unitDone <-chan struct{}
		if u := units[cursor]; u != nil {
			unitDone = u.Done()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-unitDone:
		case <-wake:
		}
	}
	return nil
}

// commitImage advances the cursor past one fetched image and persists it.
func (t *ImageSetTask) commitImage(ctx context.Context, imageIndex int) error {
	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		return ctx.Err()
	}
	t.imageIndex = imageIndex
	t.downloaded++
	t.message = fmt.Sprintf("Downloading %d/%d", t.downloaded, t.total)
	t.mu.Unlock()

	t.saveSnapshot(ctx, t.Snapshot())
	t.emit()
	return nil
}

func (t *ImageSetTask) finalize(ctx context.Context) error {
	t.mu.RLock()
	completion := &Completion{
		Key:       t.key,
		Kind:      KindImageSet,
		Title:     t.title,
		Directory: t.path,
		Cover:     t.cover,
		Images:    t.downloaded,
	}
	for _, id := range t.chapterOrder {
		if id == flatChapter {
			continue
		}
		ch := Chapter{ID: id}
		for _, c := range t.comic.Chapters {
			if c.ID == id {
				ch = c
				break
			}
		}
		completion.Chapters = append(completion.Chapters, ch)
	}
	t.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.deps.Catalog.CompleteTask(context.WithoutCancel(ctx), completion); err != nil {
		return &StorageFailure{Op: "complete task", Err: err}
	}

	t.transition(ctx, PhaseCompleted, "Completed")
	return nil
}

// Cancel stops the task and removes what it downloaded. Chapters the
// catalog already knows about are kept.
func (t *ImageSetTask) Cancel() {
	if !t.stop() {
		return
	}

	t.mu.RLock()
	path := t.path
	order := append([]string(nil), t.chapterOrder...)
	dirs := make(map[string]string, len(order))
	for _, ch := range order {
		dirs[ch] = t.chapterDir(ch)
	}
	t.mu.RUnlock()

	if path != "" {
		entry, err := t.deps.Catalog.Find(context.Background(), t.key)
		switch {
		case err != nil:
			t.log().WithError(err).Warn("Failed to look up catalog entry, keeping files")
		case entry == nil:
			t.removeAll(path)
		default:
			for _, ch := range order {
				if ch != flatChapter && !entry.HasChapter(ch) {
					t.removeAll(dirs[ch])
				}
			}
		}
	}

	t.finishCancel()
}
