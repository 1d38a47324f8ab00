package download

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gabriel-vasile/mimetype"
)

// fetchUnit downloads one image into dir as <ordinal><ext>, retrying the
// whole stream on failure. Its outcome is cached once and replayed to
// every waiter.
type fetchUnit struct {
	req     ImageRequest
	dir     string
	ordinal int
	client  FetchClient
	meter   *TransferMeter
	retrier retrier

	ctx    context.Context
	cancel context.CancelFunc

	once     sync.Once
	done     chan struct{}
	err      error
	file     string
	attempts atomic.Int32
}

func newFetchUnit(parent context.Context, req ImageRequest, dir string, ordinal int, client FetchClient, meter *TransferMeter, r retrier) *fetchUnit {
	ctx, cancel := context.WithCancel(parent)
	return &fetchUnit{
		req:     req,
		dir:     dir,
		ordinal: ordinal,
		client:  client,
		meter:   meter,
		retrier: r,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// start runs the unit in the background. onDone is called after the
// outcome is recorded.
func (u *fetchUnit) start(onDone func()) {
	go func() {
		u.run()
		if onDone != nil {
			onDone()
		}
	}()
}

func (u *fetchUnit) run() {
	if file := committedFile(u.dir, u.ordinal); file != "" {
		u.finish(file, nil)
		return
	}

	file, err := retry(u.ctx, u.retrier, "fetch image", u.fetchOnce)
	if u.ctx.Err() != nil {
		u.finish("", errUnitCancelled)
		return
	}
	u.finish(file, err)
}

func (u *fetchUnit) fetchOnce(ctx context.Context) (string, error) {
	u.attempts.Add(1)

	updates, err := u.client.StreamFetch(ctx, u.req)
	if err != nil {
		return "", err
	}

	var seen int64
	for update := range updates {
		if update.Err != nil {
			return "", update.Err
		}
		if update.CurrentBytes > seen {
			u.meter.Add(update.CurrentBytes - seen)
			seen = update.CurrentBytes
		}
		if update.Payload != nil {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return u.commit(update.Payload)
		}
	}
	return "", errStreamEnded
}

// commit writes the payload atomically. A failed write is a storage
// failure and is not retried.
func (u *fetchUnit) commit(payload []byte) (string, error) {
	ext := imageExtension(payload, u.req.Ref)
	target := filepath.Join(u.dir, strconv.Itoa(u.ordinal)+ext)
	if err := writeFileAtomic(target, payload); err != nil {
		return "", &StorageFailure{Op: "write image", Err: err}
	}
	return target, nil
}

func (u *fetchUnit) finish(file string, err error) {
	u.once.Do(func() {
		u.file = file
		u.err = err
		close(u.done)
	})
}

// Cancel discards the unit. Waiters see errUnitCancelled.
func (u *fetchUnit) Cancel() {
	u.cancel()
	u.finish("", errUnitCancelled)
}

// Done is closed once the outcome is known.
func (u *fetchUnit) Done() <-chan struct{} {
	return u.done
}

func (u *fetchUnit) isDone() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// Err returns the outcome. Only valid after Done is closed.
func (u *fetchUnit) Err() error {
	return u.err
}

// Wait blocks until the outcome is known or ctx is done.
func (u *fetchUnit) Wait(ctx context.Context) error {
	select {
	case <-u.done:
		return u.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// committedFile returns the file already written for ordinal, if any.
func committedFile(dir string, ordinal int) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	prefix := strconv.Itoa(ordinal) + "."
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			return filepath.Join(dir, entry.Name())
		}
	}
	return ""
}

// imageExtension detects the payload type and falls back to the extension of ref.
func imageExtension(payload []byte, ref string) string {
	if ext := mimetype.Detect(payload).Extension(); ext != "" {
		return ext
	}
	ref, _, _ = strings.Cut(ref, "?")
	if ext := path.Ext(ref); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ".bin"
}

// writeFileAtomic writes data to a hidden temp file next to target and renames it into place.
func writeFileAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.part")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, errUnitCancelled) || errors.Is(err, context.Canceled)
}
