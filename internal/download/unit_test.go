package download

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUnitForTest(t *testing.T, fetch *fakeFetch, ref string, ordinal int) (*fetchUnit, *sleepRecorder, string) {
	t.Helper()
	dir := t.TempDir()
	sleeps := &sleepRecorder{}
	u := newFetchUnit(context.Background(), ImageRequest{Ref: ref, SourceKey: "src"}, dir, ordinal,
		fetch, NewTransferMeter(time.Second), retrier{base: time.Millisecond, sleep: sleeps.sleep, task: "src:test"})
	return u, sleeps, dir
}

func TestFetchUnitCommitsPayload(t *testing.T) {
	fetch := newFakeFetch()
	u, _, dir := newUnitForTest(t, fetch, "https://img.example/a.jpg?w=100", 3)

	u.start(nil)
	require.NoError(t, u.Wait(context.Background()))

	assert.Equal(t, filepath.Join(dir, "3.png"), u.file)
	data, err := os.ReadFile(u.file)
	require.NoError(t, err)
	assert.Equal(t, pngPayload, data)
	assert.Equal(t, int64(len(pngPayload)), u.meter.pending.Load())

	// No temp files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFetchUnitRetryCeiling(t *testing.T) {
	fetch := newFakeFetch()
	ref := "https://img.example/broken.jpg"
	fetch.failures[ref] = 100
	u, sleeps, dir := newUnitForTest(t, fetch, ref, 0)

	u.start(nil)
	err := u.Wait(context.Background())

	var retryErr *RetryError
	require.True(t, errors.As(err, &retryErr))
	assert.Equal(t, maxAttempts, retryErr.Attempts)
	assert.ErrorIs(t, err, errConnReset)
	assert.Equal(t, int32(maxAttempts), u.attempts.Load())
	assert.Equal(t, maxAttempts, fetch.callsFor(ref))
	assert.Equal(t, int32(maxAttempts-1), sleeps.count.Load())
	assert.Empty(t, committedFile(dir, 0))
}

func TestFetchUnitReplaysOutcome(t *testing.T) {
	fetch := newFakeFetch()
	u, _, _ := newUnitForTest(t, fetch, "https://img.example/a.jpg", 0)

	done := make(chan struct{})
	u.start(func() { close(done) })
	<-done

	// Late waiters get the cached outcome.
	for i := 0; i < 3; i++ {
		assert.NoError(t, u.Wait(context.Background()))
	}
	assert.True(t, u.isDone())
	assert.Equal(t, 1, fetch.callsFor("https://img.example/a.jpg"))
}

func TestFetchUnitSkipsCommittedFile(t *testing.T) {
	fetch := newFakeFetch()
	u, _, dir := newUnitForTest(t, fetch, "https://img.example/a.jpg", 4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "4.webp"), []byte("x"), 0644))

	u.start(nil)
	require.NoError(t, u.Wait(context.Background()))

	assert.Equal(t, filepath.Join(dir, "4.webp"), u.file)
	assert.Equal(t, 0, fetch.callsFor("https://img.example/a.jpg"))
}

func TestFetchUnitWriteFailureIsNotRetried(t *testing.T) {
	fetch := newFakeFetch()
	ref := "https://img.example/a.jpg"
	u, sleeps, dir := newUnitForTest(t, fetch, ref, 0)

	// A regular file where the directory should be makes every write fail.
	u.dir = filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(u.dir, []byte("x"), 0644))

	u.start(nil)
	err := u.Wait(context.Background())

	var storageErr *StorageFailure
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "write image", storageErr.Op)
	assert.Equal(t, 1, fetch.callsFor(ref))
	assert.Equal(t, int32(0), sleeps.count.Load())
}

func TestFetchUnitCancel(t *testing.T) {
	fetch := newFakeFetch()
	ref := "https://img.example/slow.jpg"
	fetch.gates[ref] = make(chan struct{})
	u, _, dir := newUnitForTest(t, fetch, ref, 0)

	u.start(nil)
	require.Eventually(t, func() bool { return fetch.callsFor(ref) == 1 }, time.Second, time.Millisecond)
	u.Cancel()

	assert.ErrorIs(t, u.Wait(context.Background()), errUnitCancelled)
	assert.True(t, isCancellation(u.Err()))
	assert.Empty(t, committedFile(dir, 0))
}

func TestImageExtension(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		ref      string
		expected string
	}{
		{"Detected PNG", pngPayload, "https://img.example/a.jpg", ".png"},
		{"Detected JPEG", []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00"), "https://img.example/a", ".jpg"},
		{"Fallback to ref", []byte{0x00, 0x01, 0x02, 0x03}, "https://img.example/a.webp?token=1", ".webp"},
		{"No hint", []byte{0x00, 0x01, 0x02, 0x03}, "https://img.example/a", ".bin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, imageExtension(tt.payload, tt.ref))
		})
	}
}

func TestRetry(t *testing.T) {
	sleeps := &sleepRecorder{}
	r := retrier{base: time.Second, sleep: sleeps.sleep, task: "src:1"}
	ctx := context.Background()

	t.Run("Succeeds after failures", func(t *testing.T) {
		calls := 0
		value, err := retry(ctx, r, "step", func(ctx context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("flaky")
			}
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, value)
		assert.Equal(t, 3, calls)
	})

	t.Run("Storage failures are not retried", func(t *testing.T) {
		calls := 0
		_, err := retry(ctx, r, "step", func(ctx context.Context) (int, error) {
			calls++
			return 0, &StorageFailure{Op: "create directory", Err: os.ErrPermission}
		})
		var storageErr *StorageFailure
		assert.True(t, errors.As(err, &storageErr))
		assert.Equal(t, 1, calls)
	})

	t.Run("Cancelled context stops retrying", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		_, err := retry(cctx, r, "step", func(ctx context.Context) (int, error) {
			calls++
			cancel()
			return 0, errors.New("flaky")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("Linear delay", func(t *testing.T) {
		assert.Equal(t, time.Second, r.delay(1))
		assert.Equal(t, 2*time.Second, r.delay(2))
	})
}

func TestTransferMeter(t *testing.T) {
	t.Run("Sample", func(t *testing.T) {
		m := NewTransferMeter(time.Second)
		m.Add(1500)
		m.Add(500)
		m.Add(-10)
		assert.Equal(t, int64(2000), m.Sample())
		assert.Equal(t, int64(2000), m.Speed())
		assert.Equal(t, int64(0), m.Sample())
	})

	t.Run("Scaled to seconds", func(t *testing.T) {
		m := NewTransferMeter(500 * time.Millisecond)
		m.Add(100)
		assert.Equal(t, int64(200), m.Sample())
	})

	t.Run("Start and stop", func(t *testing.T) {
		m := NewTransferMeter(5 * time.Millisecond)
		samples := make(chan int64, 100)
		m.Start(func(speed int64) {
			select {
			case samples <- speed:
			default:
			}
		})
		m.Start(nil)
		m.Add(10)

		select {
		case <-samples:
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for sample")
		}

		m.Stop()
		m.Stop()
		assert.Equal(t, int64(0), m.Speed())
	})
}
