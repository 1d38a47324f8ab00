package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comicvault/comicvault/internal/download"
)

func newImageServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/img/ok.png", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "comicvault-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "https://source.example/", r.Header.Get("Referer"))
		w.Write(payload)
	})
	mux.HandleFunc("/img/missing.png", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func collect(t *testing.T, updates <-chan download.ImageUpdate) []download.ImageUpdate {
	t.Helper()
	var all []download.ImageUpdate
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return all
			}
			all = append(all, u)
		case <-timeout:
			t.Fatal("Timeout waiting for stream to close")
		}
	}
}

func TestClientStreamFetch(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 100)
	server := newImageServer(t, payload)
	client := NewClient(Config{
		UserAgent: "comicvault-test",
		ChunkSize: 16,
		Headers:   map[string]string{"Referer": "https://source.example/"},
	})

	updates, err := client.StreamFetch(context.Background(), download.ImageRequest{Ref: server.URL + "/img/ok.png"})
	require.NoError(t, err)
	all := collect(t, updates)

	require.NotEmpty(t, all)
	last := all[len(all)-1]
	assert.Equal(t, payload, last.Payload)
	assert.Equal(t, int64(100), last.CurrentBytes)

	// Progress is monotonic and only the last update carries the payload.
	var prev int64
	for _, u := range all[:len(all)-1] {
		assert.Nil(t, u.Payload)
		assert.GreaterOrEqual(t, u.CurrentBytes, prev)
		prev = u.CurrentBytes
	}
}

func TestClientStreamFetchErrors(t *testing.T) {
	server := newImageServer(t, nil)
	client := NewClient(Config{UserAgent: "comicvault-test"})

	t.Run("HTTP error", func(t *testing.T) {
		updates, err := client.FetchThumbnail(context.Background(), server.URL+"/img/missing.png", "src")
		require.NoError(t, err)
		all := collect(t, updates)
		require.Len(t, all, 1)
		assert.ErrorContains(t, all[0].Err, "404")
	})

	t.Run("Invalid scheme", func(t *testing.T) {
		_, err := client.StreamFetch(context.Background(), download.ImageRequest{Ref: "ftp://host/a.png"})
		assert.Error(t, err)
	})
}

func TestArchiveDownloader(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "cache", "comic.zip")
	d := NewArchiveDownloader(Config{ChunkSize: 512, StatusInterval: 5 * time.Millisecond})

	statuses, err := d.Start(context.Background(), server.URL, dest)
	require.NoError(t, err)

	var last download.ArchiveStatus
	for st := range statuses {
		require.NoError(t, st.Err)
		last = st
	}
	assert.True(t, last.IsFinished)
	assert.Equal(t, int64(len(payload)), last.DownloadedBytes)
	assert.Equal(t, int64(len(payload)), last.TotalBytes)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.NoFileExists(t, dest+tempSuffix)
}

func TestArchiveDownloaderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "comic.zip")
	d := NewArchiveDownloader(DefaultConfig())

	statuses, err := d.Start(context.Background(), server.URL, dest)
	require.NoError(t, err)

	var last download.ArchiveStatus
	for st := range statuses {
		last = st
	}
	assert.Error(t, last.Err)
	assert.False(t, last.IsFinished)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+tempSuffix)
}

func TestArchiveDownloaderCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	dest := filepath.Join(t.TempDir(), "comic.zip")
	d := NewArchiveDownloader(Config{StatusInterval: 5 * time.Millisecond})

	statuses, err := d.Start(ctx, server.URL, dest)
	require.NoError(t, err)

	st := <-statuses
	assert.Equal(t, int64(1000), st.TotalBytes)
	cancel()

	for range statuses {
	}
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+tempSuffix)
}
