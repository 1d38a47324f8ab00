package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/comicvault/comicvault/internal/download"
	"github.com/comicvault/comicvault/internal/logger"
)

// tempSuffix marks a file that is still being written
const tempSuffix = ".downloading"

// ArchiveDownloader transfers archives to disk and reports progress once per
// status interval.
type ArchiveDownloader struct {
	config Config
	client *http.Client
}

// NewArchiveDownloader creates a new archive downloader
func NewArchiveDownloader(config Config) *ArchiveDownloader {
	config = config.withDefaults()
	return &ArchiveDownloader{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Start begins the transfer of url to destPath. The returned channel is
// closed when the transfer ends; the last status is either finished or
// carries the error.
func (d *ArchiveDownloader) Start(ctx context.Context, url, destPath string) (<-chan download.ArchiveStatus, error) {
	if err := validateURL(url); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	statuses := make(chan download.ArchiveStatus, 4)
	go func() {
		defer close(statuses)
		d.run(ctx, url, destPath, statuses)
	}()
	return statuses, nil
}

func (d *ArchiveDownloader) run(ctx context.Context, url, destPath string, statuses chan<- download.ArchiveStatus) {
	send := func(st download.ArchiveStatus) {
		select {
		case statuses <- st:
		case <-ctx.Done():
		}
	}

	var downloaded, total atomic.Int64
	tempPath := destPath + tempSuffix

	err := func() error {
		resp, err := doGet(ctx, d.client, d.config, url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.ContentLength > 0 {
			total.Store(resp.ContentLength)
		}

		file, err := os.Create(tempPath)
		if err != nil {
			return err
		}
		defer file.Close()

		// Start progress updater
		stopProgress := make(chan struct{})
		progressDone := make(chan struct{})
		go func() {
			defer close(progressDone)
			d.updateProgress(stopProgress, &downloaded, &total, send)
		}()
		defer func() {
			close(stopProgress)
			<-progressDone
		}()

		buf := make([]byte, d.config.ChunkSize)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			n, err := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := file.Write(buf[:n]); writeErr != nil {
					return writeErr
				}
				downloaded.Add(int64(n))
			}
			if err != nil {
				if err == io.EOF {
					break
				}
				return err
			}
		}

		if err := file.Close(); err != nil {
			return err
		}
		return os.Rename(tempPath, destPath)
	}()

	if err != nil {
		os.Remove(tempPath)
		logger.WithField("url", url).WithError(err).Warn("Archive transfer failed")
		send(download.ArchiveStatus{
			DownloadedBytes: downloaded.Load(),
			TotalBytes:      total.Load(),
			Err:             err,
		})
		return
	}

	size := downloaded.Load()
	if total.Load() == 0 {
		total.Store(size)
	}
	logger.WithField("url", url).Infof("Archive downloaded (%s)", humanize.Bytes(uint64(size)))
	send(download.ArchiveStatus{
		DownloadedBytes: size,
		TotalBytes:      total.Load(),
		IsFinished:      true,
	})
}

// updateProgress reports the transfer state every status interval.
func (d *ArchiveDownloader) updateProgress(stop <-chan struct{}, downloaded, total *atomic.Int64, send func(download.ArchiveStatus)) {
	ticker := time.NewTicker(d.config.StatusInterval)
	defer ticker.Stop()

	var last int64
	seconds := d.config.StatusInterval.Seconds()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current := downloaded.Load()
			send(download.ArchiveStatus{
				DownloadedBytes: current,
				TotalBytes:      total.Load(),
				BytesPerSecond:  int64(float64(current-last) / seconds),
			})
			last = current
		}
	}
}
