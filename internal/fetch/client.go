// Package fetch provides the HTTP transports of the download engine: a
// progressive image client and a single-file archive downloader.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/comicvault/comicvault/internal/download"
)

// Config contains HTTP transfer configuration
type Config struct {
	UserAgent string
	Timeout   time.Duration // per request, zero means none
	ChunkSize int
	// StatusInterval is how often the archive downloader reports progress.
	StatusInterval time.Duration
	Headers        map[string]string
}

// DefaultConfig returns default transfer configuration
func DefaultConfig() Config {
	return Config{
		UserAgent:      "comicvault/1.0",
		Timeout:        0,
		ChunkSize:      32 * 1024,
		StatusInterval: time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = def.StatusInterval
	}
	return c
}

// Client fetches images over HTTP as progressive streams.
type Client struct {
	config Config
	client *http.Client
}

// NewClient creates a new image client
func NewClient(config Config) *Client {
	config = config.withDefaults()
	return &Client{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// StreamFetch fetches one page image.
func (c *Client) StreamFetch(ctx context.Context, req download.ImageRequest) (<-chan download.ImageUpdate, error) {
	return c.stream(ctx, req.Ref)
}

// FetchThumbnail fetches a comic cover.
func (c *Client) FetchThumbnail(ctx context.Context, ref, sourceKey string) (<-chan download.ImageUpdate, error) {
	return c.stream(ctx, ref)
}

func (c *Client) stream(ctx context.Context, ref string) (<-chan download.ImageUpdate, error) {
	if err := validateURL(ref); err != nil {
		return nil, err
	}

	updates := make(chan download.ImageUpdate, 8)
	go func() {
		defer close(updates)

		send := func(u download.ImageUpdate) bool {
			select {
			case updates <- u:
				return true
			case <-ctx.Done():
				return false
			}
		}

		payload, err := c.read(ctx, ref, func(current, total int64) bool {
			return send(download.ImageUpdate{CurrentBytes: current, TotalBytes: total})
		})
		if err != nil {
			send(download.ImageUpdate{Err: err})
			return
		}
		n := int64(len(payload))
		send(download.ImageUpdate{CurrentBytes: n, TotalBytes: n, Payload: payload})
	}()
	return updates, nil
}

// read downloads ref into memory, calling progress after every chunk.
func (c *Client) read(ctx context.Context, ref string, progress func(current, total int64) bool) ([]byte, error) {
	resp, err := c.get(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(total))
	}
	chunk := make([]byte, c.config.ChunkSize)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if !progress(int64(buf.Len()), total) {
				return nil, ctx.Err()
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (c *Client) get(ctx context.Context, ref string) (*http.Response, error) {
	return doGet(ctx, c.client, c.config, ref)
}

func doGet(ctx context.Context, client *http.Client, config Config, ref string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", config.UserAgent)
	for k, v := range config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp, nil
}

func validateURL(ref string) error {
	u, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", ref, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return nil
}
