// Package source implements the metadata client for an HTTP comic source.
//
// The source serves JSON:
//
//	GET {endpoint}/comics/{id}                          comic details
//	GET {endpoint}/comics/{id}/pages                    pages of a comic without chapters
//	GET {endpoint}/comics/{id}/chapters/{chapter}/pages pages of one chapter
//
// Relative image references are resolved against the endpoint.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/comicvault/comicvault/internal/download"
)

// maxResponseSize bounds metadata responses.
const maxResponseSize = 8 << 20

// ErrNotFound is returned when the source does not know the comic or chapter.
var ErrNotFound = errors.New("not found on source")

// Config configures a source client
type Config struct {
	Key       string
	Endpoint  string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to one comic source.
type Client struct {
	key       string
	endpoint  *url.URL
	userAgent string
	client    *http.Client
}

type pagesResponse struct {
	Pages []string `json:"pages"`
}

// NewClient creates a source client
func NewClient(cfg Config) (*Client, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("source key cannot be empty")
	}
	endpoint, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/") + "/")
	if err != nil || (endpoint.Scheme != "http" && endpoint.Scheme != "https") {
		return nil, fmt.Errorf("invalid source endpoint %q", cfg.Endpoint)
	}
	return &Client{
		key:       cfg.Key,
		endpoint:  endpoint,
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Key returns the source key the client serves.
func (c *Client) Key() string {
	return c.key
}

// LoadComicInfo fetches the details of a comic.
func (c *Client) LoadComicInfo(ctx context.Context, id string) (*download.ComicDetails, error) {
	var details download.ComicDetails
	if err := c.getJSON(ctx, &details, "comics", id); err != nil {
		return nil, err
	}
	if details.ID == "" {
		details.ID = id
	}
	if details.Cover != "" {
		details.Cover = c.resolve(details.Cover)
	}
	return &details, nil
}

// LoadComicPages lists the images of a chapter, or of the whole comic when
// chapterID is empty.
func (c *Client) LoadComicPages(ctx context.Context, id, chapterID string) ([]string, error) {
	segments := []string{"comics", id, "pages"}
	if chapterID != "" {
		segments = []string{"comics", id, "chapters", chapterID, "pages"}
	}

	var resp pagesResponse
	if err := c.getJSON(ctx, &resp, segments...); err != nil {
		return nil, err
	}

	pages := make([]string, len(resp.Pages))
	for i, p := range resp.Pages {
		pages[i] = c.resolve(p)
	}
	return pages, nil
}

func (c *Client) getJSON(ctx context.Context, v interface{}, segments ...string) error {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := c.endpoint.String() + strings.Join(escaped, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("source request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", strings.Join(segments, "/"), ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode source response: %w", err)
	}
	return nil
}

func (c *Client) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() {
		return ref
	}
	return c.endpoint.ResolveReference(u).String()
}
