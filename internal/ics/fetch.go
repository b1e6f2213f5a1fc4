package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "capsched/internal/log"
)

// FeedResult is the outcome of fetching one iCalendar feed.
type FeedResult struct {
	URL  string
	Body []byte
	// NotModified is true when the server answered 304 to the cached
	// validators; Body then holds the cached copy.
	NotModified bool
	// FromCache is true whenever Body was read from disk, including
	// fallbacks after network or server errors.
	FromCache bool

	meta feedMeta
}

// feedMeta holds the HTTP validators of a cached feed.
type feedMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads iCalendar feeds with conditional GET (ETag and
// Last-Modified). The body and validators of a feed are kept under a cache
// directory once Commit is called, so "not modified" means unchanged since
// the last committed import.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// IsFeedURL reports whether src names an http(s) feed rather than a file.
func IsFeedURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// NewFetcher creates a Fetcher. A zero timeout means 15 seconds.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/feeds"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// Fetch downloads rawURL, sending the validators of the cached copy. On a
// network error or non-OK status the cached body is returned if there is
// one.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (FeedResult, error) {
	if rawURL == "" {
		return FeedResult{}, errors.New("ics: feed URL is empty")
	}

	dir := f.cachePath(rawURL)
	meta, _ := loadFeedMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FeedResult{}, err
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	logURL := redactURL(rawURL)
	appLog.Info("ics feed fetch start", "url", logURL)

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cached) > 0 {
			appLog.Error("ics feed fetch failed, using cached body", err, "url", logURL)
			return FeedResult{URL: rawURL, Body: cached, FromCache: true}, nil
		}
		return FeedResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FeedResult{}, err
		}
		appLog.Info("ics feed fetched", "url", logURL, "bytes", len(body))
		return FeedResult{
			URL:  rawURL,
			Body: body,
			meta: feedMeta{
				URL:          rawURL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			},
		}, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return FeedResult{}, errors.New("ics: 304 Not Modified without a cached body")
		}
		appLog.Info("ics feed not modified", "url", logURL)
		return FeedResult{URL: rawURL, Body: cached, NotModified: true, FromCache: true}, nil

	default:
		if len(cached) > 0 {
			appLog.Error("ics feed fetch non-OK, using cached body", errors.New(resp.Status), "url", logURL, "status", resp.StatusCode)
			return FeedResult{URL: rawURL, Body: cached, FromCache: true}, nil
		}
		return FeedResult{}, fmt.Errorf("ics: fetch %s: %s", logURL, resp.Status)
	}
}

// Commit stores a freshly downloaded feed as the cached copy. Results that
// came from the cache are left alone.
func (f *Fetcher) Commit(res FeedResult) error {
	if res.FromCache || res.URL == "" {
		return nil
	}
	dir := f.cachePath(res.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return saveFeed(dir, res.meta, res.Body)
}

// cachePath is the per-URL directory, named by a hash of the URL.
func (f *Fetcher) cachePath(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadFeedMeta(dir string) (feedMeta, error) {
	var meta feedMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return feedMeta{}, err
	}
	return meta, nil
}

// saveFeed writes the body before the metadata so the validators never
// describe a body that is not on disk.
func saveFeed(dir string, meta feedMeta, body []byte) error {
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host only; feed paths often carry tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
