package ics

import (
	"bytes"
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
	"sync"
	"time"

	appLog "coursecal/internal/log"
)

const (
	defaultFetchTimeout = 15 * time.Second
	maxFeedSize         = 5 * 1024 * 1024
)

var (
	// ErrEmptyFeed is returned when a source answers with an empty body.
	ErrEmptyFeed = errors.New("empty ICS body")
	// ErrNoCalendar is returned when no candidate URL served a VCALENDAR.
	ErrNoCalendar = errors.New("no candidate URL returned a calendar")
	// ErrFeedTooLarge is returned when a body exceeds maxFeedSize.
	ErrFeedTooLarge = errors.New("ICS body exceeds size limit")
)

// SourceError ties a fetch failure to the source that produced it.
type SourceError struct {
	ID  string
	Err error
}

func (e *SourceError) Error() string { return fmt.Sprintf("source %s: %v", e.ID, e.Err) }

func (e *SourceError) Unwrap() error { return e.Err }

// Source represents a single calendar collection.
type Source struct {
	// ID is an internal identifier (e.g., config source ID).
	ID string
	// URL is the collection endpoint. Userinfo, if any, is sent as HTTP
	// basic auth and never logged.
	URL string
}

// FetchResult contains the outcome of fetching a single source.
type FetchResult struct {
	Source    Source
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused the cached body
	URL       string // candidate URL that produced Body, redacted
}

// cacheEntry holds HTTP cache metadata for a single source.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher fetches calendar collections with HTTP caching
// (ETag / Last-Modified) and a disk-backed cache.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a new Fetcher.
//
// cacheDir is the base directory where per-source cache subdirectories are
// stored. timeout bounds every single HTTP request; zero means 15s.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// FetchAll fetches all sources concurrently and returns results in the
// order of sources, so callers that merge them keep a deterministic
// precedence. Failed sources are left out of the results and reported in
// the error slice.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []error) {
	type slot struct {
		res FetchResult
		err error
	}
	slots := make([]slot, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.FetchOne(ctx, src)
			slots[i] = slot{res: res, err: err}
		}()
	}
	wg.Wait()

	results := make([]FetchResult, 0, len(sources))
	errs := make([]error, 0)
	for i, s := range slots {
		if s.err != nil {
			errs = append(errs, &SourceError{ID: sources[i].ID, Err: s.err})
			appLog.Error("ics fetch failed", s.err, "id", sources[i].ID, "url", redactURL(sources[i].URL))
			continue
		}
		results = append(results, s.res)
	}
	return results, errs
}

// FetchOne fetches a single source. CalDAV collections do not serve ICS at
// their bare URL, so the export variants are tried first; the first 200
// response that contains a VCALENDAR wins.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}
	base, user, pass, err := splitCredentials(src.URL)
	if err != nil {
		return FetchResult{}, err
	}

	cachePath := f.cachePathForURL(base)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, err
	}
	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	var lastErr error
	for _, candidate := range candidateURLs(base) {
		res, err := f.fetchCandidate(ctx, src, candidate, user, pass, meta, cachedBody, cachePath)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		appLog.Debug("ics candidate rejected", "id", src.ID, "url", redactURL(candidate), "err", err.Error())
	}

	if len(cachedBody) > 0 {
		appLog.Error("ics fetch failed, using cached body", lastErr, "id", src.ID, "url", redactURL(base))
		return FetchResult{Source: src, Body: cachedBody, FromCache: true, URL: redactURL(meta.URL)}, nil
	}
	return FetchResult{}, fmt.Errorf("%w: %w", ErrNoCalendar, lastErr)
}

func (f *Fetcher) fetchCandidate(ctx context.Context, src Source, candidate, user, pass string, meta cacheEntry, cachedBody []byte, cachePath string) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate, nil)
	if err != nil {
		return FetchResult{}, err
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	// Conditional headers only make sense for the URL they were issued for.
	if meta.URL == candidate && len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// One byte past the cap tells a full body from a truncated one.
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize+1))
		if err != nil {
			return FetchResult{}, err
		}
		if len(body) > maxFeedSize {
			return FetchResult{}, fmt.Errorf("%w (%d bytes)", ErrFeedTooLarge, maxFeedSize)
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return FetchResult{}, ErrEmptyFeed
		}
		if !bytes.Contains(body, []byte("BEGIN:VCALENDAR")) {
			return FetchResult{}, errors.New("response is not a calendar")
		}

		newMeta := cacheEntry{
			URL:          candidate,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("ics cache save failed", err, "id", src.ID)
		}

		appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(candidate), "bytes", len(body), "from_cache", false)
		return FetchResult{Source: src, Body: body, URL: redactURL(candidate)}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Info("ics fetch not modified; using cache", "id", src.ID, "url", redactURL(candidate))
		return FetchResult{Source: src, Body: cachedBody, FromCache: true, URL: redactURL(candidate)}, nil

	default:
		return FetchResult{}, errors.New(resp.Status)
	}
}

// splitCredentials removes userinfo from raw and rewrites webcal:// to
// https://.
func splitCredentials(raw string) (clean, user, pass string, err error) {
	if strings.HasPrefix(raw, "webcal://") {
		raw = "https://" + strings.TrimPrefix(raw, "webcal://")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid source URL: %w", err)
	}
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
		u.User = nil
	}
	return u.String(), user, pass, nil
}

// candidateURLs lists the URLs tried for a collection, most specific first.
func candidateURLs(base string) []string {
	if strings.HasSuffix(strings.ToLower(base), ".ics") || strings.Contains(base, "?") {
		return []string{base}
	}
	trimmed := strings.TrimSuffix(base, "/")
	return []string{
		trimmed + "?export",
		trimmed + "/?export",
		trimmed + ".ics",
		trimmed,
	}
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides credentials, path and query of a source URL for logging.
//
//	https://user:pw@example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
