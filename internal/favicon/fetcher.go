package favicon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/singleflight"

	"plume/internal/content"
)

const (
	fetchUserAgent  = "Plume/1.0"
	maxFaviconBytes = 1 << 20
)

// fetcher downloads favicon bytes. A singleflight group collapses
// concurrent fetches of the same URL into one request, and any failed URL
// is remembered as bad so later fetches short-circuit without touching the
// network again for the rest of the process lifetime.
type fetcher struct {
	client *http.Client
	group  singleflight.Group

	mu  sync.Mutex
	bad map[string]struct{}
}

func newFetcher(client *http.Client) *fetcher {
	return &fetcher{
		client: client,
		bad:    make(map[string]struct{}),
	}
}

func (f *fetcher) isBad(faviconURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, bad := f.bad[faviconURL]

	return bad
}

func (f *fetcher) markBad(faviconURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bad[faviconURL] = struct{}{}
}

// fetch returns the body bytes for faviconURL, or nil when the URL is known
// bad or the download fails. Callers arriving while a download for the same
// URL is in flight wait for that download instead of starting another.
func (f *fetcher) fetch(faviconURL string) []byte {
	if f.isBad(faviconURL) {
		return nil
	}

	value, err, _ := f.group.Do(faviconURL, func() (any, error) {
		data, downloadErr := f.download(faviconURL)
		if downloadErr != nil {
			f.markBad(faviconURL)
			slog.Info("favicon fetch failed", "favicon_url", faviconURL, "err", downloadErr)

			return nil, downloadErr
		}

		return data, nil
	})
	if err != nil {
		return nil
	}

	data, ok := value.([]byte)
	if !ok {
		return nil
	}

	return data
}

func (f *fetcher) download(faviconURL string) ([]byte, error) {
	parsed, err := url.Parse(faviconURL)
	if err != nil {
		return nil, fmt.Errorf("parse favicon url: %w", err)
	}
	if !content.IsAllowedFetchURL(parsed) {
		return nil, fmt.Errorf("favicon url %q not allowed", faviconURL)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, faviconURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build favicon request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch favicon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unexpected status %d for favicon", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFaviconBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read favicon body: %w", err)
	}
	if len(data) == 0 {
		return nil, errEmptyImage
	}
	if len(data) > maxFaviconBytes {
		return nil, fmt.Errorf("favicon exceeds %d bytes", maxFaviconBytes)
	}

	return data, nil
}
