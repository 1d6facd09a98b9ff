package content

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const maxFetchRedirects = 10

// NewHTTPClient builds a client for server-originated fetches. Redirect
// targets are re-vetted against the fetch policy so a permitted URL cannot
// bounce the server into a blocked one.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxFetchRedirects {
				return errors.New("stopped after 10 redirects")
			}
			if !IsAllowedFetchURL(req.URL) {
				return errors.New("redirect blocked")
			}
			return nil
		},
	}
}

func BuildImageProxyRequest(ctx context.Context, target *url.URL) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	req.Header.Set("User-Agent", ImageProxyUserAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8")
	return req, nil
}
