//nolint:testpackage // Fetcher tests exercise package-internal helpers directly.
package favicon

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"plume/internal/content"
	"plume/internal/testutil"
)

func newTestFetcher() *fetcher {
	return newFetcher(content.NewHTTPClient(2 * time.Second))
}

func TestFetchReturnsBodyBytes(t *testing.T) {
	const faviconURL = "https://ok.test/icon.png"

	payload := testutil.PNGImage(t, 16, 16)

	sites := testutil.NewSiteServer(t)
	sites.Handle(faviconURL, testutil.SiteResponse{
		ContentType: "image/png",
		Body:        payload,
	})

	got := newTestFetcher().fetch(faviconURL)
	if !bytes.Equal(got, payload) {
		t.Fatalf("fetch returned %d bytes, want the %d byte payload", len(got), len(payload))
	}
}

func TestFetchMarksNotFoundURLBadAndShortCircuits(t *testing.T) {
	const faviconURL = "https://missing.test/icon.png"

	sites := testutil.NewSiteServer(t)
	sites.Handle(faviconURL, testutil.SiteResponse{Status: http.StatusNotFound})

	f := newTestFetcher()

	if got := f.fetch(faviconURL); got != nil {
		t.Fatalf("fetch of a 404 returned %d bytes, want nil", len(got))
	}
	if !f.isBad(faviconURL) {
		t.Fatal("404 favicon URL was not marked bad")
	}

	if got := f.fetch(faviconURL); got != nil {
		t.Fatal("second fetch of a bad URL returned bytes")
	}
	if got := sites.RequestCount(faviconURL); got != 1 {
		t.Fatalf("bad URL hit the network %d times, want 1", got)
	}
}

func TestFetchMarksTransportFailureBad(t *testing.T) {
	const faviconURL = "https://unreachable.test/icon.png"

	// No registered response: the transport errors out.
	testutil.NewSiteServer(t)

	f := newTestFetcher()

	if got := f.fetch(faviconURL); got != nil {
		t.Fatal("fetch returned bytes despite a transport failure")
	}
	if !f.isBad(faviconURL) {
		t.Fatal("unreachable favicon URL was not marked bad")
	}
}

func TestFetchRejectsDisallowedURLWithoutNetwork(t *testing.T) {
	const faviconURL = "https://localhost/icon.png"

	sites := testutil.NewSiteServer(t)

	f := newTestFetcher()

	if got := f.fetch(faviconURL); got != nil {
		t.Fatal("fetch returned bytes for a disallowed URL")
	}
	if !f.isBad(faviconURL) {
		t.Fatal("disallowed favicon URL was not marked bad")
	}
	if got := sites.RequestCount(faviconURL); got != 0 {
		t.Fatalf("disallowed URL reached the network %d times", got)
	}
}
