// Package favicon resolves and caches the icons shown next to feeds.
//
// Resolution is tiered: an in-memory image cache, then the on-disk blob
// store, then the network, with a markup-discovery step when only a feed's
// home page is known. Lookups are synchronous and best-effort; anything not
// already in memory resolves in the background and is announced through a
// notification, so callers never block on disk or network I/O.
package favicon

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"plume/internal/binstore"
	"plume/internal/content"
	"plume/internal/notify"
)

// DidBecomeAvailable is posted through the notification center each time a
// favicon URL resolves to an image for the first time. It never fires for
// failed resolutions.
const DidBecomeAvailable = "FaviconDidBecomeAvailable"

// Availability is the DidBecomeAvailable payload. HomePageURL is empty when
// the resolution started from a direct favicon URL with no home page known.
type Availability struct {
	HomePageURL string
	FaviconURL  string
	Image       *Image
}

const (
	fetchTimeout      = 5 * time.Second
	discoveryTimeout  = 10 * time.Second
	maxResolveWorkers = 4
)

// Downloader is the facade over favicon resolution. One instance serves the
// whole process; all methods are safe for concurrent use.
type Downloader struct {
	blobs   *binstore.Store
	center  *notify.Center
	fetcher *fetcher
	pages   *http.Client
	workers *semaphore.Weighted

	// mu guards every map below. Controllers and images are keyed by
	// favicon URL, associations by home-page URL.
	mu           sync.Mutex
	controllers  map[string]*controller
	images       map[string]*Image
	associations map[string]string
	homePages    map[string]string
	badImages    map[string]struct{}
	discovering  map[string]struct{}
	saveAssoc    func(homePageURL, faviconURL string)
}

// New opens the blob store under folder and returns a downloader that
// announces resolutions through center.
func New(folder string, center *notify.Center) (*Downloader, error) {
	blobs, err := binstore.Open(folder)
	if err != nil {
		return nil, fmt.Errorf("open favicon cache: %w", err)
	}

	return &Downloader{
		blobs:        blobs,
		center:       center,
		fetcher:      newFetcher(content.NewHTTPClient(fetchTimeout)),
		pages:        content.NewHTTPClient(discoveryTimeout),
		workers:      semaphore.NewWeighted(maxResolveWorkers),
		controllers:  make(map[string]*controller),
		images:       make(map[string]*Image),
		associations: make(map[string]string),
		homePages:    make(map[string]string),
		badImages:    make(map[string]struct{}),
		discovering:  make(map[string]struct{}),
		saveAssoc:    nil,
	}, nil
}

// SetAssociations seeds the home-page to favicon-URL cache, typically from
// persisted associations at startup.
func (d *Downloader) SetAssociations(associations map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for homePageURL, faviconURL := range associations {
		if homePageURL == "" || faviconURL == "" {
			continue
		}

		d.associations[homePageURL] = faviconURL
	}
}

// SetAssociationSaver registers a callback invoked whenever discovery maps
// a home page to a favicon URL. It runs on a background goroutine.
func (d *Downloader) SetAssociationSaver(save func(homePageURL, faviconURL string)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.saveAssoc = save
}

// Favicon returns the cached image for a feed's favicon when one is already
// resolved. Otherwise it returns nil and, when the inputs allow, starts
// asynchronous resolution: a later DidBecomeAvailable notification delivers
// the image to subscribers. Either URL may be empty; a direct favicon URL
// wins over the home page.
func (d *Downloader) Favicon(faviconURL, homePageURL string) *Image {
	faviconURL = strings.TrimSpace(faviconURL)
	homePageURL = strings.TrimSpace(homePageURL)

	if faviconURL == "" && homePageURL == "" {
		return nil
	}

	if faviconURL == "" {
		d.mu.Lock()
		faviconURL = d.associations[homePageURL]
		d.mu.Unlock()
	}

	if faviconURL == "" {
		d.discover(homePageURL)

		return nil
	}

	return d.request(faviconURL, homePageURL)
}

// request hands the favicon URL to its controller, creating the controller
// on first reference. Known-bad images short-circuit before any controller
// exists for them.
func (d *Downloader) request(faviconURL, homePageURL string) *Image {
	d.mu.Lock()

	if homePageURL != "" {
		if _, known := d.homePages[faviconURL]; !known {
			d.homePages[faviconURL] = homePageURL
		}
	}

	if img, ok := d.images[faviconURL]; ok {
		d.mu.Unlock()

		return img
	}

	ctl, ok := d.controllers[faviconURL]
	if !ok {
		if _, bad := d.badImages[faviconURL]; bad {
			d.mu.Unlock()

			return nil
		}

		ctl = newController(faviconURL, d)
		d.controllers[faviconURL] = ctl
	}

	d.mu.Unlock()

	return ctl.request()
}

// discover finds the favicon URL for a home page in the background and then
// feeds it into request. Concurrent callers for the same home page trigger
// a single discovery.
func (d *Downloader) discover(homePageURL string) {
	d.mu.Lock()
	if _, running := d.discovering[homePageURL]; running {
		d.mu.Unlock()

		return
	}
	d.discovering[homePageURL] = struct{}{}
	d.mu.Unlock()

	go func() {
		faviconURL := d.discoverFaviconURL(homePageURL)

		d.mu.Lock()
		delete(d.discovering, homePageURL)
		if faviconURL == "" {
			d.mu.Unlock()

			return
		}
		d.associations[homePageURL] = faviconURL
		save := d.saveAssoc
		d.mu.Unlock()

		if save != nil {
			save(homePageURL, faviconURL)
		}

		d.request(faviconURL, homePageURL)
	}()
}

func (d *Downloader) discoverFaviconURL(homePageURL string) string {
	if err := d.workers.Acquire(context.Background(), 1); err != nil {
		return ""
	}
	defer d.workers.Release(1)

	return findFaviconURL(d.pages, homePageURL)
}

// resolved is called by a controller exactly once per successful
// resolution. It publishes the image to the process-wide cache and posts
// the availability notification.
func (d *Downloader) resolved(faviconURL string, img *Image) {
	d.mu.Lock()
	d.images[faviconURL] = img
	homePageURL := d.homePages[faviconURL]
	d.mu.Unlock()

	if d.center == nil {
		return
	}

	d.center.Post(DidBecomeAvailable, Availability{
		HomePageURL: homePageURL,
		FaviconURL:  faviconURL,
		Image:       img,
	})
}

func (d *Downloader) markBadImage(faviconURL string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.badImages[faviconURL] = struct{}{}
}
