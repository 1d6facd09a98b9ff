package favicon

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"plume/internal/binstore"
)

type resolveState int

const (
	stateUnresolved resolveState = iota
	stateCheckingDisk
	stateCheckingNetwork
	stateResolved
	stateFailed
)

// controller owns the resolution lifecycle of one favicon URL. The state
// only ever moves forward: unresolved, checking disk, checking network,
// then resolved or failed. Both end states are permanent, so a URL is
// resolved at most once and a failure is never retried in-process.
type controller struct {
	faviconURL string
	owner      *Downloader

	mu    sync.Mutex
	state resolveState
	image *Image
}

func newController(faviconURL string, owner *Downloader) *controller {
	return &controller{
		faviconURL: faviconURL,
		owner:      owner,
	}
}

// request returns the image when resolution already succeeded. The first
// call starts the single resolution attempt; calls made while it runs, or
// after it failed, return nil. Callers learn about late success through the
// availability notification, not by polling.
func (c *controller) request() *Image {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateResolved:
		return c.image
	case stateCheckingDisk, stateCheckingNetwork, stateFailed:
		return nil
	case stateUnresolved:
	}

	c.state = stateCheckingDisk

	go c.resolve()

	return nil
}

func (c *controller) resolve() {
	if err := c.owner.workers.Acquire(context.Background(), 1); err != nil {
		c.setState(stateFailed)

		return
	}
	defer c.owner.workers.Release(1)

	if img := c.checkDisk(); img != nil {
		c.finish(img)

		return
	}

	c.setState(stateCheckingNetwork)

	img := c.checkNetwork()
	if img == nil {
		c.setState(stateFailed)

		return
	}

	c.finish(img)
}

// checkDisk loads previously cached bytes. A store read error is logged and
// treated like a miss so the network tier still runs; bytes that no longer
// decode mark the URL's image bad and fall through to the network as well.
func (c *controller) checkDisk() *Image {
	data, err := c.owner.blobs.Get(binstore.Key(c.faviconURL))
	if errors.Is(err, binstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		slog.Warn("favicon disk read failed", "favicon_url", c.faviconURL, "err", err)

		return nil
	}

	img, err := decodeImage(data)
	if err != nil {
		c.owner.markBadImage(c.faviconURL)
		slog.Info("cached favicon no longer decodes", "favicon_url", c.faviconURL, "err", err)

		return nil
	}

	return img
}

func (c *controller) checkNetwork() *Image {
	data := c.owner.fetcher.fetch(c.faviconURL)
	if data == nil {
		return nil
	}

	img, err := decodeImage(data)
	if err != nil {
		c.owner.markBadImage(c.faviconURL)
		slog.Info("fetched favicon does not decode", "favicon_url", c.faviconURL, "err", err)

		return nil
	}

	if err := c.owner.blobs.Put(binstore.Key(c.faviconURL), img.Data); err != nil {
		// The in-memory result stands even when the disk copy fails.
		slog.Warn("favicon disk write failed", "favicon_url", c.faviconURL, "err", err)
	}

	return img
}

// finish records the terminal success and reports it upward. resolve runs
// once per controller, so the availability notification fires at most once
// per favicon URL.
func (c *controller) finish(img *Image) {
	c.mu.Lock()
	c.state = stateResolved
	c.image = img
	c.mu.Unlock()

	c.owner.resolved(c.faviconURL, img)
}

func (c *controller) setState(state resolveState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}
