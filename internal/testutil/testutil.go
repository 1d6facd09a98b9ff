package testutil

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"plume/internal/store"
)

type FeedServer struct {
	mu      sync.RWMutex
	feedXML string
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func NewFeedServer(t *testing.T, feedXML string) (*FeedServer, string) {
	t.Helper()
	fs := &FeedServer{feedXML: feedXML}
	feedURL := "https://feed.test/" + url.PathEscape(t.Name())
	prevTransport := http.DefaultTransport
	http.DefaultTransport = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.String() != feedURL {
			return nil, fmt.Errorf("unexpected feed url: %s", req.URL.String())
		}
		fs.mu.RLock()
		defer fs.mu.RUnlock()
		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Header:     http.Header{"Content-Type": []string{"application/rss+xml"}},
			Body:       io.NopCloser(strings.NewReader(fs.feedXML)),
			Request:    req,
		}, nil
	})
	t.Cleanup(func() { http.DefaultTransport = prevTransport })
	return fs, feedURL
}

func (f *FeedServer) SetFeedXML(xml string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedXML = xml
}

// SiteResponse is one canned HTTP response served by a SiteServer. A zero
// Status means 200.
type SiteResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// SiteServer fakes any number of remote URLs by swapping
// http.DefaultTransport, the same way NewFeedServer does for a single feed.
// Requests to URLs without a registered response fail with an error, and
// every request is counted so tests can assert that cached lookups stay off
// the network.
type SiteServer struct {
	mu        sync.Mutex
	responses map[string]SiteResponse
	requests  map[string]int
}

func NewSiteServer(t *testing.T) *SiteServer {
	t.Helper()
	s := &SiteServer{
		responses: make(map[string]SiteResponse),
		requests:  make(map[string]int),
	}
	prevTransport := http.DefaultTransport
	http.DefaultTransport = roundTripFunc(s.roundTrip)
	t.Cleanup(func() { http.DefaultTransport = prevTransport })
	return s
}

func (s *SiteServer) Handle(rawURL string, resp SiteResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[rawURL] = resp
}

// RequestCount reports how many requests the server has seen for rawURL.
func (s *SiteServer) RequestCount(rawURL string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[rawURL]
}

func (s *SiteServer) roundTrip(req *http.Request) (*http.Response, error) {
	key := req.URL.String()
	s.mu.Lock()
	s.requests[key]++
	resp, ok := s.responses[key]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unexpected site url: %s", key)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	header := http.Header{}
	if resp.ContentType != "" {
		header.Set("Content-Type", resp.ContentType)
	}
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(resp.Body)),
		Request:    req,
	}, nil
}

// PNGImage returns a valid width-by-height PNG.
func PNGImage(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

// ICOImage returns an .ico container holding one PNG-encoded entry.
func ICOImage(t *testing.T, width, height int) []byte {
	t.Helper()
	payload := PNGImage(t, width, height)
	ico := make([]byte, 0, 22+len(payload))
	ico = binary.LittleEndian.AppendUint16(ico, 0)
	ico = binary.LittleEndian.AppendUint16(ico, 1)
	ico = binary.LittleEndian.AppendUint16(ico, 1)
	ico = append(ico, icoSizeByte(width), icoSizeByte(height), 0, 0)
	ico = binary.LittleEndian.AppendUint16(ico, 1)
	ico = binary.LittleEndian.AppendUint16(ico, 32)
	ico = binary.LittleEndian.AppendUint32(ico, uint32(len(payload)))
	ico = binary.LittleEndian.AppendUint32(ico, 22)
	return append(ico, payload...)
}

// icoSizeByte encodes a dimension for an ico directory entry, where zero
// stands for 256.
func icoSizeByte(size int) byte {
	if size >= 256 {
		return 0
	}
	return byte(size)
}

// HomePageHTML returns a minimal page, with a favicon link tag when
// faviconHref is non-empty.
func HomePageHTML(faviconHref string) string {
	if faviconHref == "" {
		return `<!doctype html><html><head><title>Site</title></head><body>hi</body></html>`
	}
	return fmt.Sprintf(
		`<!doctype html><html><head><title>Site</title><link rel="icon" href="%s"></head><body>hi</body></html>`,
		faviconHref,
	)
}

type RSSItem struct {
	Title       string
	Link        string
	GUID        string
	PubDate     string
	Description string
}

func RSSXML(title string, items []RSSItem) string {
	return RSSXMLWithHomePage(title, "http://example.com", items)
}

// RSSXMLWithHomePage builds feed XML whose channel link points at
// homePageURL, for tests that exercise home-page capture.
func RSSXMLWithHomePage(title, homePageURL string, items []RSSItem) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString("<rss version=\"2.0\"><channel>")
	b.WriteString(fmt.Sprintf("<title>%s</title>", title))
	b.WriteString(fmt.Sprintf("<link>%s</link>", homePageURL))
	b.WriteString("<description>Test feed</description>")
	for _, item := range items {
		b.WriteString("<item>")
		b.WriteString(fmt.Sprintf("<title>%s</title>", item.Title))
		b.WriteString(fmt.Sprintf("<link>%s</link>", item.Link))
		b.WriteString(fmt.Sprintf("<guid>%s</guid>", item.GUID))
		b.WriteString(fmt.Sprintf("<pubDate>%s</pubDate>", item.PubDate))
		b.WriteString(fmt.Sprintf("<description><![CDATA[%s]]></description>", item.Description))
		b.WriteString("</item>")
	}
	b.WriteString("</channel></rss>")
	return b.String()
}

func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := store.Init(db); err != nil {
		_ = db.Close()
		t.Fatalf("store.Init: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TimePtr(tw time.Time) *time.Time {
	return &tw
}
