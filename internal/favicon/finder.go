package favicon

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"plume/internal/content"
)

const (
	fallbackIconPath = "/favicon.ico"
	maxHomePageBytes = 1 << 20
)

// findFaviconURL discovers the favicon URL for a home page: a link tag in
// the page markup wins, otherwise the conventional /favicon.ico path on the
// page's origin. Returns "" when homePageURL is not a usable http(s) URL.
// The fallback is produced even when the page itself cannot be fetched.
func findFaviconURL(client *http.Client, homePageURL string) string {
	page, err := url.Parse(strings.TrimSpace(homePageURL))
	if err != nil || page.Host == "" {
		return ""
	}
	if page.Scheme != "http" && page.Scheme != "https" {
		return ""
	}

	if found := scanHomePage(client, page); found != "" {
		return found
	}

	return page.Scheme + "://" + page.Host + fallbackIconPath
}

func scanHomePage(client *http.Client, page *url.URL) string {
	if !content.IsAllowedFetchURL(page) {
		return ""
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, page.String(), nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return ""
	}

	// Favicon links live in the head, so a capped read is enough even for
	// pages that stream far more markup.
	root, err := html.Parse(io.LimitReader(resp.Body, maxHomePageBytes))
	if err != nil {
		return ""
	}

	href := findIconLink(root)
	if href == "" {
		return ""
	}

	candidate, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}

	resolved := page.ResolveReference(candidate)
	if resolved.Host == "" || (resolved.Scheme != "http" && resolved.Scheme != "https") {
		return ""
	}

	return resolved.String()
}

func findIconLink(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Link {
		if href := iconHref(n); href != "" {
			return href
		}
	}

	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findIconLink(child); found != "" {
			return found
		}
	}

	return ""
}

// iconHref returns the href when the link's rel names an icon. The rel
// attribute is a space-separated token list ("shortcut icon" is common), so
// any token equal to "icon" counts.
func iconHref(n *html.Node) string {
	var rel, href string

	for _, attr := range n.Attr {
		switch strings.ToLower(attr.Key) {
		case "rel":
			rel = attr.Val
		case "href":
			href = attr.Val
		}
	}

	if href == "" {
		return ""
	}

	for _, token := range strings.Fields(rel) {
		if strings.EqualFold(token, "icon") {
			return href
		}
	}

	return ""
}
