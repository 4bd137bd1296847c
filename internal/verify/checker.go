// Package verify implements the indexation monitor: a periodic sweep that
// confirms placed backlinks are still live and indexed, and replaces the
// ones that decayed.
package verify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rankcraft/linkengine/internal/db"
	"golang.org/x/time/rate"
)

// IndexChecker reports whether a placed backlink is live and indexable
type IndexChecker interface {
	CheckIndexed(ctx context.Context, link *db.Backlink) (bool, error)
}

// HTTPChecker fetches the page hosting a backlink and inspects it: the
// link counts as indexed when the page resolves, is not marked noindex,
// and still carries an anchor pointing at the target URL. Requests are
// rate limited so sweeps never hammer host platforms.
type HTTPChecker struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPChecker creates a checker throttled to checksPerSecond
func NewHTTPChecker(client *http.Client, checksPerSecond float64) *HTTPChecker {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if checksPerSecond <= 0 {
		checksPerSecond = 2
	}
	return &HTTPChecker{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(checksPerSecond), 1),
	}
}

// CheckIndexed fetches the hosting page and looks for the live anchor
func (c *HTTPChecker) CheckIndexed(ctx context.Context, link *db.Backlink) (bool, error) {
	if link.LinkURL == "" {
		return false, fmt.Errorf("backlink %s has no link URL", link.ID)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link.LinkURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build check request: %w", err)
	}
	req.Header.Set("User-Agent", "linkengine-verifier/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to fetch %s: %w", link.LinkURL, err)
	}
	defer resp.Body.Close()

	// A page that no longer resolves is a dead placement, not an error
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("check of %s returned %d", link.LinkURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", link.LinkURL, err)
	}

	if pageBlocksIndexing(doc) {
		return false, nil
	}

	return anchorPresent(doc, link.TargetURL), nil
}

// pageBlocksIndexing reports whether the page carries a robots noindex
// directive
func pageBlocksIndexing(doc *goquery.Document) bool {
	blocked := false
	doc.Find(`meta[name="robots"], meta[name="googlebot"]`).Each(func(_ int, s *goquery.Selection) {
		content, _ := s.Attr("content")
		if strings.Contains(strings.ToLower(content), "noindex") {
			blocked = true
		}
	})
	return blocked
}

// anchorPresent reports whether the page still links to the target URL.
// Comparison ignores trailing slashes so canonicalised hrefs still match.
func anchorPresent(doc *goquery.Document, targetURL string) bool {
	want := strings.TrimSuffix(targetURL, "/")
	found := false
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if strings.TrimSuffix(href, "/") == want {
			found = true
			return false
		}
		return true
	})
	return found
}
