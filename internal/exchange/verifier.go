package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

// verificationMetaName is the meta tag participants add to their homepage
// to prove domain ownership
const verificationMetaName = "linkengine-verification"

// SiteChecker inspects participant sites: ownership tokens and placed links
type SiteChecker interface {
	// TokenPresent reports whether the domain's homepage carries the
	// ownership verification token
	TokenPresent(ctx context.Context, domain, token string) (bool, error)
	// LinkLive reports whether sourceURL carries an anchor pointing at destURL
	LinkLive(ctx context.Context, sourceURL, destURL string) (bool, error)
}

// HTTPSiteChecker fetches participant pages over HTTP, rate limited so
// verification sweeps stay polite
type HTTPSiteChecker struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPSiteChecker creates a checker throttled to checksPerSecond
func NewHTTPSiteChecker(client *http.Client, checksPerSecond float64) *HTTPSiteChecker {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if checksPerSecond <= 0 {
		checksPerSecond = 2
	}
	return &HTTPSiteChecker{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(checksPerSecond), 1),
	}
}

func (c *HTTPSiteChecker) fetch(ctx context.Context, pageURL string) (*goquery.Document, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "linkengine-verifier/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s returned %d", pageURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", pageURL, err)
	}

	return doc, nil
}

// TokenPresent looks for the ownership meta tag on the domain's homepage
func (c *HTTPSiteChecker) TokenPresent(ctx context.Context, domain, token string) (bool, error) {
	pageURL := domain
	if !strings.Contains(pageURL, "://") {
		pageURL = "https://" + pageURL
	}

	doc, err := c.fetch(ctx, pageURL)
	if err != nil {
		return false, err
	}

	found := false
	doc.Find(fmt.Sprintf(`meta[name=%q]`, verificationMetaName)).Each(func(_ int, s *goquery.Selection) {
		if content, _ := s.Attr("content"); content == token {
			found = true
		}
	})

	return found, nil
}

// LinkLive checks the hosting page for an anchor pointing at the destination
func (c *HTTPSiteChecker) LinkLive(ctx context.Context, sourceURL, destURL string) (bool, error) {
	doc, err := c.fetch(ctx, sourceURL)
	if err != nil {
		return false, err
	}

	want := strings.TrimSuffix(destURL, "/")
	found := false
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if strings.TrimSuffix(href, "/") == want {
			found = true
			return false
		}
		return true
	})

	return found, nil
}
