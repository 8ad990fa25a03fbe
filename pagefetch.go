package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	// HTTP timeout for each page request
	PageFetchTimeout = 30 * time.Second

	// Attempts per page before giving up
	PageFetchAttempts = 2

	// Delay between attempts
	PageFetchRetryDelay = 2 * time.Second

	// Extracted text is capped at this many characters
	PageContentLimit = 20000

	// User agent for page requests
	UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"
)

// ErrUnsupportedURL is returned for anything but absolute http(s) URLs
var ErrUnsupportedURL = errors.New("only http and https URLs are supported")

// PageContent is the readable text of a fetched page
type PageContent struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// PageFetcher downloads reference pages and reduces them to readable text
type PageFetcher struct {
	client     *http.Client
	attempts   int
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewPageFetcher creates a fetcher with the default timeout and retry policy
func NewPageFetcher(logger *zap.Logger) *PageFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageFetcher{
		client:     &http.Client{Timeout: PageFetchTimeout},
		attempts:   PageFetchAttempts,
		retryDelay: PageFetchRetryDelay,
		logger:     logger,
	}
}

// Fetch downloads rawURL and extracts its title and body text
func (f *PageFetcher) Fetch(ctx context.Context, rawURL string) (PageContent, error) {
	target, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return PageContent{}, ErrUnsupportedURL
	}

	resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
		return f.get(ctx, target.String())
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(f.retryDelay)),
		backoff.WithMaxTries(uint(f.attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.Warn("page fetch attempt failed, retrying",
				zap.String("url", target.String()),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return PageContent{}, ctxErr
		}
		return PageContent{}, fmt.Errorf("failed to fetch %s after %d attempts: %w", target, f.attempts, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PageContent{}, fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, target)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return PageContent{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	page := ExtractPageContent(doc)
	page.URL = target.String()

	f.logger.Info("fetched reference page",
		zap.String("url", page.URL),
		zap.Int("chars", len([]rune(page.Content))),
	)
	return page, nil
}

func (f *PageFetcher) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	return f.client.Do(req)
}

// ExtractPageContent pulls the title and readable text out of a parsed page.
// Scripts, styles and page chrome are removed and whitespace is collapsed.
func ExtractPageContent(doc *goquery.Document) PageContent {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	doc.Find("script, style, noscript, nav, footer, header, aside, iframe").Remove()

	body := doc.Find("main, article").First()
	if body.Length() == 0 {
		body = doc.Find("body")
	}

	var parts []string
	collectText(body, &parts)
	text := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	return PageContent{
		Title:   strings.Join(strings.Fields(title), " "),
		Content: truncateRunes(text, PageContentLimit),
	}
}

// collectText appends the text nodes under s in document order. Adjacent
// elements stay separated once the parts are joined with spaces.
func collectText(s *goquery.Selection, parts *[]string) {
	s.Contents().Each(func(_ int, child *goquery.Selection) {
		if goquery.NodeName(child) == "#text" {
			*parts = append(*parts, child.Text())
			return
		}
		collectText(child, parts)
	})
}
