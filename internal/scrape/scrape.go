// Package scrape collects page text from a website for knowledge base
// ingestion. Crawling stays on the start URL's host and is bounded by link
// depth and page count.
package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"
	"golang.org/x/net/html"
)

// ErrNoPages indicates the crawl finished without extracting any text.
var ErrNoPages = errors.New("no pages scraped")

const userAgent = "Mozilla/5.0 (compatible; buoy-scraper/1.0)"

// Page is one scraped page.
type Page struct {
	URL   string
	Title string
	Text  string
}

// Scraper crawls websites. Safe for concurrent use; each Scrape call builds
// its own collector.
type Scraper struct {
	logger *slog.Logger
}

// New creates a Scraper.
func New(logger *slog.Logger) *Scraper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{logger: logger.With("component", "scrape")}
}

// Scrape crawls startURL breadth-first within its host, visiting at most
// maxLinks pages up to maxDepth levels deep, and returns the extracted text
// of each page in visit order.
func (s *Scraper) Scrape(ctx context.Context, startURL string, maxDepth, maxLinks int) ([]Page, error) {
	start, err := url.Parse(startURL)
	if err != nil || start.Host == "" {
		return nil, fmt.Errorf("invalid start url %q", startURL)
	}
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxLinks < 1 {
		maxLinks = 1
	}

	var (
		mu      sync.Mutex
		pages   []Page
		visited int
	)

	c := colly.NewCollector(
		colly.AllowedDomains(start.Hostname()),
		colly.MaxDepth(maxDepth),
		colly.UserAgent(userAgent),
	)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if visited >= maxLinks {
			r.Abort()
			return
		}
		visited++
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		// Visit enforces the depth and domain rules; errors here just mean
		// the link was filtered.
		_ = e.Request.Visit(link)
	})

	c.OnResponse(func(r *colly.Response) {
		ct := r.Headers.Get("Content-Type")
		if ct != "" && !strings.Contains(ct, "text/html") {
			return
		}
		page, err := extractPage(r.Request.URL, r.Body)
		if err != nil {
			s.logger.Debug("failed to extract page", "url", r.Request.URL, "error", err)
			return
		}
		if strings.TrimSpace(page.Text) == "" {
			return
		}
		mu.Lock()
		pages = append(pages, page)
		mu.Unlock()
	})

	c.OnError(func(r *colly.Response, err error) {
		s.logger.Debug("fetch failed", "url", r.Request.URL, "error", err)
	})

	if err := c.Visit(start.String()); err != nil {
		return nil, fmt.Errorf("visiting %s: %w", startURL, err)
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPages, startURL)
	}

	s.logger.Info("scraped website", "start_url", startURL, "pages", len(pages))
	return pages, nil
}

// extractPage prefers readability's article extraction and falls back to
// stripping markup from the whole document for pages readability rejects
// (index pages, thin content).
func extractPage(pageURL *url.URL, body []byte) (Page, error) {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return Page{
			URL:   pageURL.String(),
			Title: article.Title,
			Text:  normalizeWhitespace(article.TextContent),
		}, nil
	}
	return fallbackExtract(pageURL, body)
}

func fallbackExtract(pageURL *url.URL, body []byte) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("parsing html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, nav, header, footer").Remove()

	var b strings.Builder
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	for _, node := range root.Nodes {
		collectText(node, &b)
	}

	return Page{
		URL:   pageURL.String(),
		Title: title,
		Text:  normalizeWhitespace(b.String()),
	}, nil
}

// collectText walks the node tree appending text content, separating block
// elements with newlines.
func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript":
			return
		case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr", "section", "article":
			b.WriteString("\n")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func normalizeWhitespace(s string) string {
	var b strings.Builder
	blank := 0
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
