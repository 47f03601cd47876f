// Package extract fetches a page and reduces it to main-content text with a
// stable content hash.
package extract

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/pipeline"
)

// Elements stripped before main-content selection. Their text is chrome, not
// content.
var strippedSelectors = []string{
	"script", "style", "noscript", "iframe", "svg",
	"nav", "header", "footer", "aside", "form",
}

// Candidate containers scored for main content, most specific first.
var candidateSelectors = []string{
	"article", "main", "[role=main]", "#content", ".content", "section", "div",
}

// Options configures the Extractor.
type Options struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Extractor fetches URLs over HTTP and extracts title, main text, and a
// content hash. Safe for concurrent use.
type Extractor struct {
	client *resty.Client
	maxLen int
	logger *zap.Logger
}

// New builds an Extractor. The client follows redirects and identifies
// itself with the configured user agent.
func New(opts Options, logger *zap.Logger) *Extractor {
	if opts.Timeout == 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 5 << 20
	}
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	return &Extractor{client: client, maxLen: opts.MaxBodyBytes, logger: logger}
}

// Extract fetches url and returns the page's title, main text, and content
// hash. Non-HTML responses come back as a skipped page with a nil error;
// transport and HTTP errors come back as a FetchError.
func (e *Extractor) Extract(ctx context.Context, url string) (pipeline.Page, error) {
	resp, err := e.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return pipeline.Page{}, &pipeline.FetchError{URL: url, Err: err}
	}
	if code := resp.StatusCode(); code >= 400 {
		return pipeline.Page{}, &pipeline.FetchError{URL: url, StatusCode: code}
	}

	ctype := resp.Header().Get("Content-Type")
	if ctype != "" && !strings.Contains(ctype, "text/html") && !strings.Contains(ctype, "application/xhtml") {
		e.logger.Debug("skipping non-html page", zap.String("url", url), zap.String("content_type", ctype))
		return pipeline.Page{URL: url, Status: pipeline.FetchStatusSkipped}, nil
	}

	body := resp.Body()
	if len(body) > e.maxLen {
		body = body[:e.maxLen]
	}

	title, text, err := Parse(body)
	if err != nil {
		return pipeline.Page{}, &pipeline.ParseError{URL: url, Err: err}
	}
	if text == "" {
		return pipeline.Page{URL: url, Title: title, Status: pipeline.FetchStatusSkipped}, nil
	}

	return pipeline.Page{
		URL:         url,
		Title:       title,
		Text:        text,
		ContentHash: ContentHash(text),
		Status:      pipeline.FetchStatusOK,
	}, nil
}

// Parse extracts the title and main-content text from an HTML document.
func Parse(body []byte) (title, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	for _, sel := range strippedSelectors {
		doc.Find(sel).Remove()
	}

	main := selectMainContent(doc)
	return title, normalizeText(main.Text()), nil
}

// selectMainContent picks the container with the highest content score:
// text length discounted by link density. Pages made mostly of links
// (navigation blocks, link farms) score near zero.
func selectMainContent(doc *goquery.Document) *goquery.Selection {
	best := doc.Selection.Find("body")
	if best.Length() == 0 {
		best = doc.Selection
	}
	bestScore := 0.0

	for _, sel := range candidateSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			total := len(s.Text())
			if total < 140 {
				return
			}
			linkLen := 0
			s.Find("a").Each(func(_ int, a *goquery.Selection) {
				linkLen += len(a.Text())
			})
			score := float64(total) * (1 - float64(linkLen)/float64(total))
			if score > bestScore {
				best, bestScore = s, score
			}
		})
	}
	return best
}

// normalizeText collapses runs of whitespace but keeps paragraph breaks so
// downstream sentence and Q&A detection still sees line structure.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	newlines := 0
	spaces := false
	for _, r := range s {
		switch {
		case r == '\n':
			newlines++
		case unicode.IsSpace(r):
			spaces = true
		default:
			if b.Len() > 0 {
				if newlines >= 2 {
					b.WriteString("\n\n")
				} else if newlines == 1 {
					b.WriteByte('\n')
				} else if spaces {
					b.WriteByte(' ')
				}
			}
			newlines, spaces = 0, false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ContentHash fingerprints page text for change detection. Case and
// whitespace differences do not change the hash.
func ContentHash(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
