// Package discover resolves the URL frontier for a crawl job: the site's
// sitemap when one exists, a bounded link walk otherwise.
package discover

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/pipeline"
)

// Options configures a Discoverer.
type Options struct {
	UserAgent string
	// MaxDepth bounds the link walk when no sitemap exists.
	MaxDepth int
	// Timeout applies to each sitemap and robots request.
	Timeout time.Duration
}

// Discoverer implements pipeline.Discoverer. It prefers /sitemap.xml and
// falls back to a same-host breadth-first link walk.
type Discoverer struct {
	opts   Options
	client *resty.Client
	robots *Robots
	logger *zap.Logger
}

// New builds a Discoverer.
func New(opts Options, logger *zap.Logger) *Discoverer {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 3
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent)
	return &Discoverer{
		opts:   opts,
		client: client,
		robots: NewRobots(client, opts.UserAgent, logger),
		logger: logger,
	}
}

// Robots exposes the shared per-host robots cache so the fetch path can
// honor the same verdicts discovery saw.
func (d *Discoverer) Robots() *Robots {
	return d.robots
}

// Discover returns up to maxPages same-host URLs for rootURL, root first.
// An unreachable root with no sitemap is a DiscoveryError.
func (d *Discoverer) Discover(ctx context.Context, rootURL string, maxPages int) ([]string, error) {
	root, err := url.Parse(rootURL)
	if err != nil || root.Host == "" {
		return nil, &pipeline.DiscoveryError{RootURL: rootURL, Err: err}
	}

	if urls := d.fromSitemap(ctx, root, maxPages); len(urls) > 0 {
		d.logger.Info("discovered urls from sitemap",
			zap.String("root", rootURL), zap.Int("count", len(urls)))
		return urls, nil
	}

	urls, err := d.fromLinkWalk(ctx, root, maxPages)
	if err != nil {
		return nil, &pipeline.DiscoveryError{RootURL: rootURL, Err: err}
	}
	if len(urls) == 0 {
		return nil, &pipeline.DiscoveryError{RootURL: rootURL}
	}
	d.logger.Info("discovered urls from link walk",
		zap.String("root", rootURL), zap.Int("count", len(urls)))
	return urls, nil
}

func (d *Discoverer) fromSitemap(ctx context.Context, root *url.URL, maxPages int) []string {
	sitemapURL := root.Scheme + "://" + root.Host + "/sitemap.xml"
	raw, err := fetchSitemap(ctx, d.client, sitemapURL, maxPages*2, 0)
	if err != nil {
		d.logger.Debug("sitemap fetch failed", zap.String("url", sitemapURL), zap.Error(err))
		return nil
	}

	seen := make(map[string]struct{}, len(raw))
	urls := make([]string, 0, len(raw))
	for _, loc := range raw {
		norm, ok := normalize(root, loc)
		if !ok {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		urls = append(urls, norm)
		if len(urls) >= maxPages {
			break
		}
	}
	return urls
}

func (d *Discoverer) fromLinkWalk(ctx context.Context, root *url.URL, maxPages int) ([]string, error) {
	c := colly.NewCollector(
		colly.UserAgent(d.opts.UserAgent),
		colly.MaxDepth(d.opts.MaxDepth),
		colly.AllowedDomains(allowedHosts(root.Host)...),
	)
	c.SetRequestTimeout(d.opts.Timeout)

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
		urls []string
	)

	c.OnResponse(func(r *colly.Response) {
		if !strings.Contains(r.Headers.Get("Content-Type"), "text/html") {
			return
		}
		norm, ok := normalize(root, r.Request.URL.String())
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if _, dup := seen[norm]; dup {
			return
		}
		seen[norm] = struct{}{}
		urls = append(urls, norm)
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		mu.Lock()
		full := len(urls) >= maxPages
		mu.Unlock()
		if full || ctx.Err() != nil {
			return
		}
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if norm, ok := normalize(root, link); ok {
			_ = e.Request.Visit(norm)
		}
	})

	if err := c.Visit(root.String()); err != nil {
		return nil, err
	}
	c.Wait()

	if len(urls) > maxPages {
		urls = urls[:maxPages]
	}
	return urls, nil
}

// normalize rewrites a discovered link onto the root's host rules: same
// host (the www variant counts), http(s) only, fragment stripped.
func normalize(root *url.URL, raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !sameHost(root.Host, u.Host) {
		return "", false
	}
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), true
}

func sameHost(rootHost, host string) bool {
	return host == rootHost ||
		host == "www."+rootHost ||
		rootHost == "www."+host
}

// allowedHosts returns hostnames for the collector's domain filter, which
// matches without the port.
func allowedHosts(host string) []string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if strings.HasPrefix(host, "www.") {
		return []string{host, strings.TrimPrefix(host, "www.")}
	}
	return []string{host, "www." + host}
}
