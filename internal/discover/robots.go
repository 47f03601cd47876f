package discover

import (
	"context"
	"net/url"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// Robots caches per-host robots.txt verdicts. A host whose robots.txt is
// missing or unreadable allows everything.
type Robots struct {
	client    *resty.Client
	userAgent string
	logger    *zap.Logger

	mu    sync.Mutex
	hosts map[string]*robotstxt.RobotsData
}

// NewRobots builds a robots cache sharing the discoverer's HTTP client.
func NewRobots(client *resty.Client, userAgent string, logger *zap.Logger) *Robots {
	return &Robots{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		hosts:     make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed reports whether pageURL may be fetched under the host's
// robots.txt. Malformed URLs are allowed through; the fetch will produce a
// better error than a silent skip.
func (r *Robots) Allowed(ctx context.Context, pageURL string) bool {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return true
	}
	data := r.forHost(ctx, u.Scheme, u.Host)
	if data == nil {
		return true
	}
	return data.TestAgent(u.Path, r.userAgent)
}

func (r *Robots) forHost(ctx context.Context, scheme, host string) *robotstxt.RobotsData {
	r.mu.Lock()
	data, ok := r.hosts[host]
	r.mu.Unlock()
	if ok {
		return data
	}

	data = r.fetch(ctx, scheme, host)
	r.mu.Lock()
	r.hosts[host] = data
	r.mu.Unlock()
	return data
}

func (r *Robots) fetch(ctx context.Context, scheme, host string) *robotstxt.RobotsData {
	resp, err := r.client.R().SetContext(ctx).Get(scheme + "://" + host + "/robots.txt")
	if err != nil {
		r.logger.Debug("robots.txt unreachable, allowing all", zap.String("host", host), zap.Error(err))
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode(), resp.Body())
	if err != nil {
		r.logger.Debug("robots.txt unparseable, allowing all", zap.String("host", host), zap.Error(err))
		return nil
	}
	return data
}
