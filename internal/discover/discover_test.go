package discover

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/pipeline"
)

func newTestDiscoverer() *Discoverer {
	return New(Options{UserAgent: "quarry-test/1.0", MaxDepth: 3}, zap.NewNop())
}

func TestDiscover_Sitemap(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sitemap.xml" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/</loc></url>
  <url><loc>%[1]s/products</loc></url>
  <url><loc>%[1]s/products#reviews</loc></url>
  <url><loc>https://elsewhere.example/page</loc></url>
  <url><loc>%[1]s/faq</loc></url>
</urlset>`, srv.URL)
	}))
	defer srv.Close()

	urls, err := newTestDiscoverer().Discover(context.Background(), srv.URL, 10)
	require.NoError(t, err)
	// Fragment dedups against the plain URL and the foreign host is dropped.
	require.Equal(t, []string{srv.URL + "/", srv.URL + "/products", srv.URL + "/faq"}, urls)
}

func TestDiscover_SitemapIndex(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			fmt.Fprintf(w, `<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%[1]s/sitemap-a.xml</loc></sitemap>
  <sitemap><loc>%[1]s/sitemap-b.xml</loc></sitemap>
</sitemapindex>`, srv.URL)
		case "/sitemap-a.xml":
			fmt.Fprintf(w, `<urlset><url><loc>%s/a</loc></url></urlset>`, srv.URL)
		case "/sitemap-b.xml":
			fmt.Fprintf(w, `<urlset><url><loc>%s/b</loc></url></urlset>`, srv.URL)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	urls, err := newTestDiscoverer().Discover(context.Background(), srv.URL, 10)
	require.NoError(t, err)
	require.Equal(t, []string{srv.URL + "/a", srv.URL + "/b"}, urls)
}

func TestDiscover_LinkWalkFallback(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/":
			fmt.Fprintf(w, `<html><body><a href="/about">About</a> <a href="/faq">FAQ</a></body></html>`)
		case "/about":
			fmt.Fprintf(w, `<html><body><a href="/">Home</a> <a href="https://elsewhere.example/x">Out</a></body></html>`)
		case "/faq":
			fmt.Fprintf(w, `<html><body>No links here.</body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	urls, err := newTestDiscoverer().Discover(context.Background(), srv.URL, 10)
	require.NoError(t, err)
	require.Len(t, urls, 3)
	require.Equal(t, srv.URL+"/", urls[0])
	require.Contains(t, urls, srv.URL+"/about")
	require.Contains(t, urls, srv.URL+"/faq")
}

func TestDiscover_MaxPagesBoundsLinkWalk(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		for i := 0; i < 20; i++ {
			fmt.Fprintf(w, `<a href="/page/%d">p%d</a>`, i, i)
		}
	}))
	defer srv.Close()

	urls, err := newTestDiscoverer().Discover(context.Background(), srv.URL, 5)
	require.NoError(t, err)
	require.Len(t, urls, 5)
}

func TestDiscover_UnreachableRootIsDiscoveryError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := newTestDiscoverer().Discover(context.Background(), srv.URL, 10)
	var de *pipeline.DiscoveryError
	require.ErrorAs(t, err, &de)
}

func TestRobots_DisallowedPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := newTestDiscoverer()
	ctx := context.Background()
	require.True(t, d.Robots().Allowed(ctx, srv.URL+"/public"))
	require.False(t, d.Robots().Allowed(ctx, srv.URL+"/private/page"))
}

func TestRobots_MissingFileAllowsAll(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := newTestDiscoverer()
	require.True(t, d.Robots().Allowed(context.Background(), srv.URL+"/anything"))
}

func TestNormalize_HostRules(t *testing.T) {
	t.Parallel()

	root, err := url.Parse("https://example.com/")
	require.NoError(t, err)

	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"https://example.com/page#top", "https://example.com/page", true},
		{"https://www.example.com/page", "https://www.example.com/page", true},
		{"https://example.com", "https://example.com/", true},
		{"https://other.example/page", "", false},
		{"mailto:hi@example.com", "", false},
		{"ftp://example.com/file", "", false},
	}
	for _, tc := range cases {
		got, ok := normalize(root, tc.raw)
		require.Equal(t, tc.ok, ok, tc.raw)
		if ok {
			require.Equal(t, tc.want, got, tc.raw)
		}
	}
}
