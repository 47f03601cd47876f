package extract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/pipeline"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Widget Care Guide</title><style>body{color:red}</style></head>
<body>
<header><a href="/">Home</a> <a href="/products">Products</a> <a href="/faq">FAQ</a></header>
<nav><a href="/a">A</a><a href="/b">B</a><a href="/c">C</a></nav>
<article>
<h1>Caring for your widget</h1>
<p>Widgets last longest when cleaned monthly with a soft dry cloth and stored
away from direct sunlight. Never submerge a widget in water, and avoid
abrasive cleaners which damage the protective coating on the outer shell.</p>
<p>For long term storage keep the widget in its original packaging.</p>
</article>
<footer>Copyright 2026 Acme. <a href="/terms">Terms</a></footer>
<script>trackPageView();</script>
</body>
</html>`

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	return New(Options{UserAgent: "quarry-test/1.0"}, zap.NewNop())
}

func TestExtract_MainContentOnly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	page, err := newTestExtractor(t).Extract(context.Background(), srv.URL)
	require.NoError(t, err)

	require.Equal(t, pipeline.FetchStatusOK, page.Status)
	require.Equal(t, "Widget Care Guide", page.Title)
	require.Contains(t, page.Text, "cleaned monthly")
	require.Contains(t, page.Text, "original packaging")
	require.NotContains(t, page.Text, "Home")
	require.NotContains(t, page.Text, "Copyright")
	require.NotContains(t, page.Text, "trackPageView")
	require.NotEmpty(t, page.ContentHash)
}

func TestExtract_HTTPErrorIsFetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestExtractor(t).Extract(context.Background(), srv.URL)

	var fe *pipeline.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusInternalServerError, fe.StatusCode)
	require.True(t, pipeline.IsRetryable(err))
}

func TestExtract_NotFoundIsNotRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestExtractor(t).Extract(context.Background(), srv.URL)

	var fe *pipeline.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusNotFound, fe.StatusCode)
	require.False(t, pipeline.IsRetryable(err))
}

func TestExtract_NonHTMLIsSkipped(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	page, err := newTestExtractor(t).Extract(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, pipeline.FetchStatusSkipped, page.Status)
	require.Empty(t, page.Text)
}

func TestExtract_ConnectionRefusedIsRetryableFetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := newTestExtractor(t).Extract(context.Background(), srv.URL)

	var fe *pipeline.FetchError
	require.ErrorAs(t, err, &fe)
	require.Zero(t, fe.StatusCode)
	require.True(t, pipeline.IsRetryable(err))
}

func TestContentHash_IgnoresCaseAndWhitespace(t *testing.T) {
	t.Parallel()

	a := ContentHash("Hello   World\nAgain")
	b := ContentHash("hello world again")
	require.Equal(t, a, b)
	require.NotEqual(t, a, ContentHash("hello world against"))
}

func TestParse_TitleFallsBackToH1(t *testing.T) {
	t.Parallel()

	body := `<html><body><h1>Fallback Heading</h1><p>` +
		strings.Repeat("Enough body text to count as content for the scorer. ", 5) +
		`</p></body></html>`
	title, text, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Equal(t, "Fallback Heading", title)
	require.Contains(t, text, "Enough body text")
}
