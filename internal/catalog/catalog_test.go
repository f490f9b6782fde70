package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/dashforge/config"
	"github.com/mohammad-safakhou/dashforge/repository"
)

func TestFetchEmptyURL(t *testing.T) {
	c := New(config.CatalogConfig{}, nil)
	text, err := c.Fetch(context.Background())
	if err != nil || text != "" {
		t.Fatalf("expected empty catalog, got %q %v", text, err)
	}
}

func TestFetchHTMLIsReducedToTextAndCached(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>\n<h1>NASA APIs</h1>\n<script>x()</script>\n<p>APOD &amp; NeoWs</p>\n</body></html>"))
	}))
	defer srv.Close()

	c := New(config.CatalogConfig{URL: srv.URL, Timeout: time.Second}, repository.NewMemoryCatalogCache())
	for i := 0; i < 2; i++ {
		text, err := c.Fetch(context.Background())
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if text != "NASA APIs APOD & NeoWs" {
			t.Fatalf("unexpected text: %q", text)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected one upstream hit, got %d", got)
	}
}

func TestFetchJSONIsCompactedAndTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{\n  \"apis\": [\n    \"" + strings.Repeat("a", 500) + "\"\n  ]\n}"))
	}))
	defer srv.Close()

	c := New(config.CatalogConfig{URL: srv.URL, MaxChars: 100}, nil)
	text, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(text) > 100 || !strings.HasPrefix(text, `{"apis":["`) || !strings.Contains(text, "[truncated]") {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("plain catalog"))
	}))
	defer srv.Close()

	c := New(config.CatalogConfig{URL: srv.URL}, nil)
	c.client = NewHTTPClient(time.Second, 2, time.Millisecond)
	text, err := c.Fetch(context.Background())
	if err != nil || text != "plain catalog" {
		t.Fatalf("unexpected result %q %v", text, err)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(config.CatalogConfig{URL: srv.URL}, nil)
	c.client = NewHTTPClient(time.Second, 3, time.Millisecond)
	if _, err := c.Fetch(context.Background()); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected one attempt, got %d", got)
	}
}
