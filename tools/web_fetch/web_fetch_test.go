package web_fetch

import (
	"testing"
	"time"

	"github.com/mohammad-safakhou/dashforge/tools/web_fetch/chromedp"
)

func TestNewWebFetcherDefaults(t *testing.T) {
	f, err := NewWebFetcher(ChromedpFetcherType, 0, -1)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	cf, ok := f.(*chromedp.Fetch)
	if !ok {
		t.Fatalf("unexpected fetcher type %T", f)
	}
	if cf.Timeout != DefaultTimeout || cf.RenderWait != DefaultRenderWait {
		t.Fatalf("defaults not applied: %+v", cf)
	}
}

func TestNewWebFetcherKeepsZeroRenderWait(t *testing.T) {
	f, err := NewWebFetcher(ChromedpFetcherType, time.Second, 0)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	if cf := f.(*chromedp.Fetch); cf.RenderWait != 0 {
		t.Fatalf("render wait = %v", cf.RenderWait)
	}
}

func TestNewWebFetcherUnsupported(t *testing.T) {
	if _, err := NewWebFetcher("playwright", time.Second, 0); err == nil {
		t.Fatalf("expected unsupported fetcher error")
	}
}
