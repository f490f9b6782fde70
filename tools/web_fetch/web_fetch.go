package web_fetch

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/dashforge/tools/web_fetch/chromedp"
	"github.com/mohammad-safakhou/dashforge/tools/web_fetch/models"
)

const (
	DefaultTimeout    = 20 * time.Second
	DefaultRenderWait = 3 * time.Second
	MaxCharsDefault   = 20000
)

// WebFetcher renders a URL and returns its markup.
type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

type FetcherType string

const (
	ChromedpFetcherType FetcherType = "chromedp"
)

// Error reports an invalid fetcher configuration.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

func NewWebFetcher(fetcherType FetcherType, timeout, renderWait time.Duration) (WebFetcher, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if renderWait < 0 {
		renderWait = DefaultRenderWait
	}

	switch fetcherType {
	case ChromedpFetcherType, "":
		return &chromedp.Fetch{Timeout: timeout, RenderWait: renderWait, MaxChars: MaxCharsDefault}, nil
	default:
		return nil, &Error{"unsupported fetcher type: " + string(fetcherType)}
	}
}
