package chromedp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/mohammad-safakhou/dashforge/internal/helpers"
	"github.com/mohammad-safakhou/dashforge/tools/web_fetch/models"
)

type Fetch struct {
	Timeout    time.Duration // whole capture budget, browser start included
	RenderWait time.Duration // extra settle time after body is ready
	MaxChars   int           // cap on extracted text
}

// Exec loads url in a headless browser and returns the rendered markup.
// Client-side apps draw after the body exists, hence RenderWait.
func (f Fetch) Exec(ctx context.Context, url string) (models.Result, error) {
	if strings.TrimSpace(url) == "" {
		return models.Result{}, errors.New("invalid url")
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	t0 := time.Now()

	html, err := fetchHTML(ctx, url, f.RenderWait)
	if err != nil {
		return models.Result{URL: url, Status: 599, RenderMS: int(time.Since(t0) / time.Millisecond)}, fmt.Errorf("render %s: %w", url, err)
	}

	sum := sha1.Sum([]byte(html))
	res := models.Result{
		URL:      url,
		HTML:     html,
		HTMLHash: hex.EncodeToString(sum[:]),
		Status:   200,
		RenderMS: int(time.Since(t0) / time.Millisecond),
	}
	res.Title, res.Text = extractText(html, url)
	if f.MaxChars > 0 && len(res.Text) > f.MaxChars {
		res.Text = res.Text[:f.MaxChars]
	}
	return res, nil
}

// extractText prefers readability output and falls back to stripping tags,
// since dashboards are rarely article-shaped.
func extractText(html, pageURL string) (string, string) {
	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(pageURL))
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.Title), helpers.CollapseWhitespace(article.TextContent)
	}
	return "", helpers.CollapseWhitespace(helpers.SanitizeHTMLStrict(html))
}

func fetchHTML(ctx context.Context, url string, wait time.Duration) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent("dashforge-snapshot/1.0"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(wait),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
