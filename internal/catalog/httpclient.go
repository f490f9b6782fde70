package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient is a small GET client with exponential-backoff retries on
// transport errors, 429 and 5xx responses.
type HTTPClient struct {
	client  *http.Client
	retries int
	backoff time.Duration
	maxBody int64
}

func NewHTTPClient(timeout time.Duration, retries int, backoff time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if backoff == 0 {
		backoff = 300 * time.Millisecond
	}
	return &HTTPClient{client: &http.Client{Timeout: timeout}, retries: retries, backoff: backoff, maxBody: 4 << 20}
}

// Get fetches url and returns the body and its content type.
func (c *HTTPClient) Get(ctx context.Context, url string, headers map[string]string) ([]byte, string, error) {
	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, "", err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		body, ctype, retry, err := c.do(req)
		if err == nil {
			return body, ctype, nil
		}
		lastErr = err
		if !retry {
			break
		}

		if attempt < tries-1 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}
	}
	return nil, "", lastErr
}

func (c *HTTPClient) do(req *http.Request) (body []byte, ctype string, retry bool, err error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		b, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
		if err != nil {
			return nil, "", true, err
		}
		return b, resp.Header.Get("Content-Type"), false, nil
	}
	// read response body (best-effort) to include in error
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	retry = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return nil, "", retry, fmt.Errorf("%s: %s", resp.Status, string(b))
}
