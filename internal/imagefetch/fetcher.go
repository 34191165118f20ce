// Package imagefetch downloads alarm snapshots from vendor URLs.
package imagefetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/your-org/platelog/internal/config"
)

var errTooLarge = errors.New("image exceeds size limit")

// DownloadError reports a failed snapshot download. StatusCode is zero when
// no HTTP response was received.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewFetcher(cfg config.ImageFetchConfig) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify()},
			},
		},
		maxBytes: cfg.MaxBytes,
	}
}

// HTTPClient exposes the underlying client so tests can mock transport.
func (f *Fetcher) HTTPClient() *http.Client { return f.client }

// Fetch downloads url and returns the body of a 2xx response. No retries.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &DownloadError{URL: url, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &DownloadError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &DownloadError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, &DownloadError{URL: url, Err: errTooLarge}
	}
	if len(data) == 0 {
		return nil, &DownloadError{URL: url, Err: errors.New("empty body")}
	}
	return data, nil
}
