package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Samankhalid01/capacitor-updater/version"
)

const userAgent = "capacitor-updater/%s"

// Fetcher opens the raw archive behind a bundle url. size is -1 when unknown.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (body io.ReadCloser, size int64, err error)
}

// HTTPFetcher fetches archives over http and https
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, version.UpdaterVersion()))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to perform HTTP request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
		return nil, 0, fmt.Errorf("unexpected HTTP status: %d", resp.StatusCode)
	}

	return resp.Body, resp.ContentLength, nil
}

// SchemeFetcher dispatches on the url scheme
type SchemeFetcher map[string]Fetcher

func (f SchemeFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, fmt.Errorf("parse bundle url: %w", err)
	}

	fetcher, ok := f[u.Scheme]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported bundle url scheme %q", u.Scheme)
	}
	return fetcher.Fetch(ctx, rawURL)
}
