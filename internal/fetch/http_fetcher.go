package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/offline_vault/internal/fetch/progress"
	"github.com/italolelis/offline_vault/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const progressInterval = 16 * 1024 * 1024 // 16MB

// HTTPFetcher downloads segments over HTTP(S) with an instrumented transport.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds a fetcher. A non-empty token is attached as a static
// bearer credential for authenticated CDNs.
func NewHTTPFetcher(timeout time.Duration, token string) *HTTPFetcher {
	transport := http.RoundTripper(otelhttp.NewTransport(http.DefaultTransport))

	if token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   transport,
		}
	}

	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout, Transport: transport},
	}
}

// Fetch downloads one segment and returns its bytes.
func (f *HTTPFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build segment request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch segment: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("segment server returned HTTP %d", resp.StatusCode)
	}

	progressCb := func(read int64, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "segment download progress",
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "segment download progress", "downloaded", humanize.Bytes(uint64(read)))
		}
	}
	pr := progress.NewReader(resp.Body, resp.ContentLength, progressInterval, progressCb)

	data, err := io.ReadAll(pr)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment body: %w", err)
	}

	return data, nil
}
