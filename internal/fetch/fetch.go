package fetch

import "context"

// Fetcher retrieves the raw bytes behind a segment locator. Fetch is
// idempotent and safe to retry; the fetcher itself never retries, the
// session coordinator owns the retry policy.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}
