package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/italolelis/offline_vault/internal/content"
	"github.com/italolelis/offline_vault/internal/fetch"
	"github.com/italolelis/offline_vault/internal/logctx"
	"github.com/italolelis/offline_vault/internal/manifest"
	"github.com/italolelis/offline_vault/internal/store"
	"github.com/italolelis/offline_vault/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// State is a download session's position in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateFetchingManifest
	StateAcquiringLicense
	StateFetchingSegments
	StateCommitting
	StateComplete
	StateAborting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateFetchingManifest:
		return "fetching_manifest"
	case StateAcquiringLicense:
		return "acquiring_license"
	case StateFetchingSegments:
		return "fetching_segments"
	case StateCommitting:
		return "committing"
	case StateComplete:
		return "complete"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	}

	return "unknown"
}

// LicenseManager is the slice of the DRM manager a session needs.
type LicenseManager interface {
	Acquire(ctx context.Context, keySystem string, initData []byte, persistent bool) (*content.License, error)
	Release(ctx context.Context, lic *content.License) error
}

// Session is the in-memory state of one store operation. It owns no persisted
// data; everything it gathers reaches the store in a single commit.
type Session struct {
	source  string
	cfg     content.SessionConfig
	license *content.License

	bytesDownloaded atomic.Int64

	mu    sync.Mutex
	state State
}

func (s *Session) transition(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// BytesDownloaded returns the number of media bytes fetched so far.
func (s *Session) BytesDownloaded() int64 {
	return s.bytesDownloaded.Load()
}

// Failure describes a session that ended in Aborted.
type Failure struct {
	Source string
	Err    error
}

// Coordinator drives download sessions: resolve manifest, acquire license,
// fetch segments with bounded parallelism and retries, commit everything in
// one transaction. At most one session runs per source identifier.
type Coordinator struct {
	resolver  manifest.Resolver
	fetcher   fetch.Fetcher
	licenses  LicenseManager
	repo      store.Repository
	telemetry *telemetry.Telemetry

	maxParallel   int
	maxAttempts   uint
	retryInterval time.Duration

	mu     sync.Mutex
	active map[string]*Session
	closed bool

	// Session events are advisory; sends never block, slow consumers miss
	// events rather than stalling the engine.
	OnSessionFinished chan *content.Record
	OnSessionFailed   chan *Failure
}

func NewCoordinator(
	resolver manifest.Resolver,
	fetcher fetch.Fetcher,
	licenses LicenseManager,
	repo store.Repository,
	tel *telemetry.Telemetry,
	maxParallel int,
	maxAttempts uint,
	retryInterval time.Duration,
) *Coordinator {
	if maxParallel < 1 {
		maxParallel = 1
	}

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &Coordinator{
		resolver:      resolver,
		fetcher:       fetcher,
		licenses:      licenses,
		repo:          repo,
		telemetry:     tel,
		maxParallel:   maxParallel,
		maxAttempts:   maxAttempts,
		retryInterval: retryInterval,
		active:        make(map[string]*Session),

		OnSessionFinished: make(chan *content.Record, 16),
		OnSessionFailed:   make(chan *Failure, 16),
	}
}

// Close shuts the event channels down. Sessions still in flight stop
// emitting events instead of sending on a closed channel.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true

	close(c.OnSessionFinished)
	close(c.OnSessionFailed)
}

// Active reports whether a session for the source identifier is running.
func (c *Coordinator) Active(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.active[source]

	return ok
}

// Run executes one download session to completion. It returns the committed
// record, or an error with nothing persisted. Cancellation is honored at
// every suspension point; the abort path (license release) completes before
// Run returns.
func (c *Coordinator) Run(ctx context.Context, req content.Request) (*content.Record, error) {
	s, err := c.claim(req)
	if err != nil {
		return nil, err
	}

	defer c.unclaim(req.Source)

	var rec *content.Record

	err = c.telemetry.InstrumentSession(ctx, func(ctx context.Context) error {
		var runErr error
		rec, runErr = c.run(ctx, s)

		return runErr
	})
	if err != nil {
		c.notifyFailed(&Failure{Source: req.Source, Err: err})

		return nil, err
	}

	c.notifyFinished(rec)

	return rec, nil
}

// claim enforces the at-most-one-session-per-source invariant atomically.
func (c *Coordinator) claim(req content.Request) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[req.Source]; ok {
		return nil, fmt.Errorf("source %s: %w", req.Source, content.ErrSessionAlreadyActive)
	}

	s := &Session{source: req.Source, cfg: req.Config, state: StateCreated}
	c.active[req.Source] = s

	return s, nil
}

func (c *Coordinator) unclaim(source string) {
	c.mu.Lock()
	delete(c.active, source)
	c.mu.Unlock()
}

func (c *Coordinator) run(ctx context.Context, s *Session) (*content.Record, error) {
	logger := logctx.LoggerFromContext(ctx).With("source", s.source)

	s.transition(StateFetchingManifest)
	logger.InfoContext(ctx, "download session started", "state", StateFetchingManifest.String())

	pres, err := c.resolver.Resolve(ctx, s.source)
	if err != nil {
		return nil, c.abort(ctx, s, err)
	}

	// License support is settled before any media byte is fetched, so an
	// unsupported key system can never leave a partial download behind.
	if pres.Protected() {
		s.transition(StateAcquiringLicense)

		lic, err := c.licenses.Acquire(ctx, pres.Protection.KeySystem, pres.Protection.InitData, s.cfg.UsePersistentLicense)
		if err != nil {
			return nil, c.abort(ctx, s, err)
		}

		s.license = lic
	}

	s.transition(StateFetchingSegments)

	blobs, err := c.fetchSegments(ctx, s, pres)
	if err != nil {
		return nil, c.abort(ctx, s, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, c.abort(ctx, s, err)
	}

	s.transition(StateCommitting)

	rec := &content.Record{
		Source:    s.source,
		Manifest:  pres.Raw,
		SizeBytes: s.BytesDownloaded(),
		Status:    content.StatusComplete,
	}

	if s.license != nil && s.license.Persistent {
		rec.LicenseKey = s.license.SessionKey
	}

	if _, err := c.repo.Commit(ctx, rec, blobs); err != nil {
		return nil, c.abort(ctx, s, err)
	}

	s.transition(StateComplete)

	// Temporary licenses are scoped to the session; the record keeps no
	// reference and playback re-acquires as needed.
	if s.license != nil && !s.license.Persistent {
		if err := c.licenses.Release(context.WithoutCancel(ctx), s.license); err != nil {
			logger.WarnContext(ctx, "failed to release temporary license", "err", err)
		}

		s.license = nil
	}

	logger.InfoContext(ctx, "download session complete",
		"offline_uri", rec.OfflineURI,
		"segment_count", len(rec.Segments),
		"size", humanize.Bytes(uint64(rec.SizeBytes)),
	)

	return rec, nil
}

// abort releases any acquired license and reports the originating error.
// Nothing was persisted outside the commit transaction, so there is no data
// to roll back. Release runs detached from ctx so cancellation cannot leave
// an orphaned license behind.
func (c *Coordinator) abort(ctx context.Context, s *Session, cause error) error {
	logger := logctx.LoggerFromContext(ctx).With("source", s.source)

	s.transition(StateAborting)
	logger.WarnContext(ctx, "aborting download session", "err", cause)

	if s.license != nil {
		if err := c.licenses.Release(context.WithoutCancel(ctx), s.license); err != nil {
			logger.ErrorContext(ctx, "failed to release license during abort", "err", err)
		}

		s.license = nil
	}

	s.transition(StateAborted)

	return cause
}

// fetchSegments downloads all segments with a bounded worker pool. Segments
// have no ordering requirement between each other; the commit strictly
// follows the last fetch.
func (c *Coordinator) fetchSegments(ctx context.Context, s *Session, pres *manifest.Presentation) ([]content.SegmentBlob, error) {
	logger := logctx.LoggerFromContext(ctx).With("source", s.source)

	wg, ctx := errgroup.WithContext(ctx)

	blobs := make([]content.SegmentBlob, len(pres.Segments))
	sem := make(chan struct{}, c.maxParallel)

	for i := range pres.Segments {
		seg := pres.Segments[i]
		idx := i

		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			data, err := c.fetchWithRetry(ctx, seg.Locator)
			if err != nil {
				c.telemetry.RecordSegmentFetch("error", 0)
				logger.ErrorContext(ctx, "failed to fetch segment", "locator", seg.Locator, "err", err)

				return err
			}

			c.telemetry.RecordSegmentFetch("success", int64(len(data)))
			total := s.bytesDownloaded.Add(int64(len(data)))

			logger.DebugContext(ctx, "segment fetched",
				"segment_index", idx,
				"segment_size", humanize.Bytes(uint64(len(data))),
				"session_total", humanize.Bytes(uint64(total)),
			)

			blobs[idx] = content.SegmentBlob{
				SegmentEntry: content.SegmentEntry{
					Locator: seg.Locator,
					Index:   idx,
					Size:    int64(len(data)),
				},
				Data: data,
			}

			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return nil, err
	}

	return blobs, nil
}

// fetchWithRetry retries transient fetch failures with exponential backoff.
// The fetcher itself never retries; this is the only retry loop.
func (c *Coordinator) fetchWithRetry(ctx context.Context, locator string) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval

	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		data, err := c.fetcher.Fetch(ctx, locator)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}

			return nil, err
		}

		return data, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxAttempts))
	if err != nil {
		return nil, &content.SegmentFetchError{Locator: locator, Attempts: c.maxAttempts, Err: err}
	}

	return data, nil
}

func (c *Coordinator) notifyFinished(rec *content.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.OnSessionFinished <- rec:
	default:
	}
}

func (c *Coordinator) notifyFailed(f *Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.OnSessionFailed <- f:
	default:
	}
}
