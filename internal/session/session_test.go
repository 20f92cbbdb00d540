package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/offline_vault/internal/content"
	"github.com/italolelis/offline_vault/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver implements manifest.Resolver.
type fakeResolver struct {
	resolveFunc func(ctx context.Context, source string) (*manifest.Presentation, error)
	started     chan struct{}
	release     chan struct{}
}

func (r *fakeResolver) Resolve(ctx context.Context, source string) (*manifest.Presentation, error) {
	if r.started != nil {
		r.started <- struct{}{}
	}

	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if r.resolveFunc != nil {
		return r.resolveFunc(ctx, source)
	}

	return plainPresentation(source), nil
}

func plainPresentation(source string) *manifest.Presentation {
	return &manifest.Presentation{
		Source: source,
		Raw:    []byte(`{"segments":[...]}`),
		Segments: []manifest.Segment{
			{Locator: "https://cdn.example.com/seg/0.m4s", Size: 3},
			{Locator: "https://cdn.example.com/seg/1.m4s", Size: 3},
		},
	}
}

func protectedPresentation(source string) *manifest.Presentation {
	pres := plainPresentation(source)
	pres.Protection = &manifest.Protection{KeySystem: "com.widevine.alpha", InitData: []byte("pssh")}

	return pres
}

// fakeFetcher implements fetch.Fetcher with per-locator scripting.
type fakeFetcher struct {
	mu       sync.Mutex
	failures map[string]int // locator -> remaining failures before success
	calls    atomic.Int64
	err      error
}

func (f *fakeFetcher) Fetch(_ context.Context, locator string) ([]byte, error) {
	f.calls.Add(1)

	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	remaining := f.failures[locator]
	if remaining > 0 {
		f.failures[locator] = remaining - 1
	}
	f.mu.Unlock()

	if remaining > 0 {
		return nil, errors.New("transient fetch failure")
	}

	return []byte("abc"), nil
}

// fakeLicenses implements LicenseManager.
type fakeLicenses struct {
	mu         sync.Mutex
	acquireErr error
	acquired   []*content.License
	released   []string
	persistent bool
}

func (l *fakeLicenses) Acquire(_ context.Context, keySystem string, _ []byte, persistent bool) (*content.License, error) {
	if l.acquireErr != nil {
		return nil, l.acquireErr
	}

	lic := &content.License{SessionKey: "sess-1", KeySystem: keySystem, Persistent: persistent}

	l.mu.Lock()
	l.acquired = append(l.acquired, lic)
	l.mu.Unlock()

	return lic, nil
}

func (l *fakeLicenses) Release(_ context.Context, lic *content.License) error {
	l.mu.Lock()
	l.released = append(l.released, lic.SessionKey)
	l.mu.Unlock()

	return nil
}

// fakeRepo implements store.Repository in memory.
type fakeRepo struct {
	mu        sync.Mutex
	records   map[string]*content.Record
	commitErr error
	commits   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*content.Record)}
}

func (r *fakeRepo) Support(context.Context) bool { return true }

func (r *fakeRepo) Get(_ context.Context, offlineURI string) (*content.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[offlineURI]
	if !ok {
		return nil, content.ErrNotFound
	}

	return rec, nil
}

func (r *fakeRepo) GetSegment(context.Context, string) ([]byte, error) { return nil, content.ErrNotFound }

func (r *fakeRepo) ListAll(context.Context) ([]*content.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]*content.Record, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}

	return records, nil
}

func (r *fakeRepo) Commit(_ context.Context, rec *content.Record, blobs []content.SegmentBlob) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.commitErr != nil {
		return "", r.commitErr
	}

	r.commits++
	uri := fmt.Sprintf("offline:%d", r.commits)

	rec.OfflineURI = uri
	rec.CreatedAt = time.Now()
	rec.Status = content.StatusComplete

	rec.Segments = rec.Segments[:0]
	for _, blob := range blobs {
		rec.Segments = append(rec.Segments, blob.SegmentEntry)
	}

	r.records[uri] = rec

	return uri, nil
}

func (r *fakeRepo) Delete(_ context.Context, offlineURI string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[offlineURI]; !ok {
		return content.ErrNotFound
	}

	delete(r.records, offlineURI)

	return nil
}

func (r *fakeRepo) PutLicense(context.Context, *content.License) error { return nil }
func (r *fakeRepo) GetLicense(context.Context, string) (*content.License, error) {
	return nil, content.ErrNotFound
}
func (r *fakeRepo) DeleteLicense(context.Context, string) error { return nil }
func (r *fakeRepo) ListExpiredLicenses(context.Context, time.Time) ([]*content.License, error) {
	return nil, nil
}
func (r *fakeRepo) DetachLicense(context.Context, string) error { return nil }

func newTestCoordinator(resolver manifest.Resolver, fetcher *fakeFetcher, licenses *fakeLicenses, repo *fakeRepo) *Coordinator {
	return NewCoordinator(resolver, fetcher, licenses, repo, nil, 2, 3, time.Millisecond)
}

func TestCoordinator_RunCommitsRecord(t *testing.T) {
	repo := newFakeRepo()
	coord := newTestCoordinator(&fakeResolver{}, &fakeFetcher{}, &fakeLicenses{}, repo)

	rec, err := coord.Run(context.Background(), content.Request{Source: "https://cdn.example.com/show.mpd"})
	require.NoError(t, err)

	assert.NotEmpty(t, rec.OfflineURI)
	assert.Equal(t, content.StatusComplete, rec.Status)
	assert.Equal(t, int64(6), rec.SizeBytes)
	assert.Len(t, rec.Segments, 2)
	assert.Empty(t, rec.LicenseKey)

	stored, err := repo.Get(context.Background(), rec.OfflineURI)
	require.NoError(t, err)
	assert.Equal(t, rec.OfflineURI, stored.OfflineURI)

	// The session is gone once Run returns.
	assert.False(t, coord.Active("https://cdn.example.com/show.mpd"))
}

func TestCoordinator_RunRejectsConcurrentSameSource(t *testing.T) {
	resolver := &fakeResolver{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	coord := newTestCoordinator(resolver, &fakeFetcher{}, &fakeLicenses{}, newFakeRepo())

	firstDone := make(chan error, 1)

	go func() {
		_, err := coord.Run(context.Background(), content.Request{Source: "src"})
		firstDone <- err
	}()

	// Wait until the first session holds the claim.
	<-resolver.started
	assert.True(t, coord.Active("src"))

	_, err := coord.Run(context.Background(), content.Request{Source: "src"})
	assert.ErrorIs(t, err, content.ErrSessionAlreadyActive)

	close(resolver.release)
	require.NoError(t, <-firstDone)

	// The slot frees up afterwards.
	_, err = coord.Run(context.Background(), content.Request{Source: "src"})
	require.NoError(t, err)
}

func TestCoordinator_RunProtectedPersistsLicenseKey(t *testing.T) {
	resolver := &fakeResolver{
		resolveFunc: func(_ context.Context, source string) (*manifest.Presentation, error) {
			return protectedPresentation(source), nil
		},
	}
	licenses := &fakeLicenses{}
	coord := newTestCoordinator(resolver, &fakeFetcher{}, licenses, newFakeRepo())

	rec, err := coord.Run(context.Background(), content.Request{
		Source: "src",
		Config: content.SessionConfig{UsePersistentLicense: true},
	})
	require.NoError(t, err)

	assert.Equal(t, "sess-1", rec.LicenseKey)
	assert.Empty(t, licenses.released, "persistent license outlives the session")
}

func TestCoordinator_RunReleasesTemporaryLicenseAfterCommit(t *testing.T) {
	resolver := &fakeResolver{
		resolveFunc: func(_ context.Context, source string) (*manifest.Presentation, error) {
			return protectedPresentation(source), nil
		},
	}
	licenses := &fakeLicenses{}
	coord := newTestCoordinator(resolver, &fakeFetcher{}, licenses, newFakeRepo())

	rec, err := coord.Run(context.Background(), content.Request{Source: "src"})
	require.NoError(t, err)

	assert.Empty(t, rec.LicenseKey)
	assert.Equal(t, []string{"sess-1"}, licenses.released)
}

func TestCoordinator_RunLicenseFailureAbortsBeforeFetch(t *testing.T) {
	resolver := &fakeResolver{
		resolveFunc: func(_ context.Context, source string) (*manifest.Presentation, error) {
			return protectedPresentation(source), nil
		},
	}
	fetcher := &fakeFetcher{}
	licenses := &fakeLicenses{acquireErr: fmt.Errorf("key system: %w", content.ErrLicenseUnsupported)}
	repo := newFakeRepo()
	coord := newTestCoordinator(resolver, fetcher, licenses, repo)

	_, err := coord.Run(context.Background(), content.Request{Source: "src"})
	require.ErrorIs(t, err, content.ErrLicenseUnsupported)

	// Nothing fetched, nothing persisted.
	assert.Zero(t, fetcher.calls.Load())
	records, _ := repo.ListAll(context.Background())
	assert.Empty(t, records)
}

func TestCoordinator_RunRetriesTransientFetchFailures(t *testing.T) {
	fetcher := &fakeFetcher{failures: map[string]int{
		"https://cdn.example.com/seg/0.m4s": 2,
	}}
	repo := newFakeRepo()
	coord := newTestCoordinator(&fakeResolver{}, fetcher, &fakeLicenses{}, repo)

	rec, err := coord.Run(context.Background(), content.Request{Source: "src"})
	require.NoError(t, err)
	assert.Equal(t, content.StatusComplete, rec.Status)

	// 2 failures + 1 success for segment 0, 1 success for segment 1.
	assert.Equal(t, int64(4), fetcher.calls.Load())
}

func TestCoordinator_RunFailsAfterRetryExhaustion(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("origin unreachable")}
	repo := newFakeRepo()
	coord := newTestCoordinator(&fakeResolver{}, fetcher, &fakeLicenses{}, repo)

	_, err := coord.Run(context.Background(), content.Request{Source: "src"})
	require.Error(t, err)

	var fetchErr *content.SegmentFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, uint(3), fetchErr.Attempts)

	records, _ := repo.ListAll(context.Background())
	assert.Empty(t, records, "a failed session leaves nothing behind")
}

func TestCoordinator_RunCancellationReleasesLicense(t *testing.T) {
	resolver := &fakeResolver{
		resolveFunc: func(_ context.Context, source string) (*manifest.Presentation, error) {
			return protectedPresentation(source), nil
		},
	}
	licenses := &fakeLicenses{}
	fetcher := &fakeFetcher{err: context.Canceled}
	repo := newFakeRepo()
	coord := newTestCoordinator(resolver, fetcher, licenses, repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := coord.Run(ctx, content.Request{Source: "src"})
	require.Error(t, err)

	assert.Equal(t, []string{"sess-1"}, licenses.released)

	records, _ := repo.ListAll(context.Background())
	assert.Empty(t, records)
}

func TestCoordinator_RunEmitsFinishedEvent(t *testing.T) {
	coord := newTestCoordinator(&fakeResolver{}, &fakeFetcher{}, &fakeLicenses{}, newFakeRepo())

	rec, err := coord.Run(context.Background(), content.Request{Source: "src"})
	require.NoError(t, err)

	select {
	case event := <-coord.OnSessionFinished:
		assert.Equal(t, rec.OfflineURI, event.OfflineURI)
	default:
		t.Fatal("expected a finished event")
	}
}

func TestCoordinator_RunEmitsFailedEvent(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("origin unreachable")}
	coord := newTestCoordinator(&fakeResolver{}, fetcher, &fakeLicenses{}, newFakeRepo())

	_, err := coord.Run(context.Background(), content.Request{Source: "src"})
	require.Error(t, err)

	select {
	case event := <-coord.OnSessionFailed:
		assert.Equal(t, "src", event.Source)
		assert.Error(t, event.Err)
	default:
		t.Fatal("expected a failed event")
	}
}

func TestCoordinator_RunAfterCloseDoesNotPanic(t *testing.T) {
	coord := newTestCoordinator(&fakeResolver{}, &fakeFetcher{}, &fakeLicenses{}, newFakeRepo())

	coord.Close()
	coord.Close() // closing twice is harmless

	// Sessions finishing after shutdown drop their events instead of
	// sending on the closed channels.
	rec, err := coord.Run(context.Background(), content.Request{Source: "src"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.OfflineURI)

	fetcher := &fakeFetcher{err: errors.New("origin unreachable")}
	failing := newTestCoordinator(&fakeResolver{}, fetcher, &fakeLicenses{}, newFakeRepo())
	failing.Close()

	_, err = failing.Run(context.Background(), content.Request{Source: "src"})
	require.Error(t, err)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateFetchingManifest, "fetching_manifest"},
		{StateAcquiringLicense, "acquiring_license"},
		{StateFetchingSegments, "fetching_segments"},
		{StateCommitting, "committing"},
		{StateComplete, "complete"},
		{StateAborting, "aborting"},
		{StateAborted, "aborted"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
