package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/italolelis/offline_vault/internal/content"
	"github.com/italolelis/offline_vault/internal/logctx"
	"github.com/italolelis/offline_vault/internal/session"
	"github.com/italolelis/offline_vault/internal/store"
	"github.com/italolelis/offline_vault/internal/telemetry"
)

// Options are the recognized Configure settings. They apply to subsequent
// Store calls only, never retroactively to sessions in flight.
type Options struct {
	UsePersistentLicense bool
}

// LicenseReleaser is the slice of the DRM manager removal needs.
type LicenseReleaser interface {
	ReleaseByKey(ctx context.Context, sessionKey string) error
}

// RemovalReport is the aggregate outcome of DeleteAll. Removals that
// succeeded took effect even when others failed.
type RemovalReport struct {
	Removed  []string
	Failures []content.RemovalFailure
}

// Err returns an aggregate error listing the failed identifiers, or nil when
// everything was removed.
func (r *RemovalReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}

	return &content.RemovalAggregateError{Failures: r.Failures}
}

// Storage is the public surface of the offline content engine. It owns the
// registry of stored content through the injected repository; constructing
// several Storage instances over distinct repositories gives fully isolated
// engines.
type Storage struct {
	repo      store.Repository
	coord     *session.Coordinator
	licenses  LicenseReleaser
	telemetry *telemetry.Telemetry

	mu  sync.Mutex
	cfg content.SessionConfig
}

func New(repo store.Repository, coord *session.Coordinator, licenses LicenseReleaser, tel *telemetry.Telemetry) *Storage {
	return &Storage{
		repo:      repo,
		coord:     coord,
		licenses:  licenses,
		telemetry: tel,
	}
}

// Support reports whether a usable persistence backend exists. Callers check
// this before relying on the other operations; absence is not an error.
func (s *Storage) Support(ctx context.Context) bool {
	return s.repo.Support(ctx)
}

// Configure sets options for subsequent Store calls.
func (s *Storage) Configure(opts Options) {
	s.mu.Lock()
	s.cfg = content.SessionConfig{UsePersistentLicense: opts.UsePersistentLicense}
	s.mu.Unlock()
}

// Store downloads and persists the presentation behind the source identifier
// and returns the committed record. On failure nothing is left visible.
func (s *Storage) Store(ctx context.Context, source string) (*content.Record, error) {
	if !s.Support(ctx) {
		s.telemetry.RecordStoreOperation("store", "error")

		return nil, content.ErrStorageUnavailable
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	rec, err := s.coord.Run(ctx, content.Request{Source: source, Config: cfg})
	if err != nil {
		s.telemetry.RecordStoreOperation("store", "error")

		return nil, err
	}

	s.telemetry.RecordStoreOperation("store", "success")

	return rec, nil
}

// Resolve maps an offline URI back to its stored record for playback. A
// record flagged corrupt is reported instead of served; it stays listable
// and removable so callers can clean it up.
func (s *Storage) Resolve(ctx context.Context, offlineURI string) (*content.Record, error) {
	rec, err := s.repo.Get(ctx, offlineURI)
	if err != nil {
		return nil, err
	}

	if rec.Status == content.StatusCorrupt {
		return nil, fmt.Errorf("record %s: %w", offlineURI, content.ErrStorageCorrupt)
	}

	return rec, nil
}

// ListAll returns every stored record. The repository registry is the single
// source of truth; nothing is cached here.
func (s *Storage) ListAll(ctx context.Context) ([]*content.Record, error) {
	return s.repo.ListAll(ctx)
}

// Remove releases the record's license (if any), then deletes the record and
// its blobs in one transaction. A license must never outlive the records
// referencing it, so the release goes first; if deletion then fails the
// result is a PartialRemovalError the caller may retry.
func (s *Storage) Remove(ctx context.Context, offlineURI string) error {
	logger := logctx.LoggerFromContext(ctx).With("offline_uri", offlineURI)

	rec, err := s.repo.Get(ctx, offlineURI)
	if err != nil {
		s.telemetry.RecordStoreOperation("remove", "error")

		return err
	}

	if s.coord.Active(rec.Source) {
		s.telemetry.RecordStoreOperation("remove", "error")

		return fmt.Errorf("record %s: %w", offlineURI, content.ErrContentBusy)
	}

	licenseReleased := false

	if rec.LicenseKey != "" {
		if err := s.licenses.ReleaseByKey(ctx, rec.LicenseKey); err != nil {
			s.telemetry.RecordStoreOperation("remove", "error")

			return fmt.Errorf("failed to release license for %s: %w", offlineURI, err)
		}

		licenseReleased = true
	}

	if err := s.repo.Delete(ctx, offlineURI); err != nil {
		s.telemetry.RecordStoreOperation("remove", "error")

		if licenseReleased {
			return &content.PartialRemovalError{
				OfflineURI:      offlineURI,
				LicenseReleased: true,
				BlobsDeleted:    false,
				Err:             err,
			}
		}

		return fmt.Errorf("failed to delete %s: %w", offlineURI, err)
	}

	logger.InfoContext(ctx, "removed stored content")
	s.telemetry.RecordStoreOperation("remove", "success")

	return nil
}

// DeleteAll removes every stored record, continuing past individual failures.
// The report lists both outcomes; the returned error is the aggregate of the
// failures, nil when all removals succeeded.
func (s *Storage) DeleteAll(ctx context.Context) (*RemovalReport, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := s.repo.ListAll(ctx)
	if err != nil {
		s.telemetry.RecordStoreOperation("delete_all", "error")

		return nil, fmt.Errorf("failed to list stored contents: %w", err)
	}

	report := &RemovalReport{}

	for _, rec := range records {
		if err := s.Remove(ctx, rec.OfflineURI); err != nil {
			// Removed concurrently is success, not failure.
			if errors.Is(err, content.ErrNotFound) {
				report.Removed = append(report.Removed, rec.OfflineURI)

				continue
			}

			logger.ErrorContext(ctx, "failed to remove stored content", "offline_uri", rec.OfflineURI, "err", err)
			report.Failures = append(report.Failures, content.RemovalFailure{OfflineURI: rec.OfflineURI, Err: err})

			continue
		}

		report.Removed = append(report.Removed, rec.OfflineURI)
	}

	status := "success"
	if len(report.Failures) > 0 {
		status = "error"
	}

	s.telemetry.RecordStoreOperation("delete_all", status)

	return report, report.Err()
}
