package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/offline_vault/internal/content"
	"github.com/italolelis/offline_vault/internal/telemetry"
)

// InstrumentedContentRepository wraps ContentRepository with telemetry.
type InstrumentedContentRepository struct {
	repo      *ContentRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedContentRepository creates a new instrumented content repository.
func NewInstrumentedContentRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedContentRepository {
	return &InstrumentedContentRepository{
		repo:      NewContentRepository(dbConn),
		telemetry: tel,
	}
}

// Support reports backend availability; probes are not worth a span.
func (r *InstrumentedContentRepository) Support(ctx context.Context) bool {
	return r.repo.Support(ctx)
}

// Commit persists a record and its blobs with telemetry.
func (r *InstrumentedContentRepository) Commit(ctx context.Context, rec *content.Record, blobs []content.SegmentBlob) (string, error) {
	var result string

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "commit", func(ctx context.Context) error {
		result, err = r.repo.Commit(ctx, rec, blobs)

		return err
	})

	if instrumentedErr != nil {
		return "", instrumentedErr
	}

	return result, nil
}

// Get loads a record with telemetry.
func (r *InstrumentedContentRepository) Get(ctx context.Context, offlineURI string) (*content.Record, error) {
	var result *content.Record

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get", func(ctx context.Context) error {
		result, err = r.repo.Get(ctx, offlineURI)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// GetSegment loads segment bytes with telemetry.
func (r *InstrumentedContentRepository) GetSegment(ctx context.Context, blobKey string) ([]byte, error) {
	var result []byte

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_segment", func(ctx context.Context) error {
		result, err = r.repo.GetSegment(ctx, blobKey)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// ListAll lists records with telemetry.
func (r *InstrumentedContentRepository) ListAll(ctx context.Context) ([]*content.Record, error) {
	var result []*content.Record

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_all", func(ctx context.Context) error {
		result, err = r.repo.ListAll(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// Delete removes a record with telemetry.
func (r *InstrumentedContentRepository) Delete(ctx context.Context, offlineURI string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete", func(ctx context.Context) error {
		return r.repo.Delete(ctx, offlineURI)
	})
}

// PutLicense stores a license with telemetry.
func (r *InstrumentedContentRepository) PutLicense(ctx context.Context, lic *content.License) error {
	return r.telemetry.InstrumentDBOperation(ctx, "put_license", func(ctx context.Context) error {
		return r.repo.PutLicense(ctx, lic)
	})
}

// GetLicense loads a license with telemetry.
func (r *InstrumentedContentRepository) GetLicense(ctx context.Context, sessionKey string) (*content.License, error) {
	var result *content.License

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_license", func(ctx context.Context) error {
		result, err = r.repo.GetLicense(ctx, sessionKey)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// DeleteLicense removes a license with telemetry.
func (r *InstrumentedContentRepository) DeleteLicense(ctx context.Context, sessionKey string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_license", func(ctx context.Context) error {
		return r.repo.DeleteLicense(ctx, sessionKey)
	})
}

// ListExpiredLicenses lists expired licenses with telemetry.
func (r *InstrumentedContentRepository) ListExpiredLicenses(ctx context.Context, now time.Time) ([]*content.License, error) {
	var result []*content.License

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_expired_licenses", func(ctx context.Context) error {
		result, err = r.repo.ListExpiredLicenses(ctx, now)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// DetachLicense clears license references with telemetry.
func (r *InstrumentedContentRepository) DetachLicense(ctx context.Context, sessionKey string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "detach_license", func(ctx context.Context) error {
		return r.repo.DetachLicense(ctx, sessionKey)
	})
}
