package store

import (
	"context"
	"time"

	"github.com/italolelis/offline_vault/internal/content"
)

// ContentReadRepository reads stored content. The registry it fronts is the
// single source of truth for what exists; callers never cache membership.
type ContentReadRepository interface {
	// Support reports whether the backend is usable. Absence of a backend is
	// not an error; callers check before invoking the other operations.
	Support(ctx context.Context) bool
	Get(ctx context.Context, offlineURI string) (*content.Record, error)
	GetSegment(ctx context.Context, blobKey string) ([]byte, error)
	ListAll(ctx context.Context) ([]*content.Record, error)
}

// ContentWriteRepository mutates stored content.
type ContentWriteRepository interface {
	// Commit persists the record and all of its segment blobs in a single
	// transaction and returns the offline URI it generated for the record.
	// A failed commit leaves no trace of the record.
	Commit(ctx context.Context, rec *content.Record, blobs []content.SegmentBlob) (string, error)
	// Delete removes the record and its segment blobs in one transaction.
	Delete(ctx context.Context, offlineURI string) error
}

// LicenseRepository persists DRM license sessions. Only persistent licenses
// are ever written here; temporary ones never touch storage.
type LicenseRepository interface {
	PutLicense(ctx context.Context, lic *content.License) error
	GetLicense(ctx context.Context, sessionKey string) (*content.License, error)
	DeleteLicense(ctx context.Context, sessionKey string) error
	ListExpiredLicenses(ctx context.Context, now time.Time) ([]*content.License, error)
	// DetachLicense clears the license reference from any record pointing at
	// the session key, used when a license is reaped independently of its record.
	DetachLicense(ctx context.Context, sessionKey string) error
}

// Repository is the full content store contract.
type Repository interface {
	ContentReadRepository
	ContentWriteRepository
	LicenseRepository
}
