package content

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrStorageUnavailable means no usable persistence backend exists.
	// Callers are expected to check Support() before other operations.
	ErrStorageUnavailable = errors.New("storage backend unavailable")

	// ErrStorageFull means the backend rejected a write for lack of quota.
	// The in-flight transaction is rolled back; prior state is untouched.
	ErrStorageFull = errors.New("storage quota exceeded")

	// ErrStorageCorrupt means a read found a record failing validation.
	ErrStorageCorrupt = errors.New("stored record failed validation")

	// ErrLicenseUnsupported means the key system is absent or cannot satisfy
	// the requested persistence policy. Raised before any bytes are fetched.
	ErrLicenseUnsupported = errors.New("key system unsupported")

	// ErrNotFound means no record exists for the given offline URI.
	ErrNotFound = errors.New("content not found")

	// ErrSessionAlreadyActive means a download session for the same source
	// identifier is still running.
	ErrSessionAlreadyActive = errors.New("download session already active")

	// ErrContentBusy means the record is backed by a still-uncommitted
	// download session and cannot be removed yet.
	ErrContentBusy = errors.New("content busy")
)

// ManifestError reports a source identifier that could not be resolved into
// a segment manifest.
type ManifestError struct {
	Source string
	Reason string
	Err    error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest unresolvable for %s: %s", e.Source, e.Reason)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// SegmentFetchError reports a segment whose fetch retries were exhausted.
// It fails the owning session, never the whole engine.
type SegmentFetchError struct {
	Locator  string
	Attempts uint
	Err      error
}

func (e *SegmentFetchError) Error() string {
	return fmt.Sprintf("segment fetch failed for %s after %d attempts", e.Locator, e.Attempts)
}

func (e *SegmentFetchError) Unwrap() error {
	return e.Err
}

// LicenseAcquisitionError reports a license request that the license server
// rejected or that failed in transit.
type LicenseAcquisitionError struct {
	KeySystem string
	Operation string
	Err       error
}

func (e *LicenseAcquisitionError) Error() string {
	return fmt.Sprintf("license %s failed for key system %s", e.Operation, e.KeySystem)
}

func (e *LicenseAcquisitionError) Unwrap() error {
	return e.Err
}

// PartialRemovalError records a remove that got halfway: the license was
// released but the blobs remain, or the other way around. The caller may
// retry; the retry treats an already-released license as released.
type PartialRemovalError struct {
	OfflineURI      string
	LicenseReleased bool
	BlobsDeleted    bool
	Err             error
}

func (e *PartialRemovalError) Error() string {
	return fmt.Sprintf("partial removal of %s (license released: %t, blobs deleted: %t)",
		e.OfflineURI, e.LicenseReleased, e.BlobsDeleted)
}

func (e *PartialRemovalError) Unwrap() error {
	return e.Err
}

// RemovalFailure is one failed identifier inside a delete-all run.
type RemovalFailure struct {
	OfflineURI string
	Err        error
}

// RemovalAggregateError lists the identifiers a delete-all could not remove.
// Successful removals in the same run already took effect.
type RemovalAggregateError struct {
	Failures []RemovalFailure
}

func (e *RemovalAggregateError) Error() string {
	uris := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		uris = append(uris, f.OfflineURI)
	}

	return fmt.Sprintf("failed to remove %d of the stored contents: %s",
		len(e.Failures), strings.Join(uris, ", "))
}
