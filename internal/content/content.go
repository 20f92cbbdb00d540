package content

import "time"

// Status describes the lifecycle of a stored content record. Only complete
// records are ever handed to readers; pending and corrupt exist so that a
// record found in either state can be reported instead of silently served.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusCorrupt  Status = "corrupt"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusComplete, StatusCorrupt:
		return true
	}

	return false
}

// SessionConfig carries per-store options. It is captured when the download
// session is created; later Configure calls do not affect sessions in flight.
type SessionConfig struct {
	UsePersistentLicense bool
}

// Request is the immutable input to a store operation.
type Request struct {
	Source string
	Config SessionConfig
}

// SegmentEntry describes one persisted media segment of a record.
type SegmentEntry struct {
	BlobKey string
	Locator string
	Index   int
	Size    int64
}

// SegmentBlob pairs a segment entry with its raw bytes. Blobs only exist in
// memory between fetch and commit; afterwards the bytes live in the store.
type SegmentBlob struct {
	SegmentEntry

	Data []byte
}

// Record is a stored content record. The offline URI is generated by the
// content store at commit time and never reused after deletion.
type Record struct {
	OfflineURI string
	Source     string
	Manifest   []byte
	Segments   []SegmentEntry
	LicenseKey string
	CreatedAt  time.Time
	SizeBytes  int64
	Status     Status
}

// License is a DRM license session. Persistent licenses survive process
// restarts and are referenced by the owning record; temporary ones are
// released as soon as the download session that acquired them completes.
type License struct {
	SessionKey string
	KeySystem  string
	Persistent bool
	ExpiresAt  *time.Time
}

// Expired reports whether the license has an expiration in the past.
func (l *License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}
