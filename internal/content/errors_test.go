package content

import (
	"errors"
	"fmt"
	"testing"
)

// TestManifestError_Error verifies error message formatting
func TestManifestError_Error(t *testing.T) {
	err := &ManifestError{
		Source: "https://cdn.example.com/show.mpd",
		Reason: "manifest server returned HTTP 404",
	}

	expected := "manifest unresolvable for https://cdn.example.com/show.mpd: manifest server returned HTTP 404"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestSegmentFetchError_Error verifies error message formatting
func TestSegmentFetchError_Error(t *testing.T) {
	err := &SegmentFetchError{
		Locator:  "https://cdn.example.com/seg/42.m4s",
		Attempts: 3,
	}

	expected := "segment fetch failed for https://cdn.example.com/seg/42.m4s after 3 attempts"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestPartialRemovalError_Error verifies error message formatting
func TestPartialRemovalError_Error(t *testing.T) {
	err := &PartialRemovalError{
		OfflineURI:      "offline:abc",
		LicenseReleased: true,
		BlobsDeleted:    false,
	}

	expected := "partial removal of offline:abc (license released: true, blobs deleted: false)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestRemovalAggregateError_Error verifies error message formatting
func TestRemovalAggregateError_Error(t *testing.T) {
	err := &RemovalAggregateError{
		Failures: []RemovalFailure{
			{OfflineURI: "offline:a", Err: errors.New("disk error")},
			{OfflineURI: "offline:b", Err: errors.New("busy")},
		},
	}

	expected := "failed to remove 2 of the stored contents: offline:a, offline:b"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestTypedErrors_Unwrap verifies error chain traversal
func TestTypedErrors_Unwrap(t *testing.T) {
	cause := errors.New("underlying cause")

	tests := []struct {
		name string
		err  error
	}{
		{
			name: "ManifestError",
			err:  &ManifestError{Source: "src", Reason: "bad", Err: cause},
		},
		{
			name: "SegmentFetchError",
			err:  &SegmentFetchError{Locator: "loc", Attempts: 2, Err: cause},
		},
		{
			name: "LicenseAcquisitionError",
			err:  &LicenseAcquisitionError{KeySystem: "com.widevine.alpha", Operation: "acquire", Err: cause},
		},
		{
			name: "PartialRemovalError",
			err:  &PartialRemovalError{OfflineURI: "offline:x", LicenseReleased: true, Err: cause},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unwrapped := errors.Unwrap(tt.err); unwrapped != cause {
				t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
			}

			wrapped := fmt.Errorf("context: %w", tt.err)
			if !errors.Is(wrapped, cause) {
				t.Error("errors.Is() should find cause in wrapped chain")
			}
		})
	}
}

// TestSegmentFetchError_As verifies programmatic error type detection
func TestSegmentFetchError_As(t *testing.T) {
	originalErr := &SegmentFetchError{
		Locator:  "https://cdn.example.com/seg/1.m4s",
		Attempts: 3,
		Err:      errors.New("connection reset"),
	}

	wrapped := fmt.Errorf("context: %w", originalErr)

	var target *SegmentFetchError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should extract SegmentFetchError from wrapped chain")
	}

	if target.Locator != "https://cdn.example.com/seg/1.m4s" {
		t.Errorf("Locator = %q, want %q", target.Locator, "https://cdn.example.com/seg/1.m4s")
	}
	if target.Attempts != 3 {
		t.Errorf("Attempts = %d, want %d", target.Attempts, 3)
	}
}

// TestSentinels_Distinct verifies the sentinels never alias each other
func TestSentinels_Distinct(t *testing.T) {
	sentinels := []error{
		ErrStorageUnavailable,
		ErrStorageFull,
		ErrStorageCorrupt,
		ErrLicenseUnsupported,
		ErrNotFound,
		ErrSessionAlreadyActive,
		ErrContentBusy,
	}

	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Errorf("sentinel %v should not match %v", a, b)
			}
		}
	}
}
