package manifest

import "context"

// Segment is one addressable chunk of media data referenced by a manifest.
type Segment struct {
	Locator string
	Size    int64
}

// Protection carries the DRM parameters of a protected presentation.
type Protection struct {
	KeySystem string
	InitData  []byte
}

// Presentation is a resolved source: the raw manifest snapshot, its segment
// list and the protection info when the content is encrypted.
type Presentation struct {
	Source     string
	Raw        []byte
	Segments   []Segment
	Protection *Protection
}

// Protected reports whether the presentation needs a license for playback.
func (p *Presentation) Protected() bool {
	return p.Protection != nil
}

// Resolver turns a source identifier into a presentation. Failures surface
// as *content.ManifestError.
type Resolver interface {
	Resolve(ctx context.Context, source string) (*Presentation, error)
}
