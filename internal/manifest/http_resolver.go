package manifest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/italolelis/offline_vault/internal/content"
	"github.com/italolelis/offline_vault/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const maxManifestSize = 10 * 1024 * 1024 // 10MB

// manifestDoc is the wire format the packager serves for a presentation.
type manifestDoc struct {
	Segments []struct {
		URL  string `json:"url"`
		Size int64  `json:"size"`
	} `json:"segments"`
	Protection *struct {
		KeySystem string `json:"key_system"`
		InitData  string `json:"init_data"`
	} `json:"protection"`
}

// HTTPResolver resolves source identifiers that are manifest URLs.
type HTTPResolver struct {
	client *http.Client
}

// NewHTTPResolver builds a resolver with an instrumented transport. A non-empty
// token is attached as a static bearer credential.
func NewHTTPResolver(timeout time.Duration, token string) *HTTPResolver {
	transport := http.RoundTripper(otelhttp.NewTransport(http.DefaultTransport))

	if token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   transport,
		}
	}

	return &HTTPResolver{
		client: &http.Client{Timeout: timeout, Transport: transport},
	}
}

// Resolve fetches and parses the manifest behind the source identifier.
func (r *HTTPResolver) Resolve(ctx context.Context, source string) (*Presentation, error) {
	logger := logctx.LoggerFromContext(ctx).With("source", source)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, &content.ManifestError{Source: source, Reason: "invalid source identifier", Err: err}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &content.ManifestError{Source: source, Reason: "manifest request failed", Err: err}
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &content.ManifestError{
			Source: source,
			Reason: fmt.Sprintf("manifest server returned HTTP %d", resp.StatusCode),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, &content.ManifestError{Source: source, Reason: "failed to read manifest body", Err: err}
	}

	pres, err := parsePresentation(source, raw)
	if err != nil {
		return nil, err
	}

	logger.DebugContext(ctx, "resolved manifest",
		"segment_count", len(pres.Segments),
		"protected", pres.Protected(),
	)

	return pres, nil
}

func parsePresentation(source string, raw []byte) (*Presentation, error) {
	var doc manifestDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &content.ManifestError{Source: source, Reason: "malformed manifest", Err: err}
	}

	if len(doc.Segments) == 0 {
		return nil, &content.ManifestError{Source: source, Reason: "manifest declares no segments"}
	}

	pres := &Presentation{
		Source:   source,
		Raw:      raw,
		Segments: make([]Segment, 0, len(doc.Segments)),
	}

	for _, seg := range doc.Segments {
		if seg.URL == "" {
			return nil, &content.ManifestError{Source: source, Reason: "manifest segment without locator"}
		}

		pres.Segments = append(pres.Segments, Segment{Locator: seg.URL, Size: seg.Size})
	}

	if doc.Protection != nil {
		initData, err := base64.StdEncoding.DecodeString(doc.Protection.InitData)
		if err != nil {
			return nil, &content.ManifestError{Source: source, Reason: "malformed protection init data", Err: err}
		}

		pres.Protection = &Protection{
			KeySystem: doc.Protection.KeySystem,
			InitData:  initData,
		}
	}

	return pres, nil
}
