package drm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/italolelis/offline_vault/internal/content"
	"github.com/italolelis/offline_vault/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// HTTPClient requests and releases license sessions against a license server.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient builds a license client. A non-empty token is attached as a
// static bearer credential.
func NewHTTPClient(baseURL string, timeout time.Duration, token string) *HTTPClient {
	transport := http.RoundTripper(otelhttp.NewTransport(http.DefaultTransport))

	if token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   transport,
		}
	}

	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout, Transport: transport},
	}
}

type licenseRequest struct {
	KeySystem  string `json:"key_system"`
	InitData   string `json:"init_data"`
	Persistent bool   `json:"persistent"`
}

type licenseResponse struct {
	SessionKey string     `json:"session_key"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

// Request asks the license server for a new session.
func (c *HTTPClient) Request(ctx context.Context, keySystem string, initData []byte, persistent bool) (*content.License, error) {
	logger := logctx.LoggerFromContext(ctx).With("key_system", keySystem, "persistent", persistent)

	body, err := json.Marshal(licenseRequest{
		KeySystem:  keySystem,
		InitData:   base64.StdEncoding.EncodeToString(initData),
		Persistent: persistent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal license request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/licenses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build license request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("license request failed: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("license server returned HTTP %d", resp.StatusCode)
	}

	var lr licenseResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("failed to decode license response: %w", err)
	}

	if lr.SessionKey == "" {
		return nil, fmt.Errorf("license server returned no session key")
	}

	logger.DebugContext(ctx, "license session created")

	return &content.License{
		SessionKey: lr.SessionKey,
		KeySystem:  keySystem,
		Persistent: persistent,
		ExpiresAt:  lr.ExpiresAt,
	}, nil
}

// Release tears down a session on the license server.
func (c *HTTPClient) Release(ctx context.Context, sessionKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/licenses/"+sessionKey, nil)
	if err != nil {
		return fmt.Errorf("failed to build license release request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("license release failed: %w", err)
	}

	defer resp.Body.Close()

	// A session the server no longer knows is already released.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("license server returned HTTP %d", resp.StatusCode)
	}

	return nil
}
