package drm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_Request(t *testing.T) {
	var gotReq licenseRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/licenses", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"session_key": "sess-42"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second, "")

	lic, err := client.Request(context.Background(), "com.widevine.alpha", []byte("pssh"), true)
	require.NoError(t, err)

	assert.Equal(t, "sess-42", lic.SessionKey)
	assert.Equal(t, "com.widevine.alpha", lic.KeySystem)
	assert.True(t, lic.Persistent)
	assert.Nil(t, lic.ExpiresAt)

	assert.Equal(t, "com.widevine.alpha", gotReq.KeySystem)
	assert.Equal(t, "cHNzaA==", gotReq.InitData)
	assert.True(t, gotReq.Persistent)
}

func TestHTTPClient_RequestErrors(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
	}{
		{name: "server error", code: http.StatusInternalServerError, body: ""},
		{name: "forbidden", code: http.StatusForbidden, body: ""},
		{name: "missing session key", code: http.StatusOK, body: `{}`},
		{name: "malformed response", code: http.StatusOK, body: `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewHTTPClient(server.URL, 5*time.Second, "")

			_, err := client.Request(context.Background(), "com.widevine.alpha", nil, false)
			assert.Error(t, err)
		})
	}
}

func TestHTTPClient_Release(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		wantErr bool
	}{
		{name: "ok", code: http.StatusOK, wantErr: false},
		{name: "no content", code: http.StatusNoContent, wantErr: false},
		{name: "already gone", code: http.StatusNotFound, wantErr: false},
		{name: "server error", code: http.StatusInternalServerError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				assert.Equal(t, "/v1/licenses/sess-1", r.URL.Path)
				w.WriteHeader(tt.code)
			}))
			defer server.Close()

			client := NewHTTPClient(server.URL, 5*time.Second, "")

			err := client.Release(context.Background(), "sess-1")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
