package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher_Fetch(t *testing.T) {
	payload := []byte("segment bytes")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write(payload)
	}))
	defer server.Close()

	fetcher := NewHTTPFetcher(5*time.Second, "")

	data, err := fetcher.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestHTTPFetcher_FetchAcceptsPartialContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("partial"))
	}))
	defer server.Close()

	fetcher := NewHTTPFetcher(5*time.Second, "")

	data, err := fetcher.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("partial"), data)
}

func TestHTTPFetcher_FetchSendsBearerToken(t *testing.T) {
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	fetcher := NewHTTPFetcher(5*time.Second, "cdn-secret")

	_, err := fetcher.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "Bearer cdn-secret", gotAuth)
}

func TestHTTPFetcher_FetchRejectsErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		code int
	}{
		{name: "not found", code: http.StatusNotFound},
		{name: "server error", code: http.StatusInternalServerError},
		{name: "too many requests", code: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer server.Close()

			fetcher := NewHTTPFetcher(5*time.Second, "")

			_, err := fetcher.Fetch(context.Background(), server.URL)
			assert.Error(t, err)
		})
	}
}
