package notifier

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier_Notify(t *testing.T) {
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := &WebhookNotifier{WebhookURL: server.URL}
	require.NoError(t, n.Notify("stored offline:abc"))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "stored offline:abc", payload["content"])
}

func TestWebhookNotifier_NotifyServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := &WebhookNotifier{WebhookURL: server.URL}
	assert.Error(t, n.Notify("msg"))
}

func TestWebhookNotifier_NotifyWithoutURL(t *testing.T) {
	n := &WebhookNotifier{}
	assert.Error(t, n.Notify("msg"))
}
