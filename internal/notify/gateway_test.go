package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGatewayNotifierPostsMessage(t *testing.T) {
	var got notifyRequest
	var secret string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/internal/notify", r.URL.Path)
		secret = r.Header.Get("X-Internal-Secret")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	n := NewGatewayNotifier(ts.URL, "internal-key")
	err := n.Notify(context.Background(), "owner-1", MessageRenewalPrompt, map[string]string{
		"key_id": "k1",
	})
	require.NoError(t, err)
	require.Equal(t, "internal-key", secret)
	require.Equal(t, "owner-1", got.OwnerID)
	require.Equal(t, "renewal_prompt", got.Kind)
	require.Equal(t, "k1", got.Context["key_id"])
}

func TestGatewayNotifierGatewayError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	n := NewGatewayNotifier(ts.URL, "internal-key")
	err := n.Notify(context.Background(), "owner-1", MessageKeyExpired, nil)
	require.Error(t, err)
}
