package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/prompthook/pkg/httpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(url string) *HTTPGateway {
	return NewHTTPGateway(httpclient.Config{
		BaseURL:  url,
		Attempts: 2,
		Delay:    time.Millisecond,
		Timeout:  time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHTTPGateway_DeploySubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscriptions", r.URL.Path)

		var req DeployRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "github-new-issue", req.ComponentKey)
		assert.Equal(t, "acct_1", req.AccountRef)
		assert.Equal(t, "octo/repo", req.Properties["repo"])

		_ = json.NewEncoder(w).Encode(map[string]string{"id": "dc_123"})
	}))
	defer server.Close()

	id, err := newGateway(server.URL).DeploySubscription(context.Background(), DeployRequest{
		ComponentKey: "github-new-issue",
		Properties:   map[string]any{"repo": "octo/repo"},
		AccountRef:   "acct_1",
		WebhookURL:   "https://hooks.example.com/webhooks/integrations/x",
	})
	require.NoError(t, err)
	assert.Equal(t, "dc_123", id)
}

func TestHTTPGateway_DeployUnknownComponent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newGateway(server.URL).DeploySubscription(context.Background(), DeployRequest{ComponentKey: "nope"})
	assert.ErrorIs(t, err, ErrUnknownComponent)
}

func TestHTTPGateway_DeployServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newGateway(server.URL).DeploySubscription(context.Background(), DeployRequest{ComponentKey: "c"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownComponent)
	assert.True(t, httpclient.Retryable(err))
}

func TestHTTPGateway_DestroySubscription(t *testing.T) {
	var paths []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)

		if r.URL.Path == "/subscriptions/gone" {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	gateway := newGateway(server.URL)

	require.NoError(t, gateway.DestroySubscription(context.Background(), DestroyRequest{ExternalID: "dc_123"}))
	require.NoError(t, gateway.DestroySubscription(context.Background(), DestroyRequest{ExternalID: "gone"}))
	assert.Equal(t, []string{"DELETE /subscriptions/dc_123", "DELETE /subscriptions/gone"}, paths)
}
