package execution

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

func newClient(url string) *HTTPClient {
	return NewHTTPClient(httpclient.Config{BaseURL: url, Attempts: 1, Delay: time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHTTPClient_Run(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/runs", r.URL.Path)

		var req RunRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, SourceTrigger, req.Source)
		assert.Equal(t, "hello", req.Parameters["subject"])

		_ = json.NewEncoder(w).Encode(RunResult{ResponseText: "hi", DocumentLogUUID: "log-1"})
	}))
	defer server.Close()

	result, err := newClient(server.URL).Run(context.Background(), RunRequest{
		WorkspaceID:  1,
		DocumentUUID: "doc",
		Parameters:   map[string]any{"subject": "hello"},
		Source:       SourceTrigger,
	})
	require.NoError(t, err)
	assert.Equal(t, "log-1", result.DocumentLogUUID)
	assert.Equal(t, "hi", result.ResponseText)
}

func TestHTTPClient_RunRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newClient(server.URL).Run(context.Background(), RunRequest{DocumentUUID: "doc"})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestHTTPClient_RunWithoutLogFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(RunResult{ResponseText: "hi"})
	}))
	defer server.Close()

	_, err := newClient(server.URL).Run(context.Background(), RunRequest{DocumentUUID: "doc"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestHTTPClient_Evaluate(t *testing.T) {
	var got EvaluateRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/evaluations", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	err := newClient(server.URL).Evaluate(context.Background(), EvaluateRequest{
		WorkspaceID:     1,
		EvaluationUUID:  "eval-1",
		DocumentLogUUID: "log-1",
		BatchID:         "batch-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "eval-1", got.EvaluationUUID)
	assert.Equal(t, "batch-1", got.BatchID)
}
