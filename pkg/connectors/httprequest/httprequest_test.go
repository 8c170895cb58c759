package httprequest_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/dukex/autoflow/pkg/connectors/httprequest"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnector() *httprequest.Connector {
	return httprequest.New(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func execute(t *testing.T, params map[string]any) (models.ActionResult, error) {
	t.Helper()

	return newConnector().Execute(
		context.Background(),
		protocol.ActionRequest{NodeID: "create_contact", Attempt: 1, Parameters: params},
		&models.ExecutionContext{RunID: "run-1"},
	)
}

func TestConnector_PostJSON(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer token123", r.Header.Get("Authorization"))

		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.JSONEq(t, `{"email":"lead@example.com"}`, string(raw))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "c-42"})
	}))
	defer server.Close()

	result, err := execute(t, map[string]any{
		"url":     server.URL + "/contacts",
		"method":  "post",
		"headers": map[string]any{"Authorization": "Bearer token123"},
		"body":    map[string]any{"email": "lead@example.com"},
	})
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, http.StatusCreated, result.Output["status_code"])
	assert.Equal(t, map[string]any{"id": "c-42"}, result.Output["body"])
	assert.Equal(t, "application/json", result.Output["headers"].(map[string]any)["Content-Type"])
}

func TestConnector_PlainTextBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	defer server.Close()

	result, err := execute(t, map[string]any{"url": server.URL})
	require.NoError(t, err)
	assert.Equal(t, "pong", result.Output["body"])
}

func TestConnector_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"not found", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := execute(t, map[string]any{"url": server.URL})
			require.Error(t, err)
			assert.Equal(t, tt.transient, protocol.IsTransient(err))
		})
	}
}

func TestConnector_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := execute(t, map[string]any{"url": url})
	require.Error(t, err)
	assert.True(t, protocol.IsTransient(err))
}

func TestConnector_MissingURLIsPermanent(t *testing.T) {
	t.Parallel()

	_, err := execute(t, map[string]any{"method": "GET"})
	require.Error(t, err)
	assert.False(t, protocol.IsTransient(err))
	assert.ErrorIs(t, err, httprequest.ErrHTTPRequestURLInvalid)
}

func TestConnector_Schema(t *testing.T) {
	t.Parallel()

	c := newConnector()
	assert.Equal(t, "http", c.ID())
	require.NoError(t, protocol.ValidateSchema(c.ActionSchema(), map[string]any{"url": "https://example.com", "method": "POST"}))
	assert.Error(t, protocol.ValidateSchema(c.ActionSchema(), map[string]any{"method": "POST"}))
}
