package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestHTTPGatewayPerformActivity(t *testing.T) {
	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gateway := NewHTTPGateway(testLogger(), 5*time.Second)

	err := gateway.PerformActivity(context.Background(), map[string]any{"id": "node-1"}, server.URL)
	require.NoError(t, err)
	assert.Equal(t, "node-1", received["id"])
}

func TestHTTPGatewayNon2xxIsRequestError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	gateway := NewHTTPGateway(testLogger(), 5*time.Second)

	err := gateway.Notify(context.Background(), map[string]any{"error": "boom"}, server.URL)

	var reqErr *RequestError

	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusUnprocessableEntity, reqErr.StatusCode)
	assert.Equal(t, server.URL, reqErr.Endpoint)
}

func TestHTTPGatewayUnreachableEndpoint(t *testing.T) {
	gateway := NewHTTPGateway(testLogger(), time.Second)

	err := gateway.MakeDecision(context.Background(), map[string]any{}, "http://127.0.0.1:1/decisions")
	assert.Error(t, err)
}
