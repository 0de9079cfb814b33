package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultTimeoutSeconds = 30

// RequestError reports a non-2xx response from a client endpoint.
type RequestError struct {
	Endpoint   string
	StatusCode int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("client endpoint %s responded with status %d", e.Endpoint, e.StatusCode)
}

// HTTPGateway is the production Gateway implementation.
type HTTPGateway struct {
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPGateway(logger *slog.Logger, timeout time.Duration) *HTTPGateway {
	if timeout == 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}

	return &HTTPGateway{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("module", "client_gateway"),
	}
}

func (g *HTTPGateway) PerformActivity(ctx context.Context, payload map[string]any, endpoint string) error {
	return g.post(ctx, "perform_activity", payload, endpoint)
}

func (g *HTTPGateway) MakeDecision(ctx context.Context, payload map[string]any, endpoint string) error {
	return g.post(ctx, "make_decision", payload, endpoint)
}

func (g *HTTPGateway) Notify(ctx context.Context, payload map[string]any, endpoint string) error {
	return g.post(ctx, "notify", payload, endpoint)
}

func (g *HTTPGateway) post(ctx context.Context, operation string, payload map[string]any, endpoint string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", operation, err)
	}

	req.Header.Set("Content-Type", "application/json")

	start := time.Now()

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach client endpoint %s: %w", endpoint, err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)

		if closeErr := resp.Body.Close(); closeErr != nil {
			g.logger.ErrorContext(ctx, "failed to close response body", "error", closeErr)
		}
	}()

	g.logger.InfoContext(ctx, "Client dispatch completed",
		"operation", operation,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}

	return nil
}
