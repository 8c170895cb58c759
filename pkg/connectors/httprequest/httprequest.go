// Package httprequest provides the "http" action connector.
package httprequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

const (
	ConnectorID           = "http"
	defaultTimeoutSeconds = 30
	maxResponseBytes      = 1 << 20
)

var (
	// ErrHTTPRequestURLInvalid is returned when the url parameter is missing or not a string.
	ErrHTTPRequestURLInvalid = errors.New("invalid HTTP request url")
	// ErrHTTPServerError is returned when the server answers with a 5xx status.
	ErrHTTPServerError = errors.New("server error during HTTP request")
	// ErrHTTPClientError is returned when the server answers with a 4xx status.
	ErrHTTPClientError = errors.New("client error during HTTP request")
)

// Connector performs an HTTP request described by the action parameters.
type Connector struct {
	client *http.Client
	logger *slog.Logger
}

func New(logger *slog.Logger) *Connector {
	return NewWithClient(&http.Client{}, logger)
}

func NewWithClient(client *http.Client, logger *slog.Logger) *Connector {
	return &Connector{
		client: client,
		logger: logger.With("module", "http_connector"),
	}
}

func (c *Connector) ID() string { return ConnectorID }

func (c *Connector) Name() string { return "HTTP Request" }

func (c *Connector) Description() string {
	return "Sends an HTTP request. 5xx responses, 429 and network errors are retried; other 4xx responses fail the run."
}

func (c *Connector) ActionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Target URL. Supports templating, e.g. https://crm.example.com/contacts/{{ .steps.lookup.id }}",
			},
			"method": map[string]any{
				"type":    "string",
				"enum":    []any{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "get", "post", "put", "patch", "delete", "head"},
				"default": "GET",
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body": map[string]any{
				"description": "Request body. Objects and arrays are sent as JSON.",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Timeout in seconds",
				"minimum":     0,
			},
		},
		"required": []any{"url"},
	}
}

// Execute sends the request and returns status code, headers and decoded body.
func (c *Connector) Execute(
	ctx context.Context,
	request protocol.ActionRequest,
	executionCtx *models.ExecutionContext,
) (models.ActionResult, error) {
	logger := c.logger.With("node_id", request.NodeID, "run_id", executionCtx.RunID, "attempt", request.Attempt)

	req, timeout, err := buildRequest(ctx, request.Parameters)
	if err != nil {
		return models.ActionResult{}, protocol.Permanent(err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()

		req = req.WithContext(ctx)
	}

	logger.DebugContext(ctx, "Sending HTTP request", "method", req.Method, "url", req.URL.String())

	resp, err := c.client.Do(req)
	if err != nil {
		return models.ActionResult{}, protocol.Transient(fmt.Errorf("http request failed: %w", err))
	}

	defer func() {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			logger.ErrorContext(ctx, "failed to close response body", "error", closeErr)
		}
	}()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.ActionResult{}, protocol.Transient(fmt.Errorf("failed to read response body: %w", err))
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return models.ActionResult{}, protocol.Transient(fmt.Errorf("status %d: %w", resp.StatusCode, ErrHTTPServerError))
	case resp.StatusCode >= http.StatusBadRequest:
		return models.ActionResult{}, protocol.Permanent(fmt.Errorf("status %d: %s: %w", resp.StatusCode, truncate(bodyBytes), ErrHTTPClientError))
	}

	var body any

	err = json.Unmarshal(bodyBytes, &body)
	if err != nil {
		body = string(bodyBytes)
	}

	headers := make(map[string]any, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	logger.InfoContext(ctx, "HTTP request completed", "status", resp.StatusCode, "body_length", len(bodyBytes))

	return models.ActionResult{
		OK: true,
		Output: map[string]any{
			"status_code": resp.StatusCode,
			"headers":     headers,
			"body":        body,
		},
	}, nil
}

func buildRequest(ctx context.Context, params map[string]any) (*http.Request, time.Duration, error) {
	url, ok := params["url"].(string)
	if !ok || url == "" {
		return nil, 0, ErrHTTPRequestURLInvalid
	}

	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	timeout := defaultTimeoutSeconds * time.Second

	switch t := params["timeout"].(type) {
	case float64:
		timeout = time.Duration(t * float64(time.Second))
	case int:
		timeout = time.Duration(t) * time.Second
	}

	var (
		bodyReader  io.Reader
		contentType string
	)

	switch body := params["body"].(type) {
	case nil:
	case string:
		bodyReader = strings.NewReader(body)
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal body: %w", err)
		}

		bodyReader = strings.NewReader(string(encoded))
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create http request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if headers, ok := params["headers"].(map[string]any); ok {
		for key, value := range headers {
			req.Header.Set(key, fmt.Sprintf("%v", value))
		}
	}

	return req, timeout, nil
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}

	return string(body)
}
