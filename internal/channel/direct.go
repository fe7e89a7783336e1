package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/minhvtn/listsync-be/internal/domain"
)

// DirectClient calls a marketplace's REST API with tenant-held credentials.
// Responses are classified into the task failure taxonomy: 401/403 auth,
// 429 rate limit, other 4xx permanent, 5xx and transport faults transient.
type DirectClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDirectClient creates a client for the marketplace API at baseURL.
func NewDirectClient(baseURL string, timeout time.Duration, logger *slog.Logger) *DirectClient {
	return &DirectClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// apiError is the error envelope marketplace APIs answer with.
type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Do issues one API call and decodes the response into out (ignored when
// out is nil).
func (c *DirectClient) Do(ctx context.Context, token, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewTransientError(fmt.Errorf("marketplace request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewTransientError(fmt.Errorf("failed to read marketplace response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return c.classify(resp, data, method, path)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode marketplace response: %w", err)
		}
	}
	return nil
}

func (c *DirectClient) classify(resp *http.Response, data []byte, method, path string) error {
	var envelope apiError
	_ = json.Unmarshal(data, &envelope)
	message := envelope.Message
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	c.logger.Warn("Marketplace API error",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("message", message),
	)

	err := fmt.Errorf("%s %s: %s (status %d)", method, path, message, resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.NewAuthError(err)
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.NewRateLimitError(resp.Header.Get("Retry-After"), err)
	case resp.StatusCode >= 500:
		return domain.NewTransientError(err)
	default:
		return domain.NewPermanentError(err)
	}
}
