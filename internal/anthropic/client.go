package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"codeask/internal/errors"
	"codeask/internal/logging"
)

// DefaultBaseURL is the production API endpoint
const DefaultBaseURL = "https://api.anthropic.com"

// Config contains API client configuration
type Config struct {
	APIKey         string
	BaseURL        string
	RequestTimeout time.Duration
}

// Client talks to the Anthropic Messages API. One API call per
// CreateMessage; retry policy lives with the caller.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates an API client
func NewClient(cfg Config, logger *logging.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
	}
}

// CreateMessage sends one Messages request. The returned RateBudget is
// parsed from the response headers when present, on success and on error
// alike, so callers can pace the next request.
func (c *Client) CreateMessage(ctx context.Context, req *MessagesRequest) (*MessagesResponse, *RateBudget, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, errors.New(errors.InternalError, "failed to encode API request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, nil, errors.New(errors.InternalError, "failed to build API request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, nil, errors.New(errors.Timeout, "API request timed out", err)
		}
		if ctx.Err() == context.Canceled {
			return nil, nil, errors.New(errors.Cancelled, "API request cancelled", err)
		}
		return nil, nil, errors.New(errors.InternalError, "API request failed", err)
	}
	defer resp.Body.Close()

	budget := ParseRateBudget(resp.Header)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, budget, errors.New(errors.InternalError, "failed to read API response", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 529 {
		wait := retryAfter(resp.Header)
		c.logger.Warn("API rate limited", map[string]interface{}{
			"status":      resp.StatusCode,
			"retry_after": wait.String(),
		})
		return nil, budget, errors.New(errors.RateLimitExceeded,
			fmt.Sprintf("API returned status %d", resp.StatusCode),
			&RateLimitedError{StatusCode: resp.StatusCode, RetryAfter: wait})
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		msg := fmt.Sprintf("API returned status %d", resp.StatusCode)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = fmt.Sprintf("API error (%s): %s", apiErr.Error.Type, apiErr.Error.Message)
		}
		return nil, budget, errors.Newf(errors.InternalError, "%s", msg)
	}

	var out MessagesResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, budget, errors.New(errors.InternalError, "failed to decode API response", err)
	}

	c.logger.Debug("API call completed", map[string]interface{}{
		"model":         out.Model,
		"stop_reason":   out.StopReason,
		"input_tokens":  out.Usage.InputTokens,
		"output_tokens": out.Usage.OutputTokens,
		"duration":      time.Since(start).String(),
	})
	return &out, budget, nil
}
