package anthropic

import (
	"net/http"
	"strconv"
	"time"
)

// tokenBudgetThreshold is the fraction of the input-token limit below
// which we wait for the budget window to reset before sending.
const tokenBudgetThreshold = 0.2

// defaultRetryAfter is used when a rate-limited response carries no
// usable Retry-After header.
const defaultRetryAfter = 30 * time.Second

// RateBudget is the remaining API quota reported in response headers
type RateBudget struct {
	RequestsRemaining int
	RequestsLimit     int
	RequestsReset     time.Time

	InputTokensRemaining int
	InputTokensLimit     int
	InputTokensReset     time.Time
}

// ParseRateBudget extracts the anthropic-ratelimit-* headers. Returns nil
// if the response carries none of them.
func ParseRateBudget(h http.Header) *RateBudget {
	b := &RateBudget{
		RequestsRemaining:    headerInt(h, "anthropic-ratelimit-requests-remaining", -1),
		RequestsLimit:        headerInt(h, "anthropic-ratelimit-requests-limit", -1),
		InputTokensRemaining: headerInt(h, "anthropic-ratelimit-input-tokens-remaining", -1),
		InputTokensLimit:     headerInt(h, "anthropic-ratelimit-input-tokens-limit", -1),
	}
	b.RequestsReset = headerTime(h, "anthropic-ratelimit-requests-reset")
	b.InputTokensReset = headerTime(h, "anthropic-ratelimit-input-tokens-reset")

	if b.RequestsRemaining < 0 && b.InputTokensRemaining < 0 {
		return nil
	}
	return b
}

// Delay reports how long to wait before the next request so it does not
// land on an exhausted quota window. Zero means send now.
func (b *RateBudget) Delay(now time.Time) time.Duration {
	if b == nil {
		return 0
	}
	if b.RequestsRemaining == 0 {
		return untilReset(b.RequestsReset, now)
	}
	if b.InputTokensRemaining >= 0 && b.InputTokensLimit > 0 {
		if float64(b.InputTokensRemaining) < tokenBudgetThreshold*float64(b.InputTokensLimit) {
			return untilReset(b.InputTokensReset, now)
		}
	}
	return 0
}

func untilReset(reset, now time.Time) time.Duration {
	if reset.IsZero() {
		return defaultRetryAfter
	}
	d := reset.Sub(now)
	if d <= 0 {
		return 0
	}
	return d
}

func headerInt(h http.Header, key string, fallback int) int {
	v := h.Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func headerTime(h http.Header, key string) time.Time {
	v := h.Get(key)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// retryAfter parses the Retry-After header of a rate-limited response,
// falling back to defaultRetryAfter
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultRetryAfter
}
