package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// headerLimits carries whatever rate-limit state a provider response exposed.
// Nil fields were absent or unparseable and leave bucket state alone.
type headerLimits struct {
	RPMLimit     *int64
	RPMRemaining *int64
	TPMLimit     *int64
	TPMRemaining *int64
	ResetAt      *time.Time
}

func (hl *headerLimits) empty() bool {
	return hl.RPMLimit == nil && hl.RPMRemaining == nil &&
		hl.TPMLimit == nil && hl.TPMRemaining == nil && hl.ResetAt == nil
}

// parseHeaders extracts rate-limit state using the provider's header dialect,
// falling back to the generic x-ratelimit-* form. Returns nil when the
// response carried nothing usable.
func parseHeaders(provider string, headers http.Header) *headerLimits {
	if headers == nil {
		return nil
	}

	var hl *headerLimits
	switch provider {
	case "openai":
		hl = parseOpenAIHeaders(headers)
	case "anthropic":
		hl = parseAnthropicHeaders(headers)
	}
	if hl == nil || hl.empty() {
		hl = parseGenericHeaders(headers)
	}
	if hl == nil || hl.empty() {
		return nil
	}
	return hl
}

// parseOpenAIHeaders reads the x-ratelimit-…-requests/-tokens family with
// duration-style resets ("6m0s", "1s", "90ms").
func parseOpenAIHeaders(headers http.Header) *headerLimits {
	hl := &headerLimits{
		RPMLimit:     parseIntHeader(headers, "x-ratelimit-limit-requests"),
		RPMRemaining: parseIntHeader(headers, "x-ratelimit-remaining-requests"),
		TPMLimit:     parseIntHeader(headers, "x-ratelimit-limit-tokens"),
		TPMRemaining: parseIntHeader(headers, "x-ratelimit-remaining-tokens"),
	}
	reset := headers.Get("x-ratelimit-reset-requests")
	if reset == "" {
		reset = headers.Get("x-ratelimit-reset-tokens")
	}
	if reset != "" {
		if d, err := time.ParseDuration(reset); err == nil && d > 0 {
			at := time.Now().Add(d)
			hl.ResetAt = &at
		} else {
			slog.Debug("Unparseable rate-limit reset header", "value", reset)
		}
	}
	return hl
}

// parseAnthropicHeaders reads the anthropic-ratelimit-* family with RFC3339
// resets.
func parseAnthropicHeaders(headers http.Header) *headerLimits {
	hl := &headerLimits{
		RPMLimit:     parseIntHeader(headers, "anthropic-ratelimit-requests-limit"),
		RPMRemaining: parseIntHeader(headers, "anthropic-ratelimit-requests-remaining"),
		TPMLimit:     parseIntHeader(headers, "anthropic-ratelimit-tokens-limit"),
		TPMRemaining: parseIntHeader(headers, "anthropic-ratelimit-tokens-remaining"),
	}
	reset := headers.Get("anthropic-ratelimit-requests-reset")
	if reset == "" {
		reset = headers.Get("anthropic-ratelimit-tokens-reset")
	}
	if reset != "" {
		if at, err := time.Parse(time.RFC3339, reset); err == nil {
			hl.ResetAt = &at
		} else {
			slog.Debug("Unparseable rate-limit reset header", "value", reset)
		}
	}
	return hl
}

// parseGenericHeaders reads the plain x-ratelimit-limit/remaining/reset form.
// The counters describe requests; reset is epoch seconds.
func parseGenericHeaders(headers http.Header) *headerLimits {
	hl := &headerLimits{
		RPMLimit:     parseIntHeader(headers, "x-ratelimit-limit"),
		RPMRemaining: parseIntHeader(headers, "x-ratelimit-remaining"),
	}
	if reset := headers.Get("x-ratelimit-reset"); reset != "" {
		if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil && epoch > 0 {
			at := time.Unix(epoch, 0)
			hl.ResetAt = &at
		} else {
			slog.Debug("Unparseable rate-limit reset header", "value", reset)
		}
	}
	return hl
}

func parseIntHeader(headers http.Header, name string) *int64 {
	v := headers.Get(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Debug("Unparseable rate-limit header", "header", name, "value", v)
		return nil
	}
	return &n
}
