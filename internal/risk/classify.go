package risk

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultRateLimitPatterns are matched case-insensitively against error
// bodies of non-429 4xx/5xx responses.
var DefaultRateLimitPatterns = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"quota exceeded",
	"quota_exceeded",
	"resource_exhausted",
	"resource exhausted",
	"insufficient_quota",
	"exceeded your current quota",
	"throttl",
	"slow down",
	"overloaded",
}

// IsRateLimitError classifies a provider response using the default patterns.
func IsRateLimitError(status int, body string) bool {
	return matchRateLimit(status, body, DefaultRateLimitPatterns)
}

func matchRateLimit(status int, body string, patterns []string) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	if status < 400 || status > 599 || body == "" {
		return false
	}
	lower := strings.ToLower(body)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsAuthFailure reports statuses that indicate a revoked or invalid credential.
func IsAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// ParseRetryAfter parses a Retry-After header value, either delta-seconds or
// an HTTP-date. Dates in the past yield 0.
func ParseRetryAfter(header string, now time.Time) (int64, bool) {
	v := strings.TrimSpace(header)
	if v == "" {
		return 0, false
	}
	if isDigits(v) {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	d := t.Sub(now)
	if d <= 0 {
		return 0, true
	}
	return int64(math.Ceil(d.Seconds())), true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
