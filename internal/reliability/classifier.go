package reliability

import (
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// transientMarkers are substrings that mark an upstream realtime error as a
// transient server-side fault worth retrying.
var transientMarkers = []string{
	"server_error",
	"internal error",
	"rate limit",
	"rate_limited",
	"resource_exhausted",
	"overloaded",
	"temporarily",
	"try again",
	"timeout",
	"queue_overflow",
}

// IsTransientUpstreamError classifies an upstream realtime error event by its
// code and message content. Anything not recognized as transient is treated
// as fatal.
func IsTransientUpstreamError(code, message string) bool {
	c := strings.ToLower(strings.TrimSpace(code))
	m := strings.ToLower(message)
	for _, marker := range transientMarkers {
		if strings.Contains(c, marker) || strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

// RetryPolicy is a bounded fixed-delay retry schedule.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// NextDelay reports the delay before retry number attempt (1-based) and
// whether the attempt is allowed at all.
func (p RetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}
	return p.Delay, true
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
