package worker

import (
	"net/http"
	"strconv"
	"time"
)

const (
	backoffBase = 10 * time.Second
	backoffCap  = 15 * time.Minute
)

// Backoff returns the exponential retry delay for the given attempt number
// (1-based): base * 2^(attempt-1), capped. Delays are non-decreasing across
// attempts.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := backoffBase

	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}

	return delay
}

// RetryDelay computes the delay before the next attempt. A valid
// Retry-After header (seconds or HTTP-date) takes precedence over the
// computed backoff; rate-limited targets know their own cooldown better
// than we do.
func RetryDelay(attempt int, retryAfter string, now time.Time) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}

		if at, err := http.ParseTime(retryAfter); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}

	return Backoff(attempt)
}
