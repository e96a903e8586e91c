package worker

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DoublesAndCaps(t *testing.T) {
	assert.Equal(t, 10*time.Second, Backoff(1))
	assert.Equal(t, 20*time.Second, Backoff(2))
	assert.Equal(t, 40*time.Second, Backoff(3))
	assert.Equal(t, 15*time.Minute, Backoff(20))
}

func TestBackoff_NonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		delay := Backoff(attempt)
		assert.GreaterOrEqual(t, delay, prev, "attempt %d", attempt)
		prev = delay
	}
}

func TestRetryDelay(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		attempt    int
		retryAfter string
		want       time.Duration
	}{
		{name: "no header falls back to backoff", attempt: 2, want: 20 * time.Second},
		{name: "seconds header wins", attempt: 2, retryAfter: "30", want: 30 * time.Second},
		{name: "http date header wins", attempt: 1, retryAfter: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		{name: "garbage header ignored", attempt: 1, retryAfter: "soonish", want: 10 * time.Second},
		{name: "past date ignored", attempt: 1, retryAfter: now.Add(-time.Hour).Format(http.TimeFormat), want: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetryDelay(tt.attempt, tt.retryAfter, now))
		})
	}
}
