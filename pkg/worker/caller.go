// Package worker implements the claim-and-execute loop and the adaptive
// pool that supervises it.
package worker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/hookcron/hookcron/pkg/models"
)

// SignatureHeader carries the HMAC-SHA256 of the outbound request body,
// keyed by the organization's webhook secret, so receivers can verify
// origin.
const SignatureHeader = "X-Hookcron-Signature"

// CallResult is the raw outcome of one HTTP call to a task's target.
type CallResult struct {
	StatusCode int
	Body       string
	RetryAfter string
	Duration   time.Duration
	TimedOut   bool
	Err        error
}

// Caller issues the HTTP calls. No database lock is held while a call is in
// flight: the claim transaction commits before Call and the outcome is
// written afterward.
type Caller struct {
	client *http.Client
}

func NewCaller() *Caller {
	// Per-call deadlines come from each task's timeout; the client itself
	// has none.
	return &Caller{client: &http.Client{}}
}

// Call performs the task's HTTP request with its configured timeout and the
// webhook signature header. Network errors and timeouts come back in the
// result, not as an error return; only request construction can fail.
func (c *Caller) Call(ctx context.Context, task *models.Task, org *models.Organization) CallResult {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if task.Body != "" {
		bodyReader = strings.NewReader(task.Body)
	}

	req, err := http.NewRequestWithContext(reqCtx, task.Method, task.URL, bodyReader)
	if err != nil {
		return CallResult{Err: fmt.Errorf("failed to build request: %w", err)}
	}

	for key, value := range task.Headers {
		req.Header.Set(key, value)
	}

	if org != nil && org.WebhookSecret != "" {
		req.Header.Set(SignatureHeader, Sign(task.Body, org.WebhookSecret))
	}

	start := time.Now()

	resp, err := c.client.Do(req)

	duration := time.Since(start)

	if err != nil {
		return CallResult{
			Duration: duration,
			TimedOut: errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded),
			Err:      err,
		}
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	// Read one byte past the cap so truncation is detectable without
	// buffering arbitrarily large responses.
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, models.MaxResponseBodySize+1))
	if readErr != nil {
		return CallResult{
			StatusCode: resp.StatusCode,
			Duration:   time.Since(start),
			Err:        fmt.Errorf("failed to read response body: %w", readErr),
		}
	}

	return CallResult{
		StatusCode: resp.StatusCode,
		Body:       models.TruncateBody(string(body)),
		RetryAfter: resp.Header.Get("Retry-After"),
		Duration:   time.Since(start),
	}
}

// Classify maps a call result to a terminal execution status: timeout when
// no response arrived in time, success when the response satisfies the
// task's assertions (or is 2xx when none are configured), failed otherwise.
func Classify(task *models.Task, result CallResult) (models.ExecutionStatus, string) {
	if result.TimedOut {
		return models.ExecutionStatusTimeout, fmt.Sprintf("no response within %s", task.Timeout)
	}

	if result.Err != nil {
		return models.ExecutionStatusFailed, result.Err.Error()
	}

	if len(task.ExpectedStatus) > 0 {
		if !slices.Contains(task.ExpectedStatus, result.StatusCode) {
			return models.ExecutionStatusFailed,
				fmt.Sprintf("unexpected status %d", result.StatusCode)
		}
	} else if result.StatusCode < 200 || result.StatusCode >= 300 {
		return models.ExecutionStatusFailed,
			fmt.Sprintf("non-2xx status %d", result.StatusCode)
	}

	if task.BodyContains != nil && !strings.Contains(result.Body, *task.BodyContains) {
		return models.ExecutionStatusFailed,
			fmt.Sprintf("response body does not contain %q", *task.BodyContains)
	}

	return models.ExecutionStatusSuccess, ""
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))

	return hex.EncodeToString(mac.Sum(nil))
}
