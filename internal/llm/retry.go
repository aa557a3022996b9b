package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// connectWithRetry wraps the stream-connect HTTP call with retry logic.
// Retries happen only while establishing the connection, never mid-stream:
// transient network errors, 408/429 and 5xx are retried with full-jitter
// exponential backoff, honoring Retry-After when the upstream sends one.
func (c *client) connectWithRetry(
	ctx context.Context,
	do func(ctx context.Context) (*http.Response, error),
) (*http.Response, error) {
	var lastErr error
	maxAttempts := c.cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := do(ctx)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		c.logger.Debug("upstream connect attempt",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if !isTransientNetError(err) {
				return nil, err
			}
			lastErr = err
		} else if !shouldRetryStatus(status) {
			// Success or a non-retryable status the caller decodes itself.
			return resp, nil
		} else {
			lastErr = fmt.Errorf("upstream status %d", status)

			// Read Retry-After before the body is gone, then close so the
			// connection can be reused.
			retryAfter := parseRetryAfter(resp)
			if resp.Body != nil {
				resp.Body.Close()
			}

			if retryAfter > 0 && attempt < maxAttempts-1 {
				c.logger.Info("honoring Retry-After header",
					zap.Duration("wait", retryAfter),
					zap.Int("status", status),
				)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(retryAfter):
					continue
				}
			}
		}

		if attempt == maxAttempts-1 {
			break
		}

		backoff := computeBackoff(c.cfg.BaseBackoff, attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	c.logger.Warn("upstream connect exhausted all retries",
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)

	if lastErr == nil {
		lastErr = errors.New("unknown upstream error")
	}
	return nil, fmt.Errorf("llmclient: max retries (%d) exceeded: %w", maxAttempts, lastErr)
}

// isTransientNetError determines whether a network error is worth retrying.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}

	// Last resort for wrapped errors that lost their type.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporary failure",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func shouldRetryStatus(status int) bool {
	switch {
	case status == 0:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusRequestTimeout:
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

// parseRetryAfter extracts the retry delay from a Retry-After header, which
// can be either a number of seconds or an HTTP date. Returns 0 if missing
// or invalid; the result is capped at 5 minutes.
func parseRetryAfter(resp *http.Response) time.Duration {
	const maxRetryAfter = 5 * time.Minute

	if resp == nil {
		return 0
	}
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds > 0 {
		d := time.Duration(seconds) * time.Second
		if d > maxRetryAfter {
			d = maxRetryAfter
		}
		return d
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			if d > maxRetryAfter {
				d = maxRetryAfter
			}
			return d
		}
	}

	return 0
}

// computeBackoff calculates exponential backoff with full jitter:
// a random duration between 0 and base*2^attempt, capped at 60s.
func computeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	const maxExponent = 10
	if attempt > maxExponent {
		attempt = maxExponent
	}

	maxBackoff := time.Duration(float64(base) * math.Pow(2, float64(attempt)))

	const maxAllowed = 60 * time.Second
	if maxBackoff > maxAllowed {
		maxBackoff = maxAllowed
	}

	return time.Duration(rand.Float64() * float64(maxBackoff))
}
