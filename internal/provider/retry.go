package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// retryBaseDelay is the unit of the quadratic backoff; tests shrink it.
var retryBaseDelay = time.Second

// maxRetryDelay caps both the computed backoff and a gateway's Retry-After.
const maxRetryDelay = 30 * time.Second

// retryable reports whether a gateway status is worth another attempt.
func retryable(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// backoff returns the wait before attempt n (1-based): n² units plus up to
// half a unit of jitter, or the server's Retry-After when hint is not negative.
func backoff(n int, hint time.Duration) time.Duration {
	d := hint
	if d < 0 {
		base := time.Duration(n*n) * retryBaseDelay
		d = base + time.Duration(rand.Int64N(int64(base/2+1)))
	}
	return min(d, maxRetryDelay)
}

// retryAfter parses a delta-seconds Retry-After header, returning -1 when
// there is none. HTTP dates are ignored and fall back to the computed backoff.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs < 0 {
		return -1
	}
	return time.Duration(secs) * time.Second
}

// openWithRetry sends the request built by buildReq until the gateway
// accepts it. Only opening the stream is retried; once a 2xx response is
// returned its body belongs to the caller. Transport errors and 5xx/429
// responses are retried up to maxRetries times. A final 5xx/429 comes back
// as a *StatusError.
func openWithRetry(ctx context.Context, client *http.Client, maxRetries int, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	maxRetries = max(maxRetries, 0)
	hint := time.Duration(-1)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt, hint)
			logger.Warn("retrying upstream", "attempt", attempt+1, "backoff", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if attempt < maxRetries && ctx.Err() == nil {
				logger.Warn("upstream request failed, will retry", "error", err)
				hint = -1
				continue
			}
			return nil, fmt.Errorf("request failed after %d attempt(s): %w", attempt+1, err)
		}
		if !retryable(resp.StatusCode) {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		resp.Body.Close()
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		if attempt >= maxRetries {
			return nil, statusErr
		}
		hint = retryAfter(resp.Header)
		logger.Warn("upstream busy, will retry",
			"status", resp.StatusCode, "retry_after", hint, "body", preview(statusErr.Body, 200))
	}
}
