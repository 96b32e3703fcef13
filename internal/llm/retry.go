package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrRateLimited is returned when all retries are exhausted on a 429 response.
var ErrRateLimited = fmt.Errorf("the reasoning engine's model provider is experiencing high demand; please retry")

var retryConfig = struct {
	delays  []time.Duration
	ceiling time.Duration
}{
	delays:  []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond, 2000 * time.Millisecond},
	ceiling: 4 * time.Second,
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "rate limit")
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// withRetry executes fn up to len(retryConfig.delays)+1 times, retrying on
// 429/rate-limit errors with a 500ms→1000ms→2000ms backoff capped at 4s.
func withRetry[T any](ctx context.Context, operation string, fn func() (T, error)) (T, error) {
	result, err := fn()
	if err == nil {
		return result, nil
	}
	if !isRetryableError(err) {
		return result, err
	}

	for i, delay := range retryConfig.delays {
		if delay > retryConfig.ceiling {
			delay = retryConfig.ceiling
		}

		slog.Warn("[LLM] rate limited, retrying",
			"operation", operation,
			"attempt", i+2,
			"delay_ms", delay.Milliseconds(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("llm.withRetry: %s: context cancelled during retry: %w", operation, ctx.Err())
		case <-time.After(delay):
		}

		result, err = fn()
		if err == nil {
			slog.Info("[LLM] retry succeeded", "operation", operation, "attempt", i+2)
			return result, nil
		}
		if !isRetryableError(err) {
			return result, err
		}
	}

	var zero T
	slog.Error("[LLM] retries exhausted", "operation", operation, "attempts", len(retryConfig.delays)+1)
	return zero, ErrRateLimited
}
