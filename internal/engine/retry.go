package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/aws/smithy-go"
)

const (
	defaultRetryAttempts = 5
	defaultRetryBase     = 500 * time.Millisecond
	maxRetryDelay        = 30 * time.Second
)

// retryableCodes are API error codes treated as transient. Anything here is
// retried with bounded exponential backoff before being escalated.
var retryableCodes = map[string]bool{
	"ThrottlingException":         true,
	"Throttling":                  true,
	"TooManyRequestsException":    true,
	"RequestLimitExceeded":        true,
	"ServiceUnavailable":          true,
	"ServiceUnavailableException": true,
	"InternalServerError":         true,
	"InternalFailure":             true,
	"RequestTimeout":              true,
}

// validationCodes are API error codes indicating the request itself is
// malformed. Never retried.
var validationCodes = map[string]bool{
	"ClientException":           true,
	"InvalidParameterException": true,
	"ValidationException":       true,
	"ValidationError":           true,
}

// isRetryable reports whether an API call failure is worth retrying.
// Non-API errors (connection resets, timeouts) are treated as transient.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return retryableCodes[apiErr.ErrorCode()]
	}
	return true
}

// isValidation reports whether an API call failure is a platform validation
// rejection.
func isValidation(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return validationCodes[apiErr.ErrorCode()]
	}
	return false
}

// isNotFound reports whether an API call failure indicates the referenced
// resource no longer exists on the platform.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if strings.HasSuffix(code, "NotFoundException") || code == "ResourceNotFound" {
			return true
		}
		if validationCodes[code] && strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "not found") {
			return true
		}
	}
	return false
}

// withRetry runs fn up to attempts times, sleeping with jittered exponential
// backoff between tries. Only retryable failures are retried; the last error
// is wrapped as transient when the budget runs out.
func withRetry(ctx context.Context, op string, attempts int, base time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	if base <= 0 {
		base = defaultRetryBase
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			apiRetries.WithLabelValues(op).Inc()
			select {
			case <-time.After(backoffDelay(base, attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %v", ErrTransient, op, attempts, err)
}

// backoffDelay computes the jittered delay before the given retry attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	// Full jitter: anywhere in (0, d].
	return time.Duration(rand.Int64N(int64(d))) + 1
}
