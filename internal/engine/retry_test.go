package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetryRetriesTransient(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "op", 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return apiError("ThrottlingException", "Rate exceeded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryStopsOnFatal(t *testing.T) {
	calls := 0
	fatal := apiError("ClientException", "bad request")
	err := withRetry(context.Background(), "op", 5, time.Millisecond, func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want the fatal error unwrapped", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for a non-retryable failure", calls)
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "op", 3, time.Millisecond, func(context.Context) error {
		calls++
		return apiError("ServiceUnavailableException", "try later")
	})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient after exhaustion", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, "op", 3, time.Second, func(context.Context) error {
		return apiError("ThrottlingException", "Rate exceeded")
	})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"throttle", apiError("ThrottlingException", ""), true},
		{"server error", apiError("InternalServerError", ""), true},
		{"validation", apiError("ClientException", ""), false},
		{"access denied", apiError("AccessDeniedException", ""), false},
		{"plain network error", errors.New("connection reset by peer"), true},
		{"context cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cluster not found", apiError("ClusterNotFoundException", ""), true},
		{"log stream not found", apiError("ResourceNotFoundException", ""), true},
		{"validation with not-found text", apiError("InvalidParameterException", "The referenced task was not found."), true},
		{"plain validation", apiError("InvalidParameterException", "bad cpu value"), false},
		{"throttle", apiError("ThrottlingException", ""), false},
		{"plain error", errors.New("not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNotFound(tt.err); got != tt.want {
				t.Errorf("isNotFound = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt <= 12; attempt++ {
		d := backoffDelay(base, attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: delay = %v, want > 0", attempt, d)
		}
		if d > maxRetryDelay {
			t.Fatalf("attempt %d: delay = %v exceeds cap %v", attempt, d, maxRetryDelay)
		}
	}
}
