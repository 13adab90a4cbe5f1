package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	retryableCodes := map[int]bool{408: true, 429: true, 500: true, 502: true, 503: true, 504: true}

	properties.Property("nil error is not retryable", prop.ForAll(
		func(_ int) bool {
			return !IsRetryable(nil)
		},
		gen.Int(),
	))

	properties.Property("context.Canceled is not retryable even when wrapped", prop.ForAll(
		func(msg string) bool {
			return !IsRetryable(errors.Join(errors.New(msg), context.Canceled))
		},
		gen.AlphaString(),
	))

	properties.Property("context.DeadlineExceeded is retryable", prop.ForAll(
		func(_ int) bool {
			return IsRetryable(context.DeadlineExceeded)
		},
		gen.Int(),
	))

	properties.Property("HTTP status classification", prop.ForAll(
		func(code int, msg string) bool {
			err := &HTTPStatusError{StatusCode: code, Message: msg}
			return IsRetryable(err) == retryableCodes[code]
		},
		gen.IntRange(400, 599),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestRetryDoProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	fast := func(maxAttempts int) Config {
		return Config{
			MaxAttempts:       maxAttempts,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        2 * time.Millisecond,
			BackoffMultiplier: 2.0,
		}
	}

	properties.Property("successful operation returns nil", prop.ForAll(
		func(maxAttempts int) bool {
			err := Do(context.Background(), fast(maxAttempts), func(_ context.Context) error {
				return nil
			})
			return err == nil
		},
		gen.IntRange(1, 10),
	))

	properties.Property("non-retryable error returns immediately", prop.ForAll(
		func(maxAttempts int) bool {
			attempts := 0
			permanent := &HTTPStatusError{StatusCode: http.StatusBadRequest}
			err := Do(context.Background(), fast(maxAttempts), func(_ context.Context) error {
				attempts++
				return permanent
			})
			return attempts == 1 && errors.Is(err, permanent)
		},
		gen.IntRange(2, 10),
	))

	properties.Property("retryable error exhausts all attempts", prop.ForAll(
		func(maxAttempts int) bool {
			attempts := 0
			transient := &HTTPStatusError{StatusCode: http.StatusServiceUnavailable}
			err := Do(context.Background(), fast(maxAttempts), func(_ context.Context) error {
				attempts++
				return transient
			})
			var exhausted *ExhaustedError
			return attempts == maxAttempts &&
				errors.As(err, &exhausted) &&
				exhausted.Attempts == maxAttempts &&
				errors.Is(err, transient)
		},
		gen.IntRange(1, 5),
	))

	properties.Property("success after transient failures stops retrying", prop.ForAll(
		func(failures int) bool {
			attempts := 0
			err := Do(context.Background(), fast(failures+1), func(_ context.Context) error {
				attempts++
				if attempts <= failures {
					return context.DeadlineExceeded
				}
				return nil
			})
			return err == nil && attempts == failures+1
		},
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}

func TestCalculateBackoffProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff increases with attempts", prop.ForAll(
		func(attempt int) bool {
			cfg := Config{
				InitialBackoff:    100 * time.Millisecond,
				MaxBackoff:        10 * time.Second,
				BackoffMultiplier: 2.0,
			}
			return calculateBackoff(cfg, attempt+1) >= calculateBackoff(cfg, attempt)
		},
		gen.IntRange(1, 10),
	))

	properties.Property("backoff respects max limit plus jitter", prop.ForAll(
		func(attempt int) bool {
			cfg := Config{
				InitialBackoff:    100 * time.Millisecond,
				MaxBackoff:        time.Second,
				BackoffMultiplier: 2.0,
				Jitter:            0.1,
			}
			b := calculateBackoff(cfg, attempt)
			return b >= 0 && b <= cfg.MaxBackoff+cfg.MaxBackoff/10
		},
		gen.IntRange(1, 100),
	))

	properties.TestingRun(t)
}

type mockNetError struct {
	timeout bool
}

func (e *mockNetError) Error() string   { return "mock network error" }
func (e *mockNetError) Timeout() bool   { return e.timeout }
func (e *mockNetError) Temporary() bool { return false }

var _ net.Error = (*mockNetError)(nil)

func TestNetworkErrorRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "timeout", err: &mockNetError{timeout: true}, retryable: true},
		{name: "connection refused", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, retryable: true},
		{name: "plain error", err: errors.New("boom"), retryable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, BackoffMultiplier: 2}
	var retries int
	cfg.OnRetry = func(int, error, time.Duration) {
		retries++
		cancel()
	}
	err := Do(ctx, cfg, func(context.Context) error {
		return &HTTPStatusError{StatusCode: http.StatusBadGateway}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, retries)
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 7}.WithDefaults()
	require.Equal(t, 7, cfg.MaxAttempts)
	require.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)
	require.InDelta(t, 2.0, cfg.BackoffMultiplier, 0)
	require.Equal(t, DefaultConfig().MaxAttempts, Config{}.WithDefaults().MaxAttempts)
}
