package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	}
}

type classifiedError struct {
	retry bool
}

func (e *classifiedError) Error() string   { return "classified" }
func (e *classifiedError) Retryable() bool { return e.retry }

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string   { return http.StatusText(e.statusCode) }
func (e *httpError) StatusCode() int { return e.statusCode }

func TestPool_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)
}

func TestPool_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("exhausts attempts and wraps last error", func(t *testing.T) {
		t.Parallel()
		orig := errors.New("lock timeout")
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return orig
		})
		require.ErrorIs(t, err, orig)
		require.Equal(t, 3, attempts)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		t.Parallel()
		orig := errors.New("invalid input")
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return orig
		})
		require.Same(t, orig, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("honours context cancellation between attempts", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		err := Do(ctx, Config{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Second}, func() error {
			attempts++
			cancel()
			return errors.New("timeout")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, attempts)
	})
}

func TestPool_Retry_DoValue(t *testing.T) {
	t.Parallel()

	attempts := 0
	got, err := DoValue(context.Background(), fastConfig(), func() ([]string, error) {
		attempts++
		if attempts == 1 {
			return nil, &classifiedError{retry: true}
		}
		return []string{"pokt1a"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"pokt1a"}, got)
	require.Equal(t, 2, attempts)

	typed := &classifiedError{retry: false}
	_, err = DoValue(context.Background(), fastConfig(), func() (int, error) {
		return 0, typed
	})
	var ce *classifiedError
	require.ErrorAs(t, err, &ce)
	require.Same(t, typed, ce)
}

func TestPool_Retry_DoValue_CustomClassifierAndHook(t *testing.T) {
	t.Parallel()

	var retried []int
	cfg := fastConfig()
	cfg.Retryable = func(err error) bool { return err.Error() == "busy" }
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		retried = append(retried, attempt)
		require.Positive(t, backoff)
	}

	attempts := 0
	_, err := DoValue(context.Background(), cfg, func() (int, error) {
		attempts++
		return 0, errors.New("busy")
	})
	require.EqualError(t, err, "failed after 3 attempts: busy")
	require.Equal(t, 3, attempts)
	require.Equal(t, []int{1, 2}, retried)

	attempts = 0
	_, err = DoValue(context.Background(), cfg, func() (int, error) {
		attempts++
		return 0, errors.New("connection reset")
	})
	require.EqualError(t, err, "connection reset")
	require.Equal(t, 1, attempts)
}

func TestPool_Retry_DoValue_ZeroAttemptsRunsOnce(t *testing.T) {
	t.Parallel()

	attempts := 0
	got, err := DoValue(context.Background(), Config{}, func() (string, error) {
		attempts++
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, 1, attempts)
}

func TestPool_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), false},
		{"self classified retryable", fmt.Errorf("allocate: %w", &classifiedError{retry: true}), true},
		{"self classified permanent", &classifiedError{retry: false}, false},
		{"http 503", &httpError{statusCode: http.StatusServiceUnavailable}, true},
		{"http 400", &httpError{statusCode: http.StatusBadRequest}, false},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"deadlock", errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), true},
		{"plain", errors.New("owner address is required"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestPool_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()

	for attempt := 1; attempt <= 6; attempt++ {
		got := calculateBackoff(100*time.Millisecond, time.Second, attempt)
		want := 100 * time.Millisecond * time.Duration(1<<uint(attempt))
		if want > time.Second {
			want = time.Second
		}
		require.GreaterOrEqual(t, got, want/2)
		require.LessOrEqual(t, got, want)
	}
}
