package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRefused = fmt.Errorf("dial tcp 127.0.0.1:5432: %w", syscall.ECONNREFUSED)

func quick(attempts int) Policy {
	return Policy{Attempts: attempts, Base: time.Millisecond, Cap: 2 * time.Millisecond}
}

// failing returns an operation that fails n times with err before succeeding.
func failing(n int, err error, calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls <= n {
			return err
		}
		return nil
	}
}

func TestDo(t *testing.T) {
	errInvalid := errors.New("invalid input")
	tests := []struct {
		name      string
		policy    Policy
		failures  int
		err       error
		wantCalls int
		wantErr   error
	}{
		{"first try", DefaultPolicy(), 0, nil, 1, nil},
		{"recovers from refused dials", quick(3), 2, errRefused, 3, nil},
		{"gives up after attempts", quick(4), 10, errRefused, 4, syscall.ECONNREFUSED},
		{"permanent error", quick(5), 10, errInvalid, 1, errInvalid},
		{"once", Once(), 10, errRefused, 1, syscall.ECONNREFUSED},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			err := Do(context.Background(), tt.policy, "test", failing(tt.failures, tt.err, &calls))
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestDo_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 10, Base: time.Second}

	var calls int
	start := time.Now()
	err := Do(ctx, p, "test", func(context.Context) error {
		calls++
		cancel()
		return errRefused
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDo_CancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var calls int
	err := Do(ctx, Policy{Attempts: 5, Base: time.Minute}, "test", failing(5, errRefused, &calls))
	require.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, 1, calls)
}

func TestDo_CustomRetryable(t *testing.T) {
	errBusy := errors.New("busy")
	p := quick(3)
	p.Retryable = func(err error) bool { return errors.Is(err, errBusy) }

	var calls int
	err := Do(context.Background(), p, "test", failing(10, errBusy, &calls))
	require.ErrorIs(t, err, errBusy)
	assert.Equal(t, 3, calls)
}

func TestDoVal(t *testing.T) {
	var calls int
	v, err := DoVal(context.Background(), quick(3), "test", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errRefused
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	n, err := DoVal(context.Background(), quick(2), "test", func(context.Context) (int, error) {
		return 42, errors.New("permanent")
	})
	require.Error(t, err)
	assert.Zero(t, n, "a failed call never leaks its partial value")
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Cap: time.Second}.normalized()
	p.Jitter = 0

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(10))

	p.Jitter = 0.5
	for range 50 {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestPolicy_Normalized(t *testing.T) {
	p := Policy{}.normalized()
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, 500*time.Millisecond, p.Base)
	assert.Equal(t, 30*time.Second, p.Cap)
	assert.NotNil(t, p.Retryable)

	assert.Equal(t, 5, DefaultPolicy().WithAttempts(5).Attempts)
	assert.Equal(t, 3, DefaultPolicy().Attempts)
}
