package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDo(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after two retryable failures", func(t *testing.T) {
		t.Parallel()

		policy := Policy{MaxTries: 3, Base: time.Millisecond, Jitter: time.Millisecond}

		attempts := 0
		err := policy.Do(context.Background(), func() error {
			attempts++
			if attempts <= 2 {
				return fmt.Errorf("connect: %w", ErrTryAgain)
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("exhausted budget returns the last error", func(t *testing.T) {
		t.Parallel()

		policy := Policy{MaxTries: 3, Base: time.Millisecond}

		attempts := 0
		wantErr := fmt.Errorf("still down: %w", ErrTryAgain)
		err := policy.Do(context.Background(), func() error {
			attempts++
			return wantErr
		})

		assert.Equal(t, 3, attempts)
		assert.ErrorIs(t, err, ErrTryAgain)
	})

	t.Run("fatal error is not retried", func(t *testing.T) {
		t.Parallel()

		policy := Policy{MaxTries: 5, Base: time.Millisecond}

		attempts := 0
		fatal := errors.New("malformed request")
		err := policy.Do(context.Background(), func() error {
			attempts++
			return fatal
		})

		assert.Equal(t, 1, attempts)
		assert.ErrorIs(t, err, fatal)
	})

	t.Run("custom condition", func(t *testing.T) {
		t.Parallel()

		marker := errors.New("special")
		policy := Policy{
			MaxTries:  2,
			Base:      time.Millisecond,
			Retryable: func(err error) bool { return errors.Is(err, marker) },
		}

		attempts := 0
		err := policy.Do(context.Background(), func() error {
			attempts++
			return marker
		})

		assert.Equal(t, 2, attempts)
		assert.ErrorIs(t, err, marker)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		policy := Policy{MaxTries: 10, Base: time.Millisecond}

		attempts := 0
		err := policy.Do(ctx, func() error {
			attempts++
			cancel()
			return ErrTryAgain
		})

		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("zero tries still runs once", func(t *testing.T) {
		t.Parallel()

		policy := Policy{}

		attempts := 0
		err := policy.Do(context.Background(), func() error {
			attempts++
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestDefaultCondition(t *testing.T) {
	t.Parallel()

	assert.False(t, DefaultCondition(nil))
	assert.False(t, DefaultCondition(errors.New("schema violation")))
	assert.True(t, DefaultCondition(ErrTryAgain))
	assert.True(t, DefaultCondition(fmt.Errorf("wrapped: %w", ErrTryAgain)))
	assert.True(t, DefaultCondition(timeoutError{}))
}
