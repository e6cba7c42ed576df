// Package retry provides a reusable bounded retry helper with linear backoff
// and jitter, used around provider calls and the sink's storage writes.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	retrygo "github.com/avast/retry-go"
)

// ErrTryAgain marks an error as transient. Operations can wrap it to ask the
// default condition for another attempt.
var ErrTryAgain = errors.New("temporarily unavailable, try again")

// Condition decides whether an error is worth retrying. Returning false
// propagates the error immediately.
type Condition func(error) bool

// Policy executes operations with a bounded number of tries. The wait before
// try n+1 is base*n plus a random jitter of at most Jitter; backoff grows
// linearly, not exponentially.
type Policy struct {
	// MaxTries is the total number of attempts, including the first one.
	MaxTries uint

	// Base is the backoff unit multiplied by the attempt number.
	Base time.Duration

	// Jitter bounds the random component added to each wait.
	Jitter time.Duration

	// Retryable classifies errors. Nil means DefaultCondition.
	Retryable Condition
}

// DefaultPolicy returns the policy used when a caller has no special
// requirements: three tries with a 250ms linear backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxTries: 3,
		Base:     250 * time.Millisecond,
		Jitter:   100 * time.Millisecond,
	}
}

// Do executes op, retrying on failures the condition classifies as
// retryable until the try budget is spent or the context is done. The last
// error is returned unwrapped from the retry machinery.
func (p Policy) Do(ctx context.Context, op func() error) error {
	condition := p.Retryable
	if condition == nil {
		condition = DefaultCondition
	}

	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}

	return retrygo.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return op()
		},
		retrygo.Attempts(tries),
		retrygo.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			return condition(err)
		}),
		retrygo.Delay(p.Base),
		retrygo.MaxJitter(p.Jitter),
		retrygo.DelayType(retrygo.CombineDelay(linearDelay, retrygo.RandomDelay)),
		retrygo.LastErrorOnly(true),
	)
}

// linearDelay waits base*attempt, where attempt counts from 1 for the first
// retry.
func linearDelay(n uint, _ error, config *retrygo.Config) time.Duration {
	return retrygo.FixedDelay(n, nil, config) * time.Duration(n+1)
}

// DefaultCondition retries connectivity and "try again" error categories:
// explicit ErrTryAgain marks, network timeouts, refused or reset
// connections, and unexpected connection closes.
func DefaultCondition(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTryAgain) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}
