// Package retry provides the bounded polling loop shared by every wait in
// the provisioning workflow.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
)

// ErrExhausted is returned by Until when every attempt ran without the
// predicate being satisfied.
var ErrExhausted = errors.New("attempts exhausted")

var errNotReady = errors.New("not ready")

// Policy bounds a polling loop. The maximum wait is roughly
// Attempts * Delay plus the time spent in the probe itself.
type Policy struct {
	Attempts uint          `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// Budget returns the sleep time the policy allows in total.
func (p Policy) Budget() time.Duration {
	if p.Attempts == 0 {
		return 0
	}
	return time.Duration(p.Attempts-1) * p.Delay
}

// Until calls probe until ready accepts its result, the attempts run out, or
// ctx is cancelled. A probe error counts as a not-ready observation.
//
// It returns the last observation. On exhaustion the error wraps
// ErrExhausted and the last probe error, if there was one. On cancellation
// it returns the context error.
//
// onAttempt, when non-nil, is called after every unsuccessful attempt with
// the 1-based attempt number, the observation and the probe error.
func Until[T any](ctx context.Context, p Policy, probe func(context.Context) (T, error), ready func(T) bool, onAttempt func(n uint, v T, err error)) (T, error) {
	attempts := p.Attempts
	if attempts == 0 {
		// retry-go treats zero as unlimited.
		attempts = 1
	}

	var (
		last    T
		lastErr error
		n       uint
	)
	_, err := retry.DoWithData(
		func() (T, error) {
			n++
			v, err := probe(ctx)
			last, lastErr = v, err
			if err == nil && ready(v) {
				return v, nil
			}
			if onAttempt != nil {
				onAttempt(n, v, err)
			}
			if err != nil {
				return v, err
			}
			return v, errNotReady
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return last, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return last, ctxErr
	}
	if lastErr != nil {
		return last, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, n, lastErr)
	}
	return last, fmt.Errorf("%w after %d attempts", ErrExhausted, n)
}
