package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"recurd/pkg/logx"
)

// Policy controls Do and DoConditional.
//
// The delay after failed attempt n (1-based) is BaseDelay * Factor^(n-1),
// so the standard policy sleeps 1s then 2s between its three attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64

	Log logx.Logger
}

// Standard is used for every scheduling persistence call.
var Standard = Policy{MaxAttempts: 3, BaseDelay: time.Second, Factor: 2}

// WithLogger returns a copy of p that logs retries to log.
func (p Policy) WithLogger(log logx.Logger) Policy {
	p.Log = log
	return p
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	return p
}

// Delay returns the sleep that follows failed attempt n (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Do runs op until it succeeds or the policy is exhausted. The last error
// is returned unchanged. Errors wrapped with Permanent are not retried.
func Do[T any](ctx context.Context, p Policy, label string, op func(ctx context.Context) (T, error)) (T, error) {
	return run(ctx, p, label, op, func(err error) bool { return !IsPermanent(err) })
}

// DoConditional is Do, but only errors classified by IsRetryable consume
// another attempt. Anything else is returned after the first try.
func DoConditional[T any](ctx context.Context, p Policy, label string, op func(ctx context.Context) (T, error)) (T, error) {
	return run(ctx, p, label, op, IsRetryable)
}

// Exec is Do for operations without a result.
func Exec(ctx context.Context, p Policy, label string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func run[T any](ctx context.Context, p Policy, label string, op func(ctx context.Context) (T, error), retryable func(error) bool) (T, error) {
	p = p.normalized()
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= p.MaxAttempts || !retryable(err) {
			return zero, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, err
		}

		delay := p.Delay(attempt)
		p.Log.Warn("operation failed, retrying",
			logx.String("op", label),
			logx.Int("attempt", attempt),
			logx.Int("max", p.MaxAttempts),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		if delay <= 0 {
			continue
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return zero, fmt.Errorf("%s: retry aborted: %w", label, errors.Join(err, ctx.Err()))
		case <-tmr.C:
		}
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }
