package executor

import (
	"context"
	"time"

	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/models"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

// ErrRetryBudgetExhausted is returned when the next wait would pass MaxTotal or the
// caller's deadline.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// RetryPolicy wraps a single exchange call. Only errors accepted by IsTransient are
// retried. Every attempt runs on a context detached from the caller's cancellation
// and bounded by CallTimeout, so a stop request never aborts a request on the wire;
// it only prevents the next attempt.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     backoff.Backoff
	MaxTotal    time.Duration
	CallTimeout time.Duration
	IsTransient func(error) bool
}

// NewRetryPolicy builds a policy from configuration.
func NewRetryPolicy(cfg models.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff: backoff.Backoff{
			Min:    time.Duration(cfg.InitialDelayMs) * time.Millisecond,
			Max:    time.Duration(cfg.MaxDelayMs) * time.Millisecond,
			Factor: cfg.Factor,
			Jitter: true,
		},
		MaxTotal:    time.Duration(cfg.MaxTotalMs) * time.Millisecond,
		CallTimeout: time.Duration(cfg.CallTimeoutMs) * time.Millisecond,
		IsTransient: exchange.IsTransient,
	}
}

// Do runs fn until it succeeds, fails permanently, runs out of attempts or the
// total budget, or ctx is cancelled between attempts. A deadline on ctx shares one
// budget between several calls: no attempt starts and no wait begins that would
// end past it. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	isTransient := p.IsTransient
	if isTransient == nil {
		isTransient = exchange.IsTransient
	}
	// copy so concurrent callers never share backoff counters
	b := p.Backoff
	b.Reset()
	var deadline time.Time
	if p.MaxTotal > 0 {
		deadline = time.Now().Add(p.MaxTotal)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if errors.Is(cerr, context.DeadlineExceeded) {
				return attempt - 1, errors.Wrapf(ErrRetryBudgetExhausted, "%s after %d attempt(s), last error: %v", op, attempt-1, err)
			}
			if err == nil {
				err = cerr
			}
			return attempt - 1, errors.Wrapf(err, "%s interrupted", op)
		}

		err = p.call(ctx, fn)
		if err == nil {
			return attempt, nil
		}
		if !isTransient(err) || attempt == attempts {
			return attempt, errors.Wrapf(err, "%s failed after %d attempt(s)", op, attempt)
		}

		wait := b.Duration()
		if !deadline.IsZero() && time.Now().Add(wait).After(deadline) {
			return attempt, errors.Wrapf(ErrRetryBudgetExhausted, "%s after %d attempt(s), last error: %v", op, attempt, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, errors.Wrapf(err, "%s interrupted after %d attempt(s)", op, attempt)
		case <-timer.C:
		}
	}
	return attempts, err
}

func (p RetryPolicy) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx := context.WithoutCancel(ctx)
	if p.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, p.CallTimeout)
		defer cancel()
	}
	return fn(callCtx)
}
