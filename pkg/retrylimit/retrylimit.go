// Package retrylimit paces outbound chat API calls and retries the ones that
// fail transiently. The limiter speeds up while calls succeed and backs off
// when the platform reports rate limiting or server errors.
//
// Example usage:
//
//	lim := retrylimit.NewLimiter(5, 1, 20, 1, 0.5)
//	err := retrylimit.Do(ctx, lim, retrylimit.DefaultPolicy(), func(ctx context.Context) error {
//	    return channel.Send(ctx, "hello")
//	})
package retrylimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Limiter is a token bucket whose rate adapts to call outcomes. It is safe
// for concurrent use.
type Limiter struct {
	mu        sync.RWMutex
	bucket    *rate.Limiter
	floor     rate.Limit
	ceil      rate.Limit
	stepUp    rate.Limit
	stepDown  float64
	lastError time.Time
	// calm is how long after a failure the rate stays put.
	calm time.Duration
}

// NewLimiter returns a limiter starting at initial calls per second, kept
// within [lo, hi], raised by stepUp after a success and multiplied by
// stepDown after a rate-limit or server error.
func NewLimiter(initial, lo, hi, stepUp rate.Limit, stepDown float64) *Limiter {
	if lo <= 0 {
		lo = 1
	}
	if initial < lo {
		initial = lo
	}
	if hi < initial {
		hi = initial
	}
	return &Limiter{
		bucket:   rate.NewLimiter(initial, max(1, int(initial))),
		floor:    lo,
		ceil:     hi,
		stepUp:   stepUp,
		stepDown: stepDown,
		calm:     10 * time.Second,
	}
}

// Wait blocks until a call may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// Success reports a successful call.
func (l *Limiter) Success() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastError) > l.calm {
		l.set(l.bucket.Limit() + l.stepUp)
	}
}

// Throttled reports a rate-limited or overloaded call.
func (l *Limiter) Throttled() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastError = time.Now()
	l.set(rate.Limit(float64(l.bucket.Limit()) * l.stepDown))
}

// Rate returns the current calls per second.
func (l *Limiter) Rate() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return float64(l.bucket.Limit())
}

func (l *Limiter) set(r rate.Limit) {
	r = min(max(r, l.floor), l.ceil)
	if r != l.bucket.Limit() {
		l.bucket.SetLimit(r)
		l.bucket.SetBurst(max(1, int(r)))
	}
}

// StatusError is implemented by errors carrying an HTTP status code.
type StatusError interface {
	error
	StatusCode() int
}

// RetryAfterError is implemented by errors telling how long to wait.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// FatalError stops retrying immediately.
type FatalError struct {
	Err error
}

func (f *FatalError) Error() string { return f.Err.Error() }
func (f *FatalError) Unwrap() error { return f.Err }

// Fatal marks err as not worth retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Policy configures Do.
type Policy struct {
	// Attempts caps the number of calls; values below 1 mean 1.
	Attempts   int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
	// Retryable decides whether an error is transient. Nil retries
	// everything except FatalError and 4xx statuses other than 429.
	Retryable func(error) bool
	Log       zerolog.Logger
}

// DefaultPolicy suits chat message sends.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   4,
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2,
		Jitter:     true,
		Log:        zerolog.Nop(),
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, ctx ends or
// the attempts run out. A nil limiter disables pacing.
func Do(ctx context.Context, lim *Limiter, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = defaultRetryable
	}
	delay := p.BaseDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lim != nil {
			if werr := lim.Wait(ctx); werr != nil {
				return werr
			}
		}

		err = fn(ctx)
		if err == nil {
			if lim != nil {
				lim.Success()
			}
			if attempt > 1 {
				p.Log.Debug().Int("attempt", attempt).Msg("call succeeded after retry")
			}
			return nil
		}

		var fatal *FatalError
		if errors.As(err, &fatal) || !retryable(err) {
			return err
		}

		wait := delay
		if IsRateLimited(err) || IsServerError(err) {
			if lim != nil {
				lim.Throttled()
			}
		}
		var ra RetryAfterError
		if errors.As(err, &ra) && ra.RetryAfter() > 0 {
			wait = ra.RetryAfter()
		} else if p.Jitter {
			wait = jitter(wait)
		}

		if attempt == attempts {
			break
		}
		p.Log.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("call failed, retrying")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

// IsRateLimited reports whether err carries HTTP 429.
func IsRateLimited(err error) bool {
	var se StatusError
	return errors.As(err, &se) && se.StatusCode() == http.StatusTooManyRequests
}

// IsServerError reports whether err carries a 5xx status.
func IsServerError(err error) bool {
	var se StatusError
	return errors.As(err, &se) && se.StatusCode() >= 500 && se.StatusCode() < 600
}

func defaultRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se StatusError
	if errors.As(err, &se) {
		code := se.StatusCode()
		return code == http.StatusTooManyRequests || code >= 500
	}
	return true
}

// jitter adds up to 25% to d.
func jitter(d time.Duration) time.Duration {
	if d < 4 {
		return d
	}
	return d + rand.N(d/4)
}
