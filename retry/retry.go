// Package retry wraps fallible remote calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/url"
	"slices"
	"syscall"
	"time"

	"github.com/smallnest/doseguide/errs"
	"github.com/smallnest/doseguide/log"
)

// Policy configures retry behavior. A Policy is read-only once built and may
// be shared by every caller in the process.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BackoffFactor in seconds; the delay before attempt n+1 is BackoffFactor * 2^(n-1).
	BackoffFactor float64
	// StatusForcelist holds the HTTP status codes treated as transient.
	StatusForcelist []int

	sleep func(context.Context, time.Duration) error
}

// DefaultPolicy returns the stock policy: 3 attempts, 0.2s factor, 429/502/503/504.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:     3,
		BackoffFactor:   0.2,
		StatusForcelist: []int{429, 502, 503, 504},
	}
}

// Delay returns the sleep that follows a failed attempt (counted from 1).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BackoffFactor <= 0 {
		return 0
	}
	seconds := p.BackoffFactor * math.Pow(2, float64(attempt-1))
	return time.Duration(seconds * float64(time.Second))
}

// Retryable reports whether err is a transient failure under this policy.
func (p *Policy) Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, errs.ErrValidation),
		errors.Is(err, errs.ErrNotFound),
		errors.Is(err, errs.ErrConfiguration),
		errors.Is(err, context.Canceled):
		return false
	}

	if code, ok := errs.StatusCode(err); ok {
		return slices.Contains(p.StatusForcelist, code)
	}

	if errors.Is(err, errs.ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// *url.Error is itself a net.Error, so judge the transport failure it wraps.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return transportFailure(urlErr.Err)
	}
	return transportFailure(err)
}

// transportFailure reports connection resets and refusals, dial and read
// failures, temporary DNS failures and timeouts. Bad schemes, TLS
// verification and other request errors are not transport failures.
func transportFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Execute runs op until it succeeds, fails permanently or attempts run out.
func (p *Policy) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do runs op under policy p and returns its result.
//
// A non-retryable error is returned unchanged after the first attempt. When
// every attempt fails with a retryable error the result wraps both
// errs.ErrTransient and the last failure.
func Do[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if p == nil {
		p = DefaultPolicy()
	}
	maxAttempts := max(p.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !p.Retryable(err) {
			return zero, err
		}

		if attempt < maxAttempts {
			delay := p.Delay(attempt)
			log.Debug("attempt %d/%d failed: %v; retrying in %v", attempt, maxAttempts, err, delay)
			if err := p.wait(ctx, delay); err != nil {
				return zero, fmt.Errorf("retry cancelled during backoff: %w", err)
			}
		}
	}

	log.Error("giving up after %d attempts: %v", maxAttempts, lastErr)
	return zero, fmt.Errorf("%w: max attempts (%d) exceeded: %w", errs.ErrTransient, maxAttempts, lastErr)
}

func (p *Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
