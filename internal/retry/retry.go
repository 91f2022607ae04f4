// Package retry implements the backoff policy shared by the agent-error
// path and the engine's own store/queue calls.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"
)

// Decision is the outcome of consulting the policy for one failure.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy computes whether and when a failed attempt should be retried.
// The zero value is unusable; construct via NewPolicy or a preset.
type Policy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter is the fraction of the computed delay randomly added to
	// spread synchronized retries, in [0, 1).
	Jitter float64
	// RetryableCodes is the allow-list of agent error codes considered
	// transient. Anything not listed is fatal regardless of remaining
	// retry budget.
	RetryableCodes []string

	rnd func() float64
}

// Default agent error codes treated as transient.
var DefaultRetryableCodes = []string{
	"timeout",
	"rate_limited",
	"service_unavailable",
	"transport_error",
	"agent_busy",
}

// NewPolicy builds a policy with the given backoff parameters and the
// default retryable code set.
func NewPolicy(base time.Duration, multiplier float64, max time.Duration) Policy {
	return Policy{
		BaseDelay:      base,
		Multiplier:     multiplier,
		MaxDelay:       max,
		Jitter:         0.2,
		RetryableCodes: DefaultRetryableCodes,
		rnd:            rand.Float64,
	}
}

// AggressiveReads is the preset for idempotent store reads.
func AggressiveReads() Policy {
	return NewPolicy(100*time.Millisecond, 2.0, 2*time.Second)
}

// ConservativeWrites is the preset for side-effecting store/queue calls.
func ConservativeWrites() Policy {
	return NewPolicy(500*time.Millisecond, 2.0, 10*time.Second)
}

// ShouldRetry decides whether a step that failed with the given agent
// error code may be retried. retryCount is the number of retries already
// consumed; it never exceeds maxRetries.
func (p Policy) ShouldRetry(code string, retryCount, maxRetries int) Decision {
	if retryCount >= maxRetries {
		return Decision{}
	}
	for _, c := range p.RetryableCodes {
		if c == code {
			return Decision{Retry: true, Delay: p.DelayFor(retryCount)}
		}
	}
	return Decision{}
}

// DelayFor computes the backoff delay for the given attempt:
// min(base * multiplier^attempt, max) plus jitter.
func (p Policy) DelayFor(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if capped := float64(p.MaxDelay); d > capped {
		d = capped
	}
	if p.Jitter > 0 {
		rnd := p.rnd
		if rnd == nil {
			rnd = rand.Float64
		}
		d += d * p.Jitter * rnd()
	}
	return time.Duration(d)
}

// Transient marks errors whose cause is expected to clear on its own.
type Transient interface {
	Transient() bool
}

// IsTransient reports whether err is worth re-issuing: explicit Transient
// markers, network timeouts and deadline expiry qualify.
func IsTransient(err error) bool {
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Do runs fn up to attempts times, sleeping per the policy between
// transient failures. The last error is returned when the budget is
// exhausted or the failure is not transient.
func Do(ctx context.Context, p Policy, attempts int, fn func(context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsTransient(err) || i == attempts-1 {
			return err
		}
		select {
		case <-time.After(p.DelayFor(i)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
