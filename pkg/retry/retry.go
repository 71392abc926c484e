package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/mediabot/pkg/models"
)

// Policy holds retry configuration
type Policy struct {
	MaxRetries     int           // Maximum number of retry attempts after the first
	InitialBackoff time.Duration // Delay before the first retry
	MaxBackoff     time.Duration // Upper bound for any single delay
	Multiplier     float64       // Backoff multiplier (exponential)
	RetryTimeouts  bool          // Whether timed out attempts count as transient
}

// DefaultPolicy returns sensible defaults for retries
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Decision is the outcome of evaluating a failed attempt
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Backoff returns the delay before retry number n (1-based):
// initial * multiplier^(n-1), capped at MaxBackoff.
func (p Policy) Backoff(n int) time.Duration {
	if n <= 1 {
		return capDelay(p.InitialBackoff, p.MaxBackoff)
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialBackoff)
	for i := 1; i < n; i++ {
		delay *= mult
		if p.MaxBackoff > 0 && delay >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	return capDelay(time.Duration(delay), p.MaxBackoff)
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// Decide is a pure function of the attempt number (1-based, the attempt that
// just failed) and its error. Only transient errors are retried.
func (p Policy) Decide(attempt int, err error) Decision {
	if err == nil || attempt > p.MaxRetries {
		return Decision{}
	}
	switch models.KindOf(err) {
	case models.ErrorKindCancelled:
		return Decision{}
	case models.ErrorKindTimeout:
		if !p.RetryTimeouts {
			return Decision{}
		}
		return Decision{Retry: true, Delay: p.Backoff(attempt)}
	}
	if !models.IsTransient(err) {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Backoff(attempt)}
}

// Do executes fn until it succeeds, the policy declines a retry or ctx ends.
// The attempt number passed to fn is 1-based.
func Do(ctx context.Context, policy Policy, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}

		d := policy.Decide(attempt, err)
		if !d.Retry {
			if attempt > 1 {
				return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
			}
			return err
		}

		timer := time.NewTimer(d.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// IsRetryable checks if a raw network or HTTP error message looks temporary
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"no such host",
		"429",
		"503",
		"502",
		"504",
		"eof",
		"broken pipe",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
