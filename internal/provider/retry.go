package provider

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds retries around remote calls: up to MaxAttempts total
// attempts with exponential backoff starting at BaseDelay. A provider's
// Retry-After hint, when present, overrides the computed delay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	return p
}

// RetryEmbedder wraps an Embedder with the retry policy. Only bad input
// surfaces immediately; remote failures, auth included, exhaust the budget
// first.
func RetryEmbedder(inner Embedder, policy RetryPolicy) Embedder {
	return &retryEmbedder{inner: inner, policy: policy.normalized()}
}

type retryEmbedder struct {
	inner  Embedder
	policy RetryPolicy
}

func (r *retryEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := withRetry(ctx, r.policy, func() error {
		var callErr error
		out, callErr = r.inner.Embed(ctx, texts)
		return callErr
	})
	return out, err
}

func (r *retryEmbedder) Dimension() int  { return r.inner.Dimension() }
func (r *retryEmbedder) ModelID() string { return r.inner.ModelID() }

// RetryGenerator wraps a Generator with the retry policy.
func RetryGenerator(inner Generator, policy RetryPolicy) Generator {
	return &retryGenerator{inner: inner, policy: policy.normalized()}
}

type retryGenerator struct {
	inner  Generator
	policy RetryPolicy
}

func (r *retryGenerator) Complete(ctx context.Context, system, user string) (string, error) {
	var out string
	err := withRetry(ctx, r.policy, func() error {
		var callErr error
		out, callErr = r.inner.Complete(ctx, system, user)
		return callErr
	})
	return out, err
}

func withRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt+1 >= policy.MaxAttempts || !isRetryable(err) {
			return err
		}

		delay := policy.BaseDelay << attempt
		var pe *Error
		if errors.As(err, &pe) && pe.RetryAfter > delay {
			delay = pe.RetryAfter
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrEmptyInput) {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
