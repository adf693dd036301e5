// Package retry implements the Retry Executor (C7): bounded retries with
// exponential backoff and jitter for idempotent tool calls (spec.md §4.6).
// Grounded on the teacher's pkg/util/resiliency/client.go EnhancedClient.Do
// backoff/jitter loop, generalized from a fixed global retry loop to a
// per-(tool,action) whitelist and a pluggable failure classifier.
package retry

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// Outcome classifies why a call attempt failed, matching spec.md §4.6's
// retryable set.
type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeTimeout             Outcome = "timeout"
	OutcomeNetwork             Outcome = "network"
	OutcomeServerError         Outcome = "5xx"
	OutcomeBreakerProbeFailed  Outcome = "breaker_probe_failed"
	OutcomeNonRetryable        Outcome = "non_retryable"
)

var retryableOutcomes = map[Outcome]bool{
	OutcomeTimeout:            true,
	OutcomeNetwork:            true,
	OutcomeServerError:        true,
	OutcomeBreakerProbeFailed: true,
}

// Policy tunes the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy matches spec.md §4.6's defaults: up to 3 attempts, base *
// 2^attempt ms backoff plus U(0, base) jitter.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}
}

// Attempt is one call outcome returned by the wrapped function.
type Attempt struct {
	Outcome Outcome
	Err     error
}

// Idempotent reports whether (tool, action) is on the retry allowlist.
// spec.md §4.6 requires an explicit whitelist: a pair absent from it is
// never retried, so an upstream write call the author never anticipated
// is never retried by default.
type Idempotent func(tool, action string) bool

// NewAllowlist builds an Idempotent from an explicit set of known-
// idempotent "tool:action" pairs, configurable the same way
// proxy.Pipeline.CacheTTLs is. A pair absent from allowed is non-retryable.
func NewAllowlist(allowed map[string]bool) Idempotent {
	return func(tool, action string) bool {
		return allowed[tool+":"+action]
	}
}

// defaultIdempotentPairs lists the tool actions known to be safe reads;
// write actions like gmail_send:send are deliberately absent.
var defaultIdempotentPairs = map[string]bool{
	"serpapi:search": true,
	"http_fetch:get": true,
}

// DefaultIdempotent is the gateway's baked-in allowlist, per
// defaultIdempotentPairs.
var DefaultIdempotent = NewAllowlist(defaultIdempotentPairs)

// Executor runs a call function with bounded retries and backoff+jitter.
type Executor struct {
	policy     Policy
	idempotent Idempotent
}

// New builds an Executor.
func New(policy Policy, idempotent Idempotent) *Executor {
	return &Executor{policy: policy, idempotent: idempotent}
}

// Do invokes call up to MaxAttempts times for idempotent (tool, action)
// pairs, or exactly once otherwise. It stops retrying once ctx's deadline
// would be exceeded by the next attempt (spec.md §5: "no retry past
// deadline"). The final attempt's outcome and error are returned unchanged.
func (e *Executor) Do(ctx context.Context, tool, action string, call func(context.Context) (Outcome, error)) (Outcome, error) {
	maxAttempts := 1
	if e.idempotent(tool, action) {
		maxAttempts = e.policy.MaxAttempts
	}

	var lastOutcome Outcome
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return lastOutcome, ctx.Err()
		}

		outcome, err := call(ctx)
		lastOutcome, lastErr = outcome, err

		if outcome == OutcomeSuccess || !retryableOutcomes[outcome] {
			return outcome, err
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay, err := backoffDelay(e.policy.BaseDelay, attempt)
		if err != nil {
			return lastOutcome, lastErr
		}

		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return lastOutcome, ctx.Err()
		}
	}

	return lastOutcome, lastErr
}

// backoffDelay computes base * 2^attempt plus jitter uniform in [0, base),
// using crypto/rand for jitter like the teacher's resiliency client does.
func backoffDelay(base time.Duration, attempt int) (time.Duration, error) {
	backoff := base << attempt
	jitterMax := int64(base)
	if jitterMax <= 0 {
		return backoff, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(jitterMax))
	if err != nil {
		return backoff, err
	}
	return backoff + time.Duration(n.Int64()), nil
}
