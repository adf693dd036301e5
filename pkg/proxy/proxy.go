// Package proxy implements the Proxy Pipeline (C10): the strict 15-step
// request pipeline of spec.md §4.9, orchestrating every other component.
// Grounded on the teacher's cmd/helm proxy command's ordered governance
// steps (validate -> policy -> budget -> govern -> receipt) and
// pkg/guardian/guardian.go's fail-closed, optional-component orchestration
// style, generalized to the gateway's concrete 15 steps.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zerogate/gateway/pkg/adapter"
	"github.com/zerogate/gateway/pkg/breaker"
	"github.com/zerogate/gateway/pkg/cache"
	"github.com/zerogate/gateway/pkg/chaos"
	"github.com/zerogate/gateway/pkg/cipher"
	"github.com/zerogate/gateway/pkg/idempotency"
	"github.com/zerogate/gateway/pkg/identity"
	"github.com/zerogate/gateway/pkg/metrics"
	"github.com/zerogate/gateway/pkg/policy"
	"github.com/zerogate/gateway/pkg/ratelimit"
	"github.com/zerogate/gateway/pkg/retry"
	"github.com/zerogate/gateway/pkg/secrets"
	"github.com/zerogate/gateway/pkg/telemetry"
)

// Kind is a stable machine error reason from spec.md §7's taxonomy.
type Kind string

const (
	KindBadRequest          Kind = "bad_request"
	KindInvalidToken        Kind = "invalid_token"
	KindExpired             Kind = "expired"
	KindUnknownAgent        Kind = "unknown_agent"
	KindDisabled            Kind = "disabled"
	KindPolicyDenied        Kind = "policy_denied"
	KindRateLimited         Kind = "rate_limited"
	KindIdempotencyConflict Kind = "idempotency_conflict"
	KindValidationError     Kind = "validation_error"
	KindBreakerOpen         Kind = "breaker_open"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindUpstreamError       Kind = "upstream_error"
	KindSecretUnavailable   Kind = "secret_unavailable"
	KindInternal            Kind = "internal"
)

// HTTPStatus maps a Kind to its spec.md §7 status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindInvalidToken, KindExpired:
		return http.StatusUnauthorized
	case KindUnknownAgent, KindDisabled, KindPolicyDenied:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindIdempotencyConflict:
		return http.StatusConflict
	case KindValidationError:
		return http.StatusUnprocessableEntity
	case KindBreakerOpen:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindSecretUnavailable, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a structured pipeline failure.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string { return string(e.Kind) }

// Request is one /api/proxy-request invocation.
type Request struct {
	Token          string
	Tool           string
	Action         string
	Params         map[string]any
	TargetHost     string
	IdempotencyKey string // optional, from the Idempotency-Key header
	RawBody        []byte // the raw request body, for idempotency body-hash comparison
	CorrelationID  string
}

// Result is the pipeline's successful outcome.
type Result struct {
	Status              int
	Body                []byte
	RotationRecommended bool
	TokenExpiresAt      time.Time
}

// Pipeline wires every component into the ordered steps of spec.md §4.9.
// Chaos, Metrics, Telemetry, Cache and Breakers may be nil (the step they
// serve is skipped), and a nil ToolSecrets means no secret is resolved for
// any tool; every other field is required.
type Pipeline struct {
	Identity    *identity.Service
	Policy      *policy.Engine
	RateLimiter ratelimit.Limiter
	Idempotency idempotency.Store
	Cache       *cache.Cache
	Breakers    *breaker.Registry
	Secrets     secrets.Provider
	Adapter     adapter.Adapter
	Retry       *retry.Executor
	Chaos       *chaos.Injector
	Metrics     *metrics.Metrics
	Telemetry   telemetry.Sink

	CacheEnabled    bool
	BreakersEnabled bool

	RateLimitPerAgent int
	RateLimitWindow   time.Duration

	// ToolSecrets maps "tool" to the secrets.Provider key required to call
	// it. A tool absent from this map needs no secret.
	ToolSecrets map[string]string

	// ToolTimeouts maps "tool" to its adapter call deadline; DefaultTimeout
	// applies to any tool not listed.
	ToolTimeouts   map[string]time.Duration
	DefaultTimeout time.Duration

	// CacheTTLs maps "tool:action" to its response cache TTL; a pair with
	// no entry uses DefaultCacheTTL, and a TTL of 0 means the response is
	// never cached.
	CacheTTLs       map[string]time.Duration
	DefaultCacheTTL time.Duration
}

func (p *Pipeline) cacheTTL(tool, action string) time.Duration {
	if ttl, ok := p.CacheTTLs[tool+":"+action]; ok {
		return ttl
	}
	return p.DefaultCacheTTL
}

func (p *Pipeline) toolTimeout(tool string) time.Duration {
	if d, ok := p.ToolTimeouts[tool]; ok {
		return d
	}
	if p.DefaultTimeout > 0 {
		return p.DefaultTimeout
	}
	return 6 * time.Second
}

// Execute runs the full 15-step pipeline for req, returning a Result on
// success or an *Error carrying a stable machine reason on failure.
// Unexpected (non-business) errors are returned unwrapped.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Result, error) {
	// Step 2-3: validate token, resolve agent, check status.
	val, err := p.Identity.Validate(ctx, req.Token, time.Now())
	if err != nil {
		return nil, p.classifyIdentityErr(err)
	}
	agentID := val.Agent.ID

	// Step 4: policy evaluation.
	// Evaluate is fail-closed: a store or intent-eval error still returns a
	// Decision with Allow=false and the appropriate reason, so a non-nil
	// err here never needs separate handling.
	decision, _ := p.Policy.Evaluate(ctx, policy.Request{
		AgentID:    agentID,
		Tool:       req.Tool,
		Action:     req.Action,
		Params:     req.Params,
		TargetHost: req.TargetHost,
	})
	if !decision.Allow {
		if p.Metrics != nil {
			p.Metrics.PolicyDenialsTotal.WithLabelValues(req.Tool, req.Action, decision.Reason).Inc()
		}
		return nil, &Error{Kind: KindPolicyDenied, Detail: decision.Reason}
	}

	// Step 5: rate limit.
	rlResult, err := p.RateLimiter.Allow(ctx, agentID, p.RateLimitPerAgent, p.RateLimitWindow)
	if err != nil {
		return nil, fmt.Errorf("proxy: rate limiter: %w", err)
	}
	if !rlResult.Allowed {
		if p.Metrics != nil {
			p.Metrics.RateLimitHitsTotal.WithLabelValues(agentID).Inc()
		}
		return nil, &Error{Kind: KindRateLimited, Detail: rlResult.RetryAfter.String()}
	}

	// Steps 7-13 run inside process, so an idempotency hit (step 6) skips
	// them entirely and replays the stored outcome instead.
	process := func() (int, []byte, error) {
		return p.runCacheThroughAdapter(ctx, agentID, req)
	}

	var status int
	var body []byte
	if req.IdempotencyKey != "" {
		status, body, err = idempotency.Check(ctx, p.Idempotency, req.IdempotencyKey, req.RawBody, process)
		if err != nil {
			var conflict *idempotency.ConflictError
			if errors.As(err, &conflict) {
				return nil, &Error{Kind: KindIdempotencyConflict, Detail: conflict.Error()}
			}
			if isInvalidKeyErr(err) {
				return nil, &Error{Kind: KindValidationError, Detail: err.Error()}
			}
			return nil, err
		}
	} else {
		status, body, err = process()
		if err != nil {
			return nil, err
		}
	}

	// Step 14: request metrics.
	if p.Metrics != nil {
		p.Metrics.RequestsTotal.WithLabelValues(req.Tool, req.Action, statusLabel(status)).Inc()
	}

	// Step 15: rotation hint.
	return &Result{
		Status:              status,
		Body:                body,
		RotationRecommended: val.RotationRecommended,
		TokenExpiresAt:      val.Payload.ExpiresAt,
	}, nil
}

// runCacheThroughAdapter implements steps 7-13: cache lookup, breaker gate,
// secret resolution, retry-wrapped adapter invocation, breaker update, and
// cache store. Cacheable calls go through Cache.GetOrLoad so concurrent
// misses for the same key coalesce into a single adapter call (spec.md
// §4.4/§5/§9) instead of each racing invoke independently.
func (p *Pipeline) runCacheThroughAdapter(ctx context.Context, agentID string, req Request) (int, []byte, error) {
	ttl := p.cacheTTL(req.Tool, req.Action)
	cacheable := p.CacheEnabled && p.Cache != nil && ttl > 0

	invoke := func() (int, []byte, error) {
		start := time.Now()
		status, body, err := p.invoke(ctx, req)
		if p.Metrics != nil {
			p.Metrics.RequestDuration.WithLabelValues(req.Tool, req.Action).Observe(float64(time.Since(start).Milliseconds()))
		}
		return status, body, err
	}

	if !cacheable {
		return invoke()
	}

	cacheKey, err := cache.Key(agentID, req.Tool, req.Action, req.Params)
	if err != nil {
		return invoke()
	}

	hit := true
	entry, err := p.Cache.GetOrLoad(cacheKey, ttl, func() (cache.Entry, error) {
		hit = false
		status, body, err := invoke()
		if err != nil {
			return cache.Entry{}, err
		}
		return cache.Entry{Status: status, Body: body}, nil
	})
	if err != nil {
		return 0, nil, err
	}

	if !hit {
		if entry.Status >= 500 {
			// Never cache a server error; GetOrLoad already stored it once
			// to share with any coalesced waiters, so undo that store now.
			p.Cache.Delete(cacheKey)
		}
		if p.Metrics != nil {
			p.Metrics.CacheMissesTotal.Inc()
		}
	} else if p.Metrics != nil {
		p.Metrics.CacheHitsTotal.Inc()
	}

	return entry.Status, entry.Body, nil
}

// invoke performs steps 8-11: breaker gate, secret resolution, retry-wrapped
// adapter call, and breaker outcome update.
func (p *Pipeline) invoke(ctx context.Context, req Request) (int, []byte, error) {
	if p.BreakersEnabled && p.Breakers != nil {
		if !p.Breakers.Allow(req.Tool) {
			if p.Metrics != nil {
				p.Metrics.BreakerFastfailTotal.WithLabelValues(req.Tool).Inc()
			}
			return 0, nil, &Error{Kind: KindBreakerOpen}
		}
	}

	var secret string
	if key, ok := p.ToolSecrets[req.Tool]; ok {
		var err error
		secret, err = p.Secrets.Resolve(ctx, key)
		if err != nil {
			return 0, nil, &Error{Kind: KindSecretUnavailable, Detail: err.Error()}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.toolTimeout(req.Tool))
	defer cancel()

	if p.Telemetry != nil {
		p.Telemetry.RecordSpan(ctx, req.CorrelationID, "adapter_call_start", map[string]any{"tool": req.Tool, "action": req.Action})
	}

	var resp adapter.Response
	outcome, callErr := p.Retry.Do(callCtx, req.Tool, req.Action, func(attemptCtx context.Context) (retry.Outcome, error) {
		if p.Chaos != nil {
			if faultOutcome, err := p.Chaos.Apply(attemptCtx, req.Tool); err != nil {
				return retry.OutcomeNetwork, err
			} else if faultOutcome == chaos.OutcomeTimeout {
				return retry.OutcomeTimeout, fmt.Errorf("proxy: chaos-injected timeout")
			} else if faultOutcome == chaos.OutcomeServerError {
				resp = adapter.Response{Status: http.StatusInternalServerError}
				return retry.OutcomeServerError, nil
			}
		}

		r, err := p.Adapter.Invoke(attemptCtx, req.Tool, req.Action, req.Params, secret)
		if err != nil {
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				return retry.OutcomeTimeout, err
			}
			return retry.OutcomeNetwork, err
		}
		resp = r
		if r.Status >= 500 {
			return retry.OutcomeServerError, nil
		}
		return retry.OutcomeSuccess, nil
	})

	if p.Telemetry != nil {
		p.Telemetry.RecordEvent(ctx, req.CorrelationID, "adapter_call_end", map[string]any{"tool": req.Tool, "outcome": string(outcome)})
	}

	if p.BreakersEnabled && p.Breakers != nil {
		if outcome == retry.OutcomeSuccess {
			p.Breakers.Success(req.Tool)
		} else {
			p.Breakers.Failure(req.Tool)
		}
	}

	if p.Metrics != nil {
		p.Metrics.RetriesTotal.WithLabelValues(req.Tool, req.Action, string(outcome)).Inc()
	}

	switch outcome {
	case retry.OutcomeSuccess:
		return resp.Status, resp.Body, nil
	case retry.OutcomeTimeout:
		return 0, nil, &Error{Kind: KindUpstreamTimeout, Detail: errString(callErr)}
	default:
		return 0, nil, &Error{Kind: KindUpstreamError, Detail: errString(callErr)}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func statusLabel(status int) string {
	return fmt.Sprintf("%d", status)
}

// classifyIdentityErr maps a Validate error to the stable machine reason
// spec.md §7 requires: unknown_agent/disabled come from the store-backed
// check, everything else (malformed/signature/expiry) comes from the codec.
func (p *Pipeline) classifyIdentityErr(err error) error {
	var ve *identity.ValidationError
	if errors.As(err, &ve) {
		switch ve.Reason {
		case identity.ReasonUnknownAgent:
			return &Error{Kind: KindUnknownAgent}
		case identity.ReasonDisabled:
			return &Error{Kind: KindDisabled}
		}
	}

	var cve *cipher.ValidationError
	if errors.As(err, &cve) {
		switch cve.Reason {
		case cipher.ReasonExpired:
			if p.Metrics != nil {
				p.Metrics.TokenExpirationsTotal.Inc()
			}
			return &Error{Kind: KindExpired}
		default:
			return &Error{Kind: KindInvalidToken, Detail: cve.Reason}
		}
	}

	return fmt.Errorf("proxy: validate token: %w", err)
}

func isInvalidKeyErr(err error) bool {
	// idempotency.Check returns a plain fmt.Errorf for a syntactically
	// invalid key; there is no sentinel to wrap since it never reaches a
	// store call. Prefix match is acceptable here: this is an
	// implementation-detail fallback, not a public contract.
	const prefix = "idempotency: invalid key"
	return err != nil && len(err.Error()) >= len(prefix) && err.Error()[:len(prefix)] == prefix
}
