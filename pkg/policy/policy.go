// Package policy implements the Policy Engine (C3): evaluating
// (agent, tool, action, params) against an agent's active policies.
// Grounded on the teacher's pkg/pdp (fail-closed PDP contract, JCS decision
// hashing) and pkg/governance/policy_evaluator_cel.go (cached CEL program
// evaluation), generalized from module-activation policy to per-call
// scope/guard/intent policy.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/gowebpki/jcs"
)

// Guards bounds a policy's allowances beyond plain scope matching.
type Guards struct {
	AllowedDomains []string       `json:"allowedDomains,omitempty"`
	MaxRequestSize int            `json:"maxRequestSize,omitempty"`
	Quotas         map[string]int `json:"quotas,omitempty"`
}

// Spec is a Policy's structured body (spec.md §3).
type Spec struct {
	Scopes []string `json:"scopes"`
	Intent string   `json:"intent,omitempty"`
	Guards Guards   `json:"guards,omitempty"`
}

// Policy is one named, versioned permission grant for an agent.
type Policy struct {
	ID       string
	AgentID  string
	Name     string
	Spec     Spec
	SpecHash string
	Active   bool
}

// Request is the input to an evaluation.
type Request struct {
	AgentID    string
	Tool       string
	Action     string
	Params     map[string]any
	TargetHost string // set by the pipeline when the tool is network-bound
}

// Deny reason codes, matching spec.md §4.2 exactly.
const (
	ReasonNoScope       = "no_scope"
	ReasonDomainBlocked = "domain_blocked"
	ReasonSizeExceeded  = "size_exceeded"
	ReasonNoPolicy      = "no_policy"
	ReasonIntentDenied  = "intent_denied"
)

// Decision is the evaluation outcome.
type Decision struct {
	Allow  bool
	Reason string
}

// Store supplies the active policies for an agent. Implemented by
// pkg/store (MemoryPolicyStore/PostgresPolicyStore).
type Store interface {
	ActivePolicies(ctx context.Context, agentID string) ([]Policy, error)
}

// Engine evaluates requests against an agent's active policies. Fail-closed:
// a store error or absence of any matching scope always denies.
type Engine struct {
	store Store

	celEnv   *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEngine builds a policy Engine backed by store. An error building the
// CEL environment is returned; intent expressions are compiled lazily on
// first evaluation, and one that fails to compile denies the request.
func NewEngine(store Store) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("params", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: new cel env: %w", err)
	}
	return &Engine{
		store:    store,
		celEnv:   env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs the algorithm of spec.md §4.2: scope match is required
// first, then guards, then an optional CEL intent expression that can only
// narrow, never widen, an already-allowed decision.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	policies, err := e.store.ActivePolicies(ctx, req.AgentID)
	if err != nil {
		return Decision{Allow: false, Reason: ReasonNoPolicy}, err
	}
	if len(policies) == 0 {
		return Decision{Allow: false, Reason: ReasonNoPolicy}, nil
	}

	scopeKey := req.Tool + ":" + req.Action

	var matched *Policy
	for i := range policies {
		p := &policies[i]
		if !p.Active {
			continue
		}
		for _, s := range p.Spec.Scopes {
			if s == scopeKey {
				matched = p
				break
			}
		}
		if matched != nil {
			break
		}
	}
	if matched == nil {
		return Decision{Allow: false, Reason: ReasonNoScope}, nil
	}

	if len(matched.Spec.Guards.AllowedDomains) > 0 && req.TargetHost != "" {
		if !domainAllowed(req.TargetHost, matched.Spec.Guards.AllowedDomains) {
			return Decision{Allow: false, Reason: ReasonDomainBlocked}, nil
		}
	}

	if matched.Spec.Guards.MaxRequestSize > 0 {
		canonical, err := canonicalizeParams(req.Params)
		if err != nil {
			return Decision{Allow: false, Reason: ReasonSizeExceeded}, err
		}
		if len(canonical) > matched.Spec.Guards.MaxRequestSize {
			return Decision{Allow: false, Reason: ReasonSizeExceeded}, nil
		}
	}

	if matched.Spec.Intent != "" {
		allowed, err := e.evalIntent(matched.Spec.Intent, req)
		if err != nil {
			// Fail closed: an intent expression that cannot be evaluated
			// denies the request rather than falling back to scope-only.
			return Decision{Allow: false, Reason: ReasonIntentDenied}, err
		}
		if !allowed {
			return Decision{Allow: false, Reason: ReasonIntentDenied}, nil
		}
	}

	return Decision{Allow: true}, nil
}

// domainAllowed allows exact match or suffix match against any configured
// domain, per spec.md §4.2 ("suffix match allowed explicitly").
func domainAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

func canonicalizeParams(params map[string]any) ([]byte, error) {
	if params == nil {
		return []byte("{}"), nil
	}
	raw, err := jcsMarshal(params)
	if err != nil {
		return nil, fmt.Errorf("policy: canonicalize params: %w", err)
	}
	return raw, nil
}

// jcsMarshal produces RFC 8785 canonical JSON via gowebpki/jcs, which
// canonicalizes an already-marshaled JSON document rather than a Go value
// directly.
func jcsMarshal(v map[string]any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func (e *Engine) evalIntent(expr string, req Request) (bool, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.prgCache[expr]; !hit {
			ast, issues := e.celEnv.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("policy: compile intent: %w", issues.Err())
			}
			p, err := e.celEnv.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("policy: program intent: %w", err)
			}
			e.prgCache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{
		"tool":    req.Tool,
		"action":  req.Action,
		"params":  req.Params,
		"context": map[string]any{"agent_id": req.AgentID},
	})
	if err != nil {
		return false, fmt.Errorf("policy: eval intent: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: intent result not bool")
	}
	return val, nil
}

// SpecHash computes the content-addressed hash of a policy spec using JCS
// canonicalization, stored alongside the policy for audit/comparison
// (spec.md §3's spec_hash field).
func SpecHash(spec Spec) (string, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("policy: marshal spec: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("policy: jcs transform: %w", err)
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
