package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerogate/gateway/pkg/policy"
)

type fakeStore struct {
	policies map[string][]policy.Policy
}

func (f *fakeStore) ActivePolicies(_ context.Context, agentID string) ([]policy.Policy, error) {
	return f.policies[agentID], nil
}

func TestEngine_Evaluate_AllowsOnScopeMatch(t *testing.T) {
	store := &fakeStore{policies: map[string][]policy.Policy{
		"agent-1": {{
			AgentID: "agent-1",
			Active:  true,
			Spec:    policy.Spec{Scopes: []string{"serpapi:search"}},
		}},
	}}
	engine, err := policy.NewEngine(store)
	require.NoError(t, err)

	d, err := engine.Evaluate(context.Background(), policy.Request{
		AgentID: "agent-1", Tool: "serpapi", Action: "search",
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestEngine_Evaluate_DeniesWithoutScope(t *testing.T) {
	store := &fakeStore{policies: map[string][]policy.Policy{
		"agent-1": {{
			AgentID: "agent-1",
			Active:  true,
			Spec:    policy.Spec{Scopes: []string{"serpapi:search"}},
		}},
	}}
	engine, err := policy.NewEngine(store)
	require.NoError(t, err)

	d, err := engine.Evaluate(context.Background(), policy.Request{
		AgentID: "agent-1", Tool: "gmail_send", Action: "send",
	})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, policy.ReasonNoScope, d.Reason)
}

func TestEngine_Evaluate_NoPolicyDenies(t *testing.T) {
	store := &fakeStore{policies: map[string][]policy.Policy{}}
	engine, err := policy.NewEngine(store)
	require.NoError(t, err)

	d, err := engine.Evaluate(context.Background(), policy.Request{
		AgentID: "ghost", Tool: "serpapi", Action: "search",
	})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, policy.ReasonNoPolicy, d.Reason)
}

func TestEngine_Evaluate_DomainBlocked(t *testing.T) {
	store := &fakeStore{policies: map[string][]policy.Policy{
		"agent-1": {{
			AgentID: "agent-1",
			Active:  true,
			Spec: policy.Spec{
				Scopes: []string{"http_fetch:get"},
				Guards: policy.Guards{AllowedDomains: []string{"example.com"}},
			},
		}},
	}}
	engine, err := policy.NewEngine(store)
	require.NoError(t, err)

	d, err := engine.Evaluate(context.Background(), policy.Request{
		AgentID: "agent-1", Tool: "http_fetch", Action: "get", TargetHost: "evil.org",
	})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, policy.ReasonDomainBlocked, d.Reason)
}

func TestEngine_Evaluate_DomainSuffixMatchAllowed(t *testing.T) {
	store := &fakeStore{policies: map[string][]policy.Policy{
		"agent-1": {{
			AgentID: "agent-1",
			Active:  true,
			Spec: policy.Spec{
				Scopes: []string{"http_fetch:get"},
				Guards: policy.Guards{AllowedDomains: []string{"example.com"}},
			},
		}},
	}}
	engine, err := policy.NewEngine(store)
	require.NoError(t, err)

	d, err := engine.Evaluate(context.Background(), policy.Request{
		AgentID: "agent-1", Tool: "http_fetch", Action: "get", TargetHost: "api.example.com",
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestEngine_Evaluate_SizeExceeded(t *testing.T) {
	store := &fakeStore{policies: map[string][]policy.Policy{
		"agent-1": {{
			AgentID: "agent-1",
			Active:  true,
			Spec: policy.Spec{
				Scopes: []string{"serpapi:search"},
				Guards: policy.Guards{MaxRequestSize: 10},
			},
		}},
	}}
	engine, err := policy.NewEngine(store)
	require.NoError(t, err)

	d, err := engine.Evaluate(context.Background(), policy.Request{
		AgentID: "agent-1", Tool: "serpapi", Action: "search",
		Params: map[string]any{"query": "a very long query string exceeding the limit"},
	})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, policy.ReasonSizeExceeded, d.Reason)
}

func TestEngine_Evaluate_IntentNarrowsAllow(t *testing.T) {
	store := &fakeStore{policies: map[string][]policy.Policy{
		"agent-1": {{
			AgentID: "agent-1",
			Active:  true,
			Spec: policy.Spec{
				Scopes: []string{"serpapi:search"},
				Intent: `params.query != "forbidden"`,
			},
		}},
	}}
	engine, err := policy.NewEngine(store)
	require.NoError(t, err)

	allowed, err := engine.Evaluate(context.Background(), policy.Request{
		AgentID: "agent-1", Tool: "serpapi", Action: "search",
		Params: map[string]any{"query": "weather"},
	})
	require.NoError(t, err)
	assert.True(t, allowed.Allow)

	denied, err := engine.Evaluate(context.Background(), policy.Request{
		AgentID: "agent-1", Tool: "serpapi", Action: "search",
		Params: map[string]any{"query": "forbidden"},
	})
	require.NoError(t, err)
	assert.False(t, denied.Allow)
	assert.Equal(t, policy.ReasonIntentDenied, denied.Reason)
}

func TestSpecHash_DeterministicForEqualSpecs(t *testing.T) {
	h1, err := policy.SpecHash(policy.Spec{Scopes: []string{"a:b", "c:d"}})
	require.NoError(t, err)
	h2, err := policy.SpecHash(policy.Spec{Scopes: []string{"a:b", "c:d"}})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
