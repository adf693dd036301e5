package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerogate/gateway/pkg/cipher"
	"github.com/zerogate/gateway/pkg/identity"
	"github.com/zerogate/gateway/pkg/store"
)

func newTestService(t *testing.T) (*identity.Service, store.AgentStore) {
	t.Helper()
	gwKP, err := cipher.GenerateKeyPair()
	require.NoError(t, err)
	codec := cipher.NewCodec(gwKP.Private, "test-secret", "")
	agents := store.NewMemoryAgentStore()
	return identity.NewService(codec, agents, nil), agents
}

func TestService_RegisterAgent_ReturnsPrivateKeyOnce(t *testing.T) {
	svc, agents := newTestService(t)

	res, err := svc.RegisterAgent(context.Background(), "planner", "agent", "admin")
	require.NoError(t, err)
	assert.NotEmpty(t, res.AgentID)
	assert.Contains(t, res.PrivateKey, "RSA PRIVATE KEY")

	a, err := agents.Get(context.Background(), res.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "planner", a.Name)
	assert.Equal(t, store.AgentActive, a.Status)
}

func TestService_RegisterAgent_RequiresNameAndRole(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RegisterAgent(context.Background(), "", "agent", "admin")
	assert.Error(t, err)
	_, err = svc.RegisterAgent(context.Background(), "planner", "", "admin")
	assert.Error(t, err)
}

func TestService_IssueAndValidate_RoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	reg, err := svc.RegisterAgent(context.Background(), "planner", "agent", "admin")
	require.NoError(t, err)

	token, err := svc.IssueToken(context.Background(), reg.AgentID, []string{"serpapi"}, []string{"read"}, time.Now().Add(15*time.Minute))
	require.NoError(t, err)

	result, err := svc.Validate(context.Background(), token, time.Now())
	require.NoError(t, err)
	assert.Equal(t, reg.AgentID, result.Payload.AgentID)
	assert.False(t, result.RotationRecommended)
}

func TestService_IssueToken_UnknownAgentFails(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.IssueToken(context.Background(), "does-not-exist", nil, nil, time.Now().Add(time.Hour))
	require.Error(t, err)
	var ve *identity.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, identity.ReasonUnknownAgent, ve.Reason)
}

func TestService_IssueToken_DisabledAgentFails(t *testing.T) {
	svc, agents := newTestService(t)
	reg, err := svc.RegisterAgent(context.Background(), "planner", "agent", "admin")
	require.NoError(t, err)
	require.NoError(t, agents.SetStatus(context.Background(), reg.AgentID, store.AgentDisabled))

	_, err = svc.IssueToken(context.Background(), reg.AgentID, nil, nil, time.Now().Add(time.Hour))
	require.Error(t, err)
	var ve *identity.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, identity.ReasonDisabled, ve.Reason)
}

func TestService_IssueToken_RejectsPastExpiry(t *testing.T) {
	svc, _ := newTestService(t)
	reg, err := svc.RegisterAgent(context.Background(), "planner", "agent", "admin")
	require.NoError(t, err)

	_, err = svc.IssueToken(context.Background(), reg.AgentID, nil, nil, time.Now().Add(-time.Minute))
	assert.Error(t, err)
}

func TestService_IssueToken_RejectsExcessiveLifetime(t *testing.T) {
	svc, _ := newTestService(t)
	reg, err := svc.RegisterAgent(context.Background(), "planner", "agent", "admin")
	require.NoError(t, err)

	_, err = svc.IssueToken(context.Background(), reg.AgentID, nil, nil, time.Now().Add(48*time.Hour))
	assert.Error(t, err)
}

func TestService_Validate_DisabledAgentFailsEvenWithValidToken(t *testing.T) {
	svc, agents := newTestService(t)
	reg, err := svc.RegisterAgent(context.Background(), "planner", "agent", "admin")
	require.NoError(t, err)
	token, err := svc.IssueToken(context.Background(), reg.AgentID, []string{"serpapi"}, nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, agents.SetStatus(context.Background(), reg.AgentID, store.AgentDisabled))

	_, err = svc.Validate(context.Background(), token, time.Now())
	require.Error(t, err)
	var ve *identity.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, identity.ReasonDisabled, ve.Reason)
}

func TestService_Validate_NearExpiryRecommendsRotation(t *testing.T) {
	svc, _ := newTestService(t)
	reg, err := svc.RegisterAgent(context.Background(), "planner", "agent", "admin")
	require.NoError(t, err)
	token, err := svc.IssueToken(context.Background(), reg.AgentID, []string{"serpapi"}, nil, time.Now().Add(5*time.Minute))
	require.NoError(t, err)

	result, err := svc.Validate(context.Background(), token, time.Now())
	require.NoError(t, err)
	assert.True(t, result.RotationRecommended)
}

func TestService_Validate_ExpiredTokenFails(t *testing.T) {
	svc, _ := newTestService(t)
	reg, err := svc.RegisterAgent(context.Background(), "planner", "agent", "admin")
	require.NoError(t, err)
	token, err := svc.IssueToken(context.Background(), reg.AgentID, []string{"serpapi"}, nil, time.Now().Add(time.Second))
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), token, time.Now().Add(2*time.Second))
	require.Error(t, err)
	var ve *cipher.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, cipher.ReasonExpired, ve.Reason)
}
