// Package identity implements the Token Service (C11): agent registration,
// token issuance, token validation, and rotation hints (spec.md §4.1,
// §4.10). It orchestrates pkg/cipher (the codec) and pkg/store (Agent
// persistence) the way the teacher's pkg/connector packages sit on top of
// pkg/credentials and a Storage interface rather than reimplementing
// either concern.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zerogate/gateway/pkg/cipher"
	"github.com/zerogate/gateway/pkg/metrics"
	"github.com/zerogate/gateway/pkg/store"
)

// Reason constants for identity-level failures not already covered by
// cipher.ValidationError (spec.md §7's error taxonomy).
const (
	ReasonUnknownAgent = "unknown_agent"
	ReasonDisabled     = "disabled"
)

// ValidationError carries a stable machine reason, matching
// cipher.ValidationError's shape so callers can type-switch uniformly.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// RotationThreshold is the default window before expiry at which a
// rotation hint is surfaced (spec.md §4.1).
const RotationThreshold = 10 * time.Minute

// MaxTokenLifetime bounds how far in the future expires_at may be set at
// issuance time.
const MaxTokenLifetime = 24 * time.Hour

// Service orchestrates agent registration and the token lifecycle.
type Service struct {
	codec             *cipher.Codec
	agents            store.AgentStore
	metrics           *metrics.Metrics
	rotationThreshold time.Duration
	maxTokenLifetime  time.Duration
}

// NewService builds a Service. m may be nil in tests that don't assert on
// metrics.
func NewService(codec *cipher.Codec, agents store.AgentStore, m *metrics.Metrics) *Service {
	return &Service{
		codec:             codec,
		agents:            agents,
		metrics:           m,
		rotationThreshold: RotationThreshold,
		maxTokenLifetime:  MaxTokenLifetime,
	}
}

// RegistrationResult is returned exactly once at registration time; the
// private key is never persisted or retrievable again (spec.md §3).
type RegistrationResult struct {
	AgentID    string
	PrivateKey string // PKCS#1 PEM
}

// RegisterAgent validates name/role, generates a keypair, persists the
// Agent with its public key, and returns the private key for the caller to
// hold (spec.md §4.10).
func (s *Service) RegisterAgent(ctx context.Context, name, role, createdBy string) (*RegistrationResult, error) {
	if name == "" {
		return nil, fmt.Errorf("identity: name is required")
	}
	if role == "" {
		return nil, fmt.Errorf("identity: role is required")
	}

	kp, err := cipher.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	agent := store.Agent{
		ID:        uuid.NewString(),
		Name:      name,
		Role:      role,
		Status:    store.AgentActive,
		PublicKey: kp.Public,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.agents.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("identity: persist agent: %w", err)
	}

	return &RegistrationResult{
		AgentID:    agent.ID,
		PrivateKey: cipher.EncodePrivateKeyPEM(kp.Private),
	}, nil
}

// IssueToken validates that the agent exists and is active, then issues a
// token carrying tools/permissions and expiresAt (spec.md §4.1). expiresAt
// must be strictly in the future and no further out than maxTokenLifetime.
func (s *Service) IssueToken(ctx context.Context, agentID string, tools, permissions []string, expiresAt time.Time) (string, error) {
	agent, err := s.agents.Get(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return "", &ValidationError{Reason: ReasonUnknownAgent}
	}
	if err != nil {
		return "", fmt.Errorf("identity: lookup agent: %w", err)
	}
	if agent.Status != store.AgentActive {
		return "", &ValidationError{Reason: ReasonDisabled}
	}

	now := time.Now()
	if !expiresAt.After(now) {
		return "", fmt.Errorf("identity: expires_at must be in the future")
	}
	if expiresAt.After(now.Add(s.maxTokenLifetime)) {
		return "", fmt.Errorf("identity: expires_at exceeds max token lifetime of %s", s.maxTokenLifetime)
	}

	token, err := s.codec.Issue(cipher.Payload{
		AgentID:     agent.ID,
		AgentName:   agent.Name,
		Tools:       tools,
		Permissions: permissions,
		ExpiresAt:   expiresAt,
		IssuedAt:    now,
	})
	if err != nil {
		return "", err
	}

	if s.metrics != nil {
		s.metrics.TokenGenerationsTotal.WithLabelValues(agent.ID).Inc()
	}
	return token, nil
}

// ValidationResult is the outcome of a successful token validation.
type ValidationResult struct {
	Payload             *cipher.Payload
	Agent               *store.Agent
	RotationRecommended bool
}

// Validate runs the codec's cryptographic/expiry checks, then the
// store-backed agent-existence/status check (spec.md §4.1 steps 1-6), and
// computes the rotation hint (step 7).
func (s *Service) Validate(ctx context.Context, token string, now time.Time) (*ValidationResult, error) {
	payload, err := s.codec.Validate(token, now)
	if err != nil {
		s.recordValidation(outcomeFor(err))
		return nil, err
	}

	agent, err := s.agents.Get(ctx, payload.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		s.recordValidation(ReasonUnknownAgent)
		return nil, &ValidationError{Reason: ReasonUnknownAgent}
	}
	if err != nil {
		return nil, fmt.Errorf("identity: lookup agent: %w", err)
	}
	if agent.Status != store.AgentActive {
		s.recordValidation(ReasonDisabled)
		return nil, &ValidationError{Reason: ReasonDisabled}
	}

	s.recordValidation("ok")

	rotate := payload.ExpiresAt.Sub(now) < s.rotationThreshold
	if rotate && s.metrics != nil {
		s.metrics.TokenRotationHintsTotal.WithLabelValues(agent.ID).Inc()
	}

	return &ValidationResult{Payload: payload, Agent: agent, RotationRecommended: rotate}, nil
}

func (s *Service) recordValidation(outcome string) {
	if s.metrics != nil {
		s.metrics.TokenValidationsTotal.WithLabelValues(outcome).Inc()
	}
}

func outcomeFor(err error) string {
	var ve *cipher.ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return "internal"
}
