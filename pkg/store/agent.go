// Package store implements the Persistent Store (A2): Agent, Policy, and
// durable identity material, in-memory and Postgres-backed. Grounded on the
// teacher's pkg/budget/memory_store.go and pkg/budget/postgres_store.go
// Storage-interface split, generalized from tenant budgets to Agent and
// Policy records.
package store

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zerogate/gateway/pkg/cipher"
)

// AgentStatus is the Agent lifecycle state (spec.md §3).
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentDisabled AgentStatus = "disabled"
)

// Agent is the persisted record created by registration. Never rekeyed in
// place: a new key always means a new Agent.
type Agent struct {
	ID        string
	Name      string
	Role      string
	Status    AgentStatus
	PublicKey *rsa.PublicKey
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrNotFound is returned by Get-style lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// AgentStore persists Agent records.
type AgentStore interface {
	Create(ctx context.Context, a Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	SetStatus(ctx context.Context, id string, status AgentStatus) error
}

// MemoryAgentStore is the default in-process AgentStore.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewMemoryAgentStore builds an empty MemoryAgentStore.
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]Agent)}
}

func (s *MemoryAgentStore) Create(_ context.Context, a Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.ID]; exists {
		return fmt.Errorf("store: agent %s already exists", a.ID)
	}
	s.agents[a.ID] = a
	return nil
}

func (s *MemoryAgentStore) Get(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := a
	return &cp, nil
}

func (s *MemoryAgentStore) SetStatus(_ context.Context, id string, status AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	s.agents[id] = a
	return nil
}

// PostgresAgentStore is the durable AgentStore backend.
type PostgresAgentStore struct {
	db *sql.DB
}

// NewPostgresAgentStore builds a PostgresAgentStore. The caller is
// responsible for having created the agents table.
func NewPostgresAgentStore(db *sql.DB) *PostgresAgentStore {
	return &PostgresAgentStore{db: db}
}

func (s *PostgresAgentStore) Create(ctx context.Context, a Agent) error {
	pubPEM, err := cipher.EncodePublicKeyPEM(a.PublicKey)
	if err != nil {
		return fmt.Errorf("store: encode public key: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, role, status, public_key, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		a.ID, a.Name, a.Role, a.Status, pubPEM, a.CreatedBy, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("store: create agent: %w", err)
	}
	return nil
}

func (s *PostgresAgentStore) Get(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	var pubPEM string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, status, public_key, created_by, created_at, updated_at FROM agents WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.Name, &a.Role, &a.Status, &pubPEM, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	pub, err := cipher.DecodePublicKeyPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("store: decode public key: %w", err)
	}
	a.PublicKey = pub
	return &a, nil
}

func (s *PostgresAgentStore) SetStatus(ctx context.Context, id string, status AgentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("store: set agent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
