package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zerogate/gateway/pkg/policy"
)

// PolicyRecord is the persisted form of a policy.Policy plus bookkeeping.
type PolicyRecord struct {
	policy.Policy
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PolicyStore persists Policy records and implements policy.Store so the
// Policy Engine can read active policies directly from it.
type PolicyStore interface {
	policy.Store
	Upsert(ctx context.Context, rec PolicyRecord) error
	Deactivate(ctx context.Context, agentID, name string) error
}

// MemoryPolicyStore is the default in-process PolicyStore.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	byAgent  map[string][]PolicyRecord
}

// NewMemoryPolicyStore builds an empty MemoryPolicyStore.
func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{byAgent: make(map[string][]PolicyRecord)}
}

// Upsert enforces "at most one active policy per (agent, name)" (spec.md
// §3) by deactivating any existing record with the same name first.
func (s *MemoryPolicyStore) Upsert(_ context.Context, rec PolicyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.byAgent[rec.AgentID]
	for i := range records {
		if records[i].Name == rec.Name {
			records[i].Active = false
		}
	}
	rec.UpdatedAt = time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	s.byAgent[rec.AgentID] = append(records, rec)
	return nil
}

func (s *MemoryPolicyStore) Deactivate(_ context.Context, agentID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.byAgent[agentID]
	for i := range records {
		if records[i].Name == name {
			records[i].Active = false
		}
	}
	return nil
}

// ActivePolicies returns the union of active policies for agentID,
// implementing policy.Store.
func (s *MemoryPolicyStore) ActivePolicies(_ context.Context, agentID string) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []policy.Policy
	for _, rec := range s.byAgent[agentID] {
		if rec.Active {
			out = append(out, rec.Policy)
		}
	}
	return out, nil
}

// PostgresPolicyStore is the durable PolicyStore backend.
type PostgresPolicyStore struct {
	db *sql.DB
}

// NewPostgresPolicyStore builds a PostgresPolicyStore.
func NewPostgresPolicyStore(db *sql.DB) *PostgresPolicyStore {
	return &PostgresPolicyStore{db: db}
}

func (s *PostgresPolicyStore) Upsert(ctx context.Context, rec PolicyRecord) error {
	specJSON, err := json.Marshal(rec.Spec)
	if err != nil {
		return fmt.Errorf("store: marshal policy spec: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE policies SET active = false WHERE agent_id = $1 AND name = $2`,
		rec.AgentID, rec.Name,
	); err != nil {
		return fmt.Errorf("store: deactivate prior policy: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO policies (id, agent_id, name, spec, spec_hash, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		rec.ID, rec.AgentID, rec.Name, specJSON, rec.SpecHash, true, time.Now(),
	); err != nil {
		return fmt.Errorf("store: insert policy: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresPolicyStore) Deactivate(ctx context.Context, agentID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE policies SET active = false WHERE agent_id = $1 AND name = $2`,
		agentID, name,
	)
	if err != nil {
		return fmt.Errorf("store: deactivate policy: %w", err)
	}
	return nil
}

func (s *PostgresPolicyStore) ActivePolicies(ctx context.Context, agentID string) ([]policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, name, spec, spec_hash, active FROM policies WHERE agent_id = $1 AND active = true`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query active policies: %w", err)
	}
	defer rows.Close()

	var out []policy.Policy
	for rows.Next() {
		var p policy.Policy
		var specJSON []byte
		if err := rows.Scan(&p.ID, &p.AgentID, &p.Name, &specJSON, &p.SpecHash, &p.Active); err != nil {
			return nil, fmt.Errorf("store: scan policy: %w", err)
		}
		if err := json.Unmarshal(specJSON, &p.Spec); err != nil {
			return nil, fmt.Errorf("store: unmarshal policy spec: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
