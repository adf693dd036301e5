// Package idempotency implements the Idempotency Store (C9): key -> cached
// response with body-hash conflict detection (spec.md §4.8). Grounded on
// the teacher's pkg/api/idempotency.go MemoryIdempotencyStore and
// pkg/api/postgres_idempotency.go PostgresIdempotencyStore, generalized
// from a plain replay cache to one that also stores and compares a
// body_hash so a reused key with a different body is rejected rather than
// silently replayed.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// MinTTL is the minimum record lifetime spec.md §4.8 requires ("TTL >= 24h").
const MinTTL = 24 * time.Hour

// Record is one stored idempotency outcome.
type Record struct {
	Key       string
	BodyHash  string
	Status    int
	Response  []byte
	CreatedAt time.Time
}

// ConflictError is returned when key was seen before with a different body.
type ConflictError struct {
	Key          string
	ExpectedHash string
	ActualHash   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency: conflict for key %s: expected %s, got %s", e.Key, e.ExpectedHash, e.ActualHash)
}

// ValidKey reports whether key is a syntactically valid UUID, per spec.md
// §4.8 ("reject otherwise with 422").
func ValidKey(key string) bool {
	_, err := uuid.Parse(key)
	return err == nil
}

// BodyHash computes a stable hash of a request body using RFC 8785 JCS
// canonicalization, so key ordering in the JSON body never affects it.
func BodyHash(body []byte) (string, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		// Non-JSON bodies are hashed directly; still stable and
		// comparable, just not canonicalized.
		sum := sha256.Sum256(body)
		return hex.EncodeToString(sum[:]), nil
	}
	canon, err := jcs.Transform(body)
	if err != nil {
		return "", fmt.Errorf("idempotency: jcs transform: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Store persists idempotency records. Implementations must make the
// first-write racing-callers case atomic: two concurrent requests for the
// same never-seen key must not both be treated as a miss.
type Store interface {
	// Get returns the stored record for key, if any.
	Get(ctx context.Context, key string) (*Record, bool, error)
	// Put stores rec for key only if no record exists yet (compare-and-set
	// semantics). Returns the existing record and false if one already did.
	Put(ctx context.Context, rec Record) (*Record, bool, error)
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	ttl     time.Duration
}

// NewMemoryStore builds a MemoryStore. ttl is clamped up to MinTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl < MinTTL {
		ttl = MinTTL
	}
	return &MemoryStore{records: make(map[string]Record), ttl: ttl}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	if time.Since(rec.CreatedAt) > s.ttl {
		delete(s.records, key)
		return nil, false, nil
	}
	return &rec, true, nil
}

func (s *MemoryStore) Put(_ context.Context, rec Record) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.Key]; ok && time.Since(existing.CreatedAt) <= s.ttl {
		return &existing, false, nil
	}
	rec.CreatedAt = time.Now()
	s.records[rec.Key] = rec
	return &rec, true, nil
}

// Sweep removes expired records, bounding memory growth.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-s.ttl)
	for k, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, k)
			removed++
		}
	}
	return removed
}

// PostgresStore is the durable backend, surviving process restarts.
// Grounded on the teacher's postgres_idempotency.go; generalized to store
// and enforce body_hash atomically via an upsert-if-absent pattern.
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresStore builds a PostgresStore against an existing *sql.DB. The
// caller is responsible for having created the idempotency_keys table.
func NewPostgresStore(db *sql.DB, ttl time.Duration) *PostgresStore {
	if ttl < MinTTL {
		ttl = MinTTL
	}
	return &PostgresStore{db: db, ttl: ttl}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, bool, error) {
	var rec Record
	rec.Key = key
	err := s.db.QueryRowContext(ctx,
		`SELECT body_hash, status_code, response, created_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&rec.BodyHash, &rec.Status, &rec.Response, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: get: %w", err)
	}
	if time.Since(rec.CreatedAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false, nil
	}
	return &rec, true, nil
}

// Put inserts rec if key is unseen; ON CONFLICT DO NOTHING makes the
// first-write race safe without a separate advisory lock, then the
// RowsAffected check tells the caller whether they won the race.
func (s *PostgresStore) Put(ctx context.Context, rec Record) (*Record, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, body_hash, status_code, response, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.BodyHash, rec.Status, rec.Response,
	)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: put: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: rows affected: %w", err)
	}
	if n == 1 {
		rec.CreatedAt = time.Now()
		return &rec, true, nil
	}

	existing, found, err := s.Get(ctx, rec.Key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		// Conflict raced with an expiry delete; treat as a fresh win.
		return s.Put(ctx, rec)
	}
	return existing, false, nil
}

// Cleanup removes all records past TTL, for periodic housekeeping.
func (s *PostgresStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, time.Now().Add(-s.ttl))
	return err
}

// Check implements the spec.md §4.8 miss/hit/conflict algorithm against any
// Store implementation: a miss runs process and stores its outcome; a hit
// with a matching body_hash replays the stored response without rerunning
// process; a hit with a different body_hash is a conflict.
func Check(ctx context.Context, store Store, key string, body []byte, process func() (int, []byte, error)) (int, []byte, error) {
	if !ValidKey(key) {
		return 0, nil, fmt.Errorf("idempotency: invalid key %q", key)
	}

	hash, err := BodyHash(body)
	if err != nil {
		return 0, nil, err
	}

	if existing, found, err := store.Get(ctx, key); err != nil {
		return 0, nil, err
	} else if found {
		if existing.BodyHash != hash {
			return 0, nil, &ConflictError{Key: key, ExpectedHash: existing.BodyHash, ActualHash: hash}
		}
		return http.StatusOK, existing.Response, nil
	}

	status, response, err := process()
	if err != nil {
		return 0, nil, err
	}

	stored, won, err := store.Put(ctx, Record{Key: key, BodyHash: hash, Status: status, Response: response})
	if err != nil {
		return 0, nil, err
	}
	if won {
		return status, response, nil
	}
	// Lost the race to a concurrent caller that wrote first: replay its
	// outcome if the body matches, else surface the conflict.
	if stored.BodyHash != hash {
		return 0, nil, &ConflictError{Key: key, ExpectedHash: stored.BodyHash, ActualHash: hash}
	}
	return http.StatusOK, stored.Response, nil
}
