// Package run implements the Run correlation root (spec.md §3): an opaque
// execution identifier used to group metrics, telemetry, and SSE streams
// for a sequence of related proxy calls. Grounded on the teacher's
// pkg/budget in-memory Storage shape, generalized from budget records to a
// small state machine with sticky terminal states.
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a Run's lifecycle state (spec.md §3).
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

func (s State) terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateStopped
}

// validTransitions enumerates the only allowed state changes.
var validTransitions = map[State][]State{
	StateCreated: {StateRunning, StateStopped, StateFailed},
	StateRunning: {StateComplete, StateFailed, StateStopped},
}

// ErrNotFound is returned when a Run ID is unknown.
var ErrNotFound = errors.New("run: not found")

// ErrTerminal is returned when a transition is attempted on a Run already
// in a sticky terminal state.
var ErrTerminal = errors.New("run: already in a terminal state")

// Run is one execution context.
type Run struct {
	ID        string
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store tracks Runs in process memory; Runs are not persisted, matching
// spec.md §9's "process-memory only" list.
type Store struct {
	mu   sync.Mutex
	runs map[string]*Run
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{runs: make(map[string]*Run)}
}

// Create allocates a new Run in state "created".
func (s *Store) Create(_ context.Context) *Run {
	now := time.Now()
	r := &Run{ID: uuid.NewString(), State: StateCreated, CreatedAt: now, UpdatedAt: now}

	s.mu.Lock()
	s.runs[r.ID] = r
	s.mu.Unlock()

	cp := *r
	return &cp
}

// Get returns a copy of the Run identified by id.
func (s *Store) Get(_ context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// Transition moves the Run identified by id to next, enforcing the state
// machine and terminal-state stickiness.
func (s *Store) Transition(_ context.Context, id string, next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.State.terminal() {
		return ErrTerminal
	}
	allowed := validTransitions[r.State]
	for _, a := range allowed {
		if a == next {
			r.State = next
			r.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("run: invalid transition %s -> %s", r.State, next)
}
