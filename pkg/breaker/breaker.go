// Package breaker implements the per-tool Circuit Breaker (C6): a
// closed/open/half-open state machine over a sliding failure window
// (spec.md §4.5). Grounded on the teacher's
// pkg/util/resiliency/client.go CircuitBreaker, generalized from a single
// global breaker with a plain failure counter to one instance per tool with
// a time-bounded sliding window and a bounded half-open probe budget.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String renders the state the way metrics labels expect it.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// GaugeValue maps state to the 0/1/2 encoding spec.md §4.5 requires for the
// breaker_state gauge.
func (s State) GaugeValue() float64 {
	switch s {
	case Closed:
		return 0
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return -1
	}
}

// Config tunes one tool's breaker.
type Config struct {
	FailureThreshold  int
	WindowDuration    time.Duration
	OpenDuration      time.Duration
	HalfOpenMaxProbes int
}

// DefaultConfig matches the teacher's resiliency defaults, scaled to the
// spec's tool-call cadence rather than raw HTTP client retries.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		WindowDuration:    10 * time.Second,
		OpenDuration:      30 * time.Second,
		HalfOpenMaxProbes: 2,
	}
}

// failureEvent is one timestamped failure in the sliding window.
type failureEvent struct {
	at time.Time
}

// breakerState is one tool's mutable breaker state.
type breakerState struct {
	mu              sync.Mutex
	cfg             Config
	state           State
	failures        []failureEvent
	openedAt        time.Time
	halfOpenInFlight int
}

// Registry holds one breaker per tool, created lazily on first use.
type Registry struct {
	mu       sync.RWMutex
	defaults Config
	breakers map[string]*breakerState
}

// NewRegistry builds a Registry whose breakers use defaultCfg unless
// overridden per tool via SetConfig.
func NewRegistry(defaultCfg Config) *Registry {
	return &Registry{
		defaults: defaultCfg,
		breakers: make(map[string]*breakerState),
	}
}

func (r *Registry) get(tool string) *breakerState {
	r.mu.RLock()
	b, ok := r.breakers[tool]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[tool]; ok {
		return b
	}
	b = &breakerState{cfg: r.defaults, state: Closed}
	r.breakers[tool] = b
	return b
}

// SetConfig overrides the breaker config for a specific tool. Must be
// called before the tool's first Allow/Success/Failure call to take effect
// cleanly.
func (r *Registry) SetConfig(tool string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[tool] = &breakerState{cfg: cfg, state: Closed}
}

// Allow reports whether a call to tool may proceed, transitioning
// open->half_open once OpenDuration has elapsed.
func (r *Registry) Allow(tool string) bool {
	b := r.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.state = HalfOpen
			b.halfOpenInFlight = 0
		} else {
			return false
		}
	}

	if b.state == HalfOpen {
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxProbes {
			return false
		}
		b.halfOpenInFlight++
	}
	return true
}

// Success records a successful call outcome.
func (r *Registry) Success(tool string) {
	b := r.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.halfOpenInFlight--
	}
	// Any success, in closed or half-open, closes the breaker and resets
	// the window (spec.md §4.5: "if any probe succeeds, transition to
	// closed and reset the window").
	b.state = Closed
	b.failures = nil
	b.halfOpenInFlight = 0
}

// Failure records a failed call outcome (network/5xx/timeout only; 4xx must
// never be passed here per spec.md §4.5).
func (r *Registry) Failure(tool string) {
	b := r.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if b.state == HalfOpen {
		b.halfOpenInFlight--
		b.state = Open
		b.openedAt = now
		b.failures = nil
		return
	}

	b.failures = append(b.failures, failureEvent{at: now})
	b.pruneWindow(now)

	if len(b.failures) >= b.cfg.FailureThreshold {
		b.state = Open
		b.openedAt = now
	}
}

func (b *breakerState) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = kept
}

// State returns tool's current breaker state, for the breaker_state gauge.
func (r *Registry) State(tool string) State {
	b := r.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Tools returns the names of all tools with a registered breaker, in no
// particular order.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}
