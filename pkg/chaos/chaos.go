// Package chaos implements the Chaos Hook (C14): controlled fault
// injection into adapter calls when explicitly enabled (spec.md §4.7).
// Grounded on the teacher's pkg/connector/zerotrust.go AnomalyDetector,
// repurposed from passive response inspection to active injection of the
// same failure shapes (latency, 5xx, timeout) it was built to detect.
package chaos

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// Config tunes injected fault rates per tool. All rates are in [0, 1] and
// are independent: latency may be injected alongside a subsequent error.
type Config struct {
	Enabled        bool
	LatencyChance  float64
	LatencyMin     time.Duration
	LatencyMax     time.Duration
	ErrorChance    float64 // probability of injecting a synthetic 5xx
	TimeoutChance  float64 // probability of injecting a synthetic timeout
	BiasedTools    map[string]float64 // tool -> multiplier applied to all chances above
}

// Injector applies configured faults to an adapter call, off by default and
// gated by an explicit runtime flag (spec.md §4.7).
type Injector struct {
	cfg Config
}

// New builds an Injector. A zero-value Config disables injection entirely.
func New(cfg Config) *Injector {
	return &Injector{cfg: cfg}
}

// Outcome describes what fault, if any, was injected.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeLatency
	OutcomeServerError
	OutcomeTimeout
)

// Apply sleeps (respecting ctx) and/or reports a synthetic failure for
// tool, weighted by any per-tool bias. It never blocks past ctx's deadline.
func (i *Injector) Apply(ctx context.Context, tool string) (Outcome, error) {
	if !i.cfg.Enabled {
		return OutcomeNone, nil
	}

	bias := 1.0
	if b, ok := i.cfg.BiasedTools[tool]; ok {
		bias = b
	}

	if chance(i.cfg.LatencyChance * bias) {
		delay, err := randDuration(i.cfg.LatencyMin, i.cfg.LatencyMax)
		if err != nil {
			return OutcomeNone, err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return OutcomeTimeout, ctx.Err()
		}
	}

	if chance(i.cfg.TimeoutChance * bias) {
		return OutcomeTimeout, nil
	}
	if chance(i.cfg.ErrorChance * bias) {
		return OutcomeServerError, nil
	}
	return OutcomeNone, nil
}

// chance returns true with probability p, clamped to [0, 1].
func chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return false
	}
	return float64(n.Int64()) < p*1_000_000
}

func randDuration(min, max time.Duration) (time.Duration, error) {
	if max <= min {
		return min, nil
	}
	span := int64(max - min)
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return min, err
	}
	return min + time.Duration(n.Int64()), nil
}
