// Package housekeeping runs the periodic sweeps that bound the memory
// growth of the gateway's process-local state: expired idempotency
// records, stale rate-limit windows, and cache entries past TTL (spec.md
// §9's "loss-on-restart" components still need bounding while the process
// runs). r3e-network-service_layer's go.mod carries robfig/cron/v3 without
// ever importing it; this package is where that dependency actually gets
// wired in, using the library's standard cron.New()/AddFunc() idiom.
package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper is one named cleanup task.
type Sweeper struct {
	Name string
	Run  func() int // returns count removed, for logging
}

// Scheduler runs a set of Sweepers on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler builds a Scheduler that logs each completed sweep to logger.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}
}

// Register schedules sweeper to run on spec's cadence. spec is a standard
// 5-field cron expression (e.g. "*/5 * * * *") or a descriptor such as
// "@every 5m".
func (s *Scheduler) Register(spec string, sweeper Sweeper) error {
	_, err := s.cron.AddFunc(spec, func() {
		removed := sweeper.Run()
		s.logger.Info("housekeeping sweep complete",
			slog.String("sweeper", sweeper.Name),
			slog.Int("removed", removed),
		)
	})
	return err
}

// Start begins running scheduled sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling new sweeps, then waits for any in-flight sweep to
// finish, for at most 10 seconds or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
	}
}
