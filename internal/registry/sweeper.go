package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Sweeper deletes skill rows whose heartbeat lease has lapsed. It wakes
// once a minute and fires when the cron expression matches, so the
// database never accumulates rows from devices that vanished without
// deregistering.
type Sweeper struct {
	registry *Registry
	schedule string
	logger   *slog.Logger
}

func NewSweeper(r *Registry, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = "*/10 * * * *"
	}
	if !gronx.New().IsValid(schedule) {
		return nil, &InvalidScheduleError{Schedule: schedule}
	}
	return &Sweeper{registry: r, schedule: schedule, logger: logger}, nil
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	gron := gronx.New()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := gron.IsDue(s.schedule, now)
			if err != nil || !due {
				continue
			}
			s.sweep(ctx, now)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, now time.Time) {
	cutoff := now.UTC().Add(-s.registry.TTL())
	n, err := s.registry.skills.DeleteStale(ctx, cutoff)
	if err != nil {
		s.logger.Error("skill sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("swept stale skills", "removed", n, "cutoff", cutoff)
	}
}

// InvalidScheduleError reports a cron expression gronx refuses to parse.
type InvalidScheduleError struct {
	Schedule string
}

func (e *InvalidScheduleError) Error() string {
	return "invalid sweep schedule: " + e.Schedule
}
