// internal/coordinator/sweep.go
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/cadpilot/internal/eventlog"
	"github.com/user/cadpilot/internal/types"
)

// DefaultSweepSchedule runs the stale-run sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper periodically scans every session stream and recovers runs that
// never reached a terminal status, so abandoned work is cleaned up even when
// no new turn arrives to trigger recovery.
type Sweeper struct {
	coordinator *Coordinator
	schedule    string
	cron        *cron.Cron
}

// NewSweeper creates a sweeper on the given cron schedule. An empty schedule
// selects DefaultSweepSchedule.
func NewSweeper(c *Coordinator, schedule string) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{coordinator: c, schedule: schedule}
}

// Start schedules the sweep. The returned error covers schedule parsing
// only; per-sweep failures are logged and retried on the next tick.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := s.Sweep(sweepCtx); err != nil {
			slog.Warn("stale run sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep %q: %w", s.schedule, err)
	}
	s.cron.Start()
	slog.Info("stale run sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one recovery pass over every known session.
func (s *Sweeper) Sweep(ctx context.Context) error {
	sessions, err := s.coordinator.sessions.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, session := range sessions {
		n, err := s.coordinator.SweepSession(ctx, session.SessionID, now)
		if err != nil {
			slog.Warn("failed to sweep session", "session", session.SessionID, "error", err)
			continue
		}
		recovered += n
	}
	if recovered > 0 {
		slog.Info("stale run sweep recovered runs", "count", recovered)
	}
	return nil
}

// SweepSession recovers stale runs in a single session stream and returns
// how many it reclaimed.
func (c *Coordinator) SweepSession(ctx context.Context, id types.SessionID, now time.Time) (int, error) {
	view := eventlog.NewView(c.log, id)
	if err := view.Refresh(ctx); err != nil {
		return 0, fmt.Errorf("failed to read event stream: %w", err)
	}
	return c.recoverStale(ctx, view, now)
}
