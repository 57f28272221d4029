// Package sweeper runs the coordinator's periodic maintenance: expiring
// dead agents and failing scans whose agent never reported back. Both
// sweeps are idempotent, so overlapping runs across restarts are harmless.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reconmc/reconmc/internal/database"
)

// StuckThreshold is how long an item may sit processing before the sweep
// fails it on the agent's behalf.
const StuckThreshold = 5 * time.Minute

// Sweeper owns the cron schedule.
type Sweeper struct {
	cron   *cron.Cron
	queue  *database.QueueStore
	agents *database.AgentStore
}

func New(queue *database.QueueStore, agents *database.AgentStore) *Sweeper {
	return &Sweeper{cron: cron.New(), queue: queue, agents: agents}
}

// Start schedules both sweeps every minute and launches the cron runner.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("* * * * *", s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.agents.Expire(ctx); err != nil {
		slog.Error("agent expiry sweep failed", "error", err)
	}

	failed, err := s.queue.FailStuck(ctx, StuckThreshold)
	if err != nil {
		slog.Error("stuck-item sweep failed", "error", err)
		return
	}
	if failed > 0 {
		slog.Warn("failed stuck queue items", "count", failed, "threshold", StuckThreshold)
	}
}
