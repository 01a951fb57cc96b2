package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"scribe-ai/internal/domain"
)

// Reaper periodically detaches conversation sessions that have gone
// idle, releasing their provider resources and bus subscriptions.
type Reaper struct {
	cron      *cron.Cron
	logger    *slog.Logger
	idleAfter time.Duration
}

// NewReaper schedules idle-session sweeps on the manager. The schedule
// uses standard five-field cron syntax plus descriptors like @hourly.
func NewReaper(manager *Manager, schedule string, idleAfter time.Duration, logger *slog.Logger) (*Reaper, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n := manager.DisposeIdle(context.Background(), idleAfter)
		if n > 0 {
			logger.Info("detached idle sessions", "count", n, "idle_after", idleAfter)
		}
	})
	if err != nil {
		return nil, domain.WrapOp("Reaper.schedule", err)
	}
	return &Reaper{cron: c, logger: logger, idleAfter: idleAfter}, nil
}

// Start begins the sweep schedule.
func (r *Reaper) Start() {
	r.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}
