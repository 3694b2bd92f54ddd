// Package expiry runs the scheduled sweep that moves open markets past their
// expiry to the expired state.
package expiry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Expirer transitions every due market and reports how many changed.
type Expirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

// Sweeper calls an Expirer on a cron schedule. Overlapping runs are skipped.
type Sweeper struct {
	cron    *cron.Cron
	expirer Expirer
	log     *slog.Logger
	baseCtx context.Context
}

// New schedules sweeps using a standard cron expression or descriptor such
// as "@every 30s". Jobs run with baseCtx.
func New(baseCtx context.Context, expirer Expirer, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		expirer: expirer,
		log:     logger,
		baseCtx: baseCtx,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(s.baseCtx) }); err != nil {
		return nil, fmt.Errorf("expiry: schedule %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce performs a single sweep and returns the number of markets expired.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	n, err := s.expirer.ExpireDue(ctx)
	if err != nil {
		s.log.Error("expiry sweep failed", "expired", n, "err", err)
	}
	if n > 0 {
		s.log.Info("expiry sweep", "expired", n)
	}
	return n
}

// Start begins the schedule in the background.
func (s *Sweeper) Start() {
	s.log.Info("expiry sweeper started")
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("expiry sweeper stopped")
}
