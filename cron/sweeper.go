package cron

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeps is the set of periodic coordinator jobs.
type Sweeps interface {
	ExpireStaleBookings(ctx context.Context) (int, error)
	ExpireBufferedEvents(ctx context.Context) (int, error)
	RetryStuckRefunds(ctx context.Context) (int, error)
	RecoverStuckBookings(ctx context.Context) (int, error)
}

// Sweeper runs every sweep on one schedule. A run that is still going when
// the next tick arrives is skipped rather than overlapped.
type Sweeper struct {
	cron    *cron.Cron
	sweeps  Sweeps
	logger  *zap.Logger
	timeout time.Duration
}

func NewSweeper(sweeps Sweeps, logger *zap.Logger) *Sweeper {
	cronLogger := cron.VerbosePrintfLogger(zap.NewStdLog(logger))
	return &Sweeper{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		sweeps:  sweeps,
		logger:  logger,
		timeout: 50 * time.Second,
	}
}

// Start registers the sweep on schedule (standard cron or "@every 1m").
func (s *Sweeper) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Booking sweeper started", zap.String("schedule", schedule))
	return nil
}

// Stop waits for a running sweep to finish or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Sweeper did not finish before shutdown")
	}
}

// RunOnce runs each sweep in turn. One failing sweep does not stop the others.
func (s *Sweeper) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	jobs := []struct {
		name string
		run  func(context.Context) (int, error)
	}{
		{"expire_stale_bookings", s.sweeps.ExpireStaleBookings},
		{"expire_buffered_events", s.sweeps.ExpireBufferedEvents},
		{"retry_stuck_refunds", s.sweeps.RetryStuckRefunds},
		{"recover_stuck_bookings", s.sweeps.RecoverStuckBookings},
	}
	for _, job := range jobs {
		n, err := job.run(ctx)
		if err != nil {
			s.logger.Error("Sweep failed", zap.String("sweep", job.name), zap.Error(err))
			continue
		}
		if n > 0 {
			s.logger.Info("Sweep completed", zap.String("sweep", job.name), zap.Int("affected", n))
		}
	}
}
