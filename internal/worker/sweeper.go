package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper finds expired records, settles them and returns how many.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// SweepJob names one Sweeper for logging.
type SweepJob struct {
	Name    string
	Sweeper Sweeper
}

// PeriodicSweeper runs every job in turn on a fixed interval.
type PeriodicSweeper struct {
	jobs     []SweepJob
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPeriodicSweeper(interval time.Duration, logger *zap.Logger, jobs ...SweepJob) *PeriodicSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PeriodicSweeper{
		jobs:     jobs,
		interval: interval,
		logger:   logger,
	}
}

func (s *PeriodicSweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sweep(sweepCtx)
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				s.sweep(sweepCtx)
			}
		}
	}()
}

func (s *PeriodicSweeper) sweep(ctx context.Context) {
	for _, job := range s.jobs {
		swept, err := job.Sweeper.SweepExpired(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("sweep failed", zap.String("job", job.Name), zap.Error(err))
			continue
		}
		if swept > 0 {
			s.logger.Info("sweep settled expired records", zap.String("job", job.Name), zap.Int("count", swept))
		}
	}
}

func (s *PeriodicSweeper) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
