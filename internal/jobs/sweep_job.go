package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SweepJob runs the sweep on a fixed interval
type SweepJob struct {
	sweep    *Sweep
	logger   *logrus.Logger
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSweepJob creates a new sweep job
func NewSweepJob(sweep *Sweep, interval time.Duration, logger *logrus.Logger) *SweepJob {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &SweepJob{
		sweep:    sweep,
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep immediately and then on every tick until Stop or ctx is done
func (j *SweepJob) Start(ctx context.Context) {
	j.logger.WithField("interval", j.interval.String()).Info("Sweep job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.run(ctx)

	for {
		select {
		case <-ticker.C:
			j.run(ctx)
		case <-j.stopCh:
			j.logger.Info("Sweep job stopped")
			return
		case <-ctx.Done():
			j.logger.Info("Sweep job context cancelled")
			return
		}
	}
}

// Stop signals the job to stop. It is safe to call more than once.
func (j *SweepJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

func (j *SweepJob) run(ctx context.Context) {
	j.logger.Debug("Running approval sweep...")
	if _, err := j.sweep.RunOnce(ctx, j.now()); err != nil {
		j.logger.Errorf("Approval sweep finished with errors: %v", err)
	}
}
