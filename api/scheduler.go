/*
scheduler.go - In-process monthly allocation trigger

PURPOSE:
  Production deployments trigger RunMonthlyAllocationSweep from outside
  (cron calling `credit-engine sweep` or POST /api/admin/sweep). For
  single-instance setups the server can instead run it on a ticker.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Ticks far more often than monthly; the sweep is idempotent, so a
    tick in an already-allocated month reports eligible=0 and writes
    nothing
  - Keeps the last result for inspection

USAGE:
  scheduler := NewSweepScheduler(svc, time.Hour, log)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - credits/sweep.go: RunMonthlyAllocationSweep
  - handlers.go: RunSweep endpoint (external trigger)
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/credit-engine/credits"
)

// Sweeper runs one monthly allocation sweep.
type Sweeper interface {
	RunMonthlyAllocationSweep(ctx context.Context) (credits.SweepResult, error)
}

// SweepScheduler calls a Sweeper on a ticker.
type SweepScheduler struct {
	sweeper  Sweeper
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	last   *SweepRun
}

// SweepRun is one recorded sweep.
type SweepRun struct {
	Result credits.SweepResult
	Err    error
	At     time.Time
}

func NewSweepScheduler(sweeper Sweeper, interval time.Duration, log *zap.Logger) *SweepScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SweepScheduler{sweeper: sweeper, interval: interval, log: log}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *SweepScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info("Sweep scheduler started", zap.Duration("interval", s.interval))
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("Sweep scheduler stopped")
}

func (s *SweepScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow runs one sweep synchronously and records its outcome.
func (s *SweepScheduler) RunNow(ctx context.Context) (credits.SweepResult, error) {
	res, err := s.sweeper.RunMonthlyAllocationSweep(ctx)

	s.mu.Lock()
	s.last = &SweepRun{Result: res, Err: err, At: time.Now()}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("Scheduled sweep failed", zap.Error(err))
	} else if res.Eligible > 0 {
		s.log.Info("Scheduled sweep allocated credits",
			zap.Int("eligible", res.Eligible),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed))
	}
	return res, err
}

// Last returns the most recent sweep outcome; ok is false before the first run.
func (s *SweepScheduler) Last() (SweepRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return SweepRun{}, false
	}
	return *s.last, true
}
