/*
sweep.go - Monthly allowance sweep

PURPOSE:
  RunMonthlyAllocationSweep is the entry point an external time trigger
  calls (cron, the CLI's sweep command, or the optional in-process
  scheduler). It visits every authenticated principal with a balance row
  and grants the monthly allowance to the eligible ones.

FLOW:
  list balances (guests excluded by id prefix)
    -> pre-filter on LastMonthlyAllocationAt (calendar month)
    -> AllocateMonthlyCredits for each eligible principal on a worker pool
    -> summary

IDEMPOTENCY:
  The pre-filter skips principals already allocated this month, and the
  locked guard re-checks, so a second sweep in the same month reports
  eligible=0. A principal that loses a race to a concurrent sweep trips
  the guard and is reported as skipped, not failed.

FAILURES:
  One principal's failure is recorded in Errors and never stops the
  sweep. Only a failure to list balances fails the whole call.

SEE ALSO:
  - allocation.go: AllocateMonthlyCredits
  - api/scheduler.go: In-process trigger
*/
package credits

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/metrics"
)

type SweepError struct {
	PrincipalID generic.PrincipalID `json:"principalId"`
	Error       string              `json:"error"`
}

// SweepResult summarizes one sweep. Eligible is counted after the locked
// guard runs: a principal allocated by a concurrent sweep between listing
// and locking is dropped from Eligible rather than reported as failed.
type SweepResult struct {
	TotalPrincipals int          `json:"totalPrincipals"`
	Eligible        int          `json:"eligible"`
	Succeeded       int          `json:"succeeded"`
	Failed          int          `json:"failed"`
	Errors          []SweepError `json:"errors"`
}

func (s *Service) RunMonthlyAllocationSweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	balances, err := s.store.ListBalances(ctx, generic.BalanceFilter{ExcludePrefix: s.policy.GuestPrefix})
	if err != nil {
		return SweepResult{}, generic.Internal("list balances", err)
	}

	result := SweepResult{TotalPrincipals: len(balances), Errors: []SweepError{}}
	now := s.clock.Now()

	var mu sync.Mutex
	pool := pond.NewPool(s.workers, pond.WithQueueSize(s.queueSize))

	for _, b := range balances {
		if !generic.EligibleForAllocation(b.LastMonthlyAllocationAt, now) {
			metrics.SweepPrincipals.WithLabelValues("skipped").Inc()
			continue
		}
		result.Eligible++

		id := b.PrincipalID
		pool.Submit(func() {
			_, err := s.AllocateMonthlyCredits(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Succeeded++
				metrics.SweepPrincipals.WithLabelValues("succeeded").Inc()
			case errors.Is(err, generic.ErrAlreadyAllocatedThisMonth):
				result.Eligible--
				metrics.SweepPrincipals.WithLabelValues("skipped").Inc()
			default:
				result.Failed++
				result.Errors = append(result.Errors, SweepError{PrincipalID: id, Error: err.Error()})
				metrics.SweepPrincipals.WithLabelValues("failed").Inc()
				s.log.Warn("Monthly allocation failed",
					zap.String("principal_id", string(id)),
					zap.Error(err))
			}
		})
	}
	pool.StopAndWait()

	s.log.Info("Monthly allocation sweep finished",
		zap.Int("total", result.TotalPrincipals),
		zap.Int("eligible", result.Eligible),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}
