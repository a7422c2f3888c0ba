package credits

import (
	"context"
	"time"

	"github.com/warp/credit-engine/generic"
)

// AllocateNewAccountBonus grants the one-time bonus. The flag is read and
// cleared under the same row lock as the credit, so concurrent calls grant
// it at most once; the losers get ErrAlreadyBonused.
func (s *Service) AllocateNewAccountBonus(ctx context.Context, id generic.PrincipalID) (generic.Transaction, error) {
	return s.ledger.Apply(ctx, id, generic.Mutation{
		Kind:        generic.TxBonus,
		Amount:      s.policy.NewAccountBonus,
		Description: "New account bonus",
		Guard: func(b generic.Balance, _ time.Time) error {
			if !b.IsNewAccount {
				return generic.ErrAlreadyBonused
			}
			return nil
		},
		Update: func(b *generic.Balance, _ time.Time) {
			b.IsNewAccount = false
		},
	})
}

// AllocateMonthlyCredits grants the monthly allowance unless one was already
// granted in the current calendar month. Eligibility is re-checked under
// the lock; a sweep's pre-filter is only an optimisation.
func (s *Service) AllocateMonthlyCredits(ctx context.Context, id generic.PrincipalID) (generic.Transaction, error) {
	return s.ledger.Apply(ctx, id, generic.Mutation{
		Kind:        generic.TxMonthlyAllowance,
		Amount:      s.policy.MonthlyAllowance,
		Description: "Monthly credit allowance",
		Guard: func(b generic.Balance, now time.Time) error {
			if !generic.EligibleForAllocation(b.LastMonthlyAllocationAt, now) {
				return generic.ErrAlreadyAllocatedThisMonth
			}
			return nil
		},
		Update: func(b *generic.Balance, now time.Time) {
			b.LastMonthlyAllocationAt = &now
		},
	})
}
