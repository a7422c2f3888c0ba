/*
purchase.go - Two-step purchase pipeline

PURPOSE:
  Turns a catalog plan into credits:

    1. record the purchase (own atomic unit, snapshots credits and price)
    2. credit the ledger  (own atomic unit, kind=purchase)

  The steps are not combined. The ledger's locked mutation never runs
  inside another open transaction.

RECONCILIATION GAPS:
  If step 2 fails after step 1 committed, the completed purchase has no
  matching credit. That is returned as a ReconciliationGapError, logged at
  error level and counted; it is never retried here, since a blind retry
  could credit twice. The credit's metadata carries purchaseId so a
  reconciler can tell which purchases were credited.

SEE ALSO:
  - catalog.go: Plan lookup
  - generic/ledger.go: Credit
*/
package credits

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/metrics"
)

// ErrReconciliationGap matches every ReconciliationGapError.
var ErrReconciliationGap = errors.New("purchase recorded without credit")

// ReconciliationGapError carries the orphaned purchase.
type ReconciliationGapError struct {
	Purchase generic.Purchase
	Err      error
}

func (e *ReconciliationGapError) Error() string {
	return fmt.Sprintf("purchase %s recorded but credit failed: %v", e.Purchase.ID, e.Err)
}

func (e *ReconciliationGapError) Unwrap() error { return e.Err }

func (e *ReconciliationGapError) Is(target error) bool { return target == ErrReconciliationGap }

type PurchaseResult struct {
	Purchase    generic.Purchase
	Transaction generic.Transaction
}

// PurchasePage is one page of purchases, newest first.
type PurchasePage struct {
	Purchases []generic.Purchase
	Total     int
	Limit     int
	Offset    int
}

// ProcessPurchase records a purchase of planID and credits its snapshot
// amount to the principal.
func (s *Service) ProcessPurchase(ctx context.Context, id generic.PrincipalID, planID generic.PlanID) (PurchaseResult, error) {
	plan, err := s.catalog.GetPlan(ctx, planID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if !plan.IsActive {
		return PurchaseResult{}, fmt.Errorf("%w: %s", generic.ErrPlanInactive, plan.ID)
	}
	// Fail before recording anything if the principal has no account.
	if _, err := s.ledger.Balance(ctx, id); err != nil {
		return PurchaseResult{}, err
	}

	purchase := generic.Purchase{
		ID:           generic.PurchaseID(s.newID()),
		PrincipalID:  id,
		PlanID:       plan.ID,
		CreditsAdded: plan.Credits,
		AmountPaid:   plan.Price,
		Status:       generic.PurchaseCompleted,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.store.CreatePurchase(ctx, purchase); err != nil {
		return PurchaseResult{}, generic.Internal("create purchase", err)
	}

	// The purchase is committed; a caller hanging up must not strand it.
	tx, err := s.ledger.Credit(context.WithoutCancel(ctx), id, purchase.CreditsAdded, generic.TxPurchase, plan.Name, map[string]any{
		"planId":     string(plan.ID),
		"purchaseId": string(purchase.ID),
	})
	if err != nil {
		metrics.ReconciliationGaps.Inc()
		s.log.Error("Purchase recorded without credit, needs reconciliation",
			zap.String("purchase_id", string(purchase.ID)),
			zap.String("principal_id", string(id)),
			zap.String("plan_id", string(plan.ID)),
			zap.String("credits", purchase.CreditsAdded.String()),
			zap.Error(err))
		return PurchaseResult{Purchase: purchase}, &ReconciliationGapError{Purchase: purchase, Err: err}
	}

	s.log.Info("Purchase credited",
		zap.String("purchase_id", string(purchase.ID)),
		zap.String("principal_id", string(id)),
		zap.String("balance_after", tx.BalanceAfter.String()))
	return PurchaseResult{Purchase: purchase, Transaction: tx}, nil
}

func (s *Service) GetPurchase(ctx context.Context, id generic.PurchaseID) (generic.Purchase, error) {
	p, err := s.store.GetPurchase(ctx, id)
	return p, generic.Internal("get purchase", err)
}

func (s *Service) GetPurchaseHistory(ctx context.Context, id generic.PrincipalID, page generic.Page) (PurchasePage, error) {
	if err := page.Validate(); err != nil {
		return PurchasePage{}, err
	}
	purchases, total, err := s.store.ListPurchases(ctx, id, page)
	if err != nil {
		return PurchasePage{}, generic.Internal("list purchases", err)
	}
	if purchases == nil {
		purchases = []generic.Purchase{}
	}
	return PurchasePage{Purchases: purchases, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}
