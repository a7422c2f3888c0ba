package credits_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/generic/store"
)

func TestPurchase_TwiceCreditsTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: a principal at 42 and a 500-credit plan for 5.00
	f.openWith(t, "user-1", "42")
	f.savePlan(t, "starter", "500", "5.00", true)

	// WHEN: buying it twice
	first, err := f.svc.ProcessPurchase(ctx, "user-1", "starter")
	require.NoError(t, err)
	second, err := f.svc.ProcessPurchase(ctx, "user-1", "starter")
	require.NoError(t, err)

	// THEN: both landed
	assert.Equal(t, "1042.00", f.balance(t, "user-1").String())
	assert.Equal(t, "1042.00", second.Transaction.BalanceAfter.String())
	assert.NotEqual(t, first.Purchase.ID, second.Purchase.ID)

	purchases, err := f.svc.GetPurchaseHistory(ctx, "user-1", generic.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, purchases.Total)
	require.Len(t, purchases.Purchases, 2)
	assert.Equal(t, second.Purchase.ID, purchases.Purchases[0].ID, "newest first")
	for _, p := range purchases.Purchases {
		assert.Equal(t, generic.PurchaseCompleted, p.Status)
		assert.Equal(t, "500.00", p.CreditsAdded.String())
		assert.Equal(t, "5.00", p.AmountPaid.String())
	}

	history, err := f.svc.GetTransactionHistory(ctx, "user-1", generic.Page{Limit: 10})
	require.NoError(t, err)
	var purchaseTxs []generic.Transaction
	for _, tx := range history.Transactions {
		if tx.Kind == generic.TxPurchase && tx.Description == "starter pack" {
			purchaseTxs = append(purchaseTxs, tx)
		}
	}
	require.Len(t, purchaseTxs, 2)
	assert.Equal(t, string(second.Purchase.ID), purchaseTxs[0].Metadata["purchaseId"])
	assert.Equal(t, "starter", purchaseTxs[0].Metadata["planId"])
}

func TestPurchase_SnapshotSurvivesPlanEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openWith(t, "user-1", "0")
	f.savePlan(t, "starter", "500", "5.00", true)

	res, err := f.svc.ProcessPurchase(ctx, "user-1", "starter")
	require.NoError(t, err)

	// WHEN: the plan is repriced afterwards
	f.savePlan(t, "starter", "600", "7.00", true)

	// THEN: the purchase keeps what was paid
	p, err := f.svc.GetPurchase(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, "500.00", p.CreditsAdded.String())
	assert.Equal(t, "5.00", p.AmountPaid.String())
}

func TestPurchase_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openWith(t, "user-1", "0")
	f.savePlan(t, "legacy", "100", "1.00", false)
	f.savePlan(t, "starter", "500", "5.00", true)

	_, err := f.svc.ProcessPurchase(ctx, "user-1", "missing")
	assert.ErrorIs(t, err, generic.ErrPlanNotFound)

	_, err = f.svc.ProcessPurchase(ctx, "user-1", "legacy")
	assert.ErrorIs(t, err, generic.ErrPlanInactive)

	_, err = f.svc.ProcessPurchase(ctx, "ghost", "starter")
	assert.ErrorIs(t, err, generic.ErrBalanceNotFound)

	// None of the rejections recorded a purchase.
	for _, id := range []generic.PrincipalID{"user-1", "ghost"} {
		page, err := f.svc.GetPurchaseHistory(ctx, id, generic.Page{Limit: 10})
		require.NoError(t, err)
		assert.Zero(t, page.Total)
	}

	_, err = f.svc.GetPurchase(ctx, "nope")
	assert.ErrorIs(t, err, generic.ErrPurchaseNotFound)

	_, err = f.svc.GetPurchaseHistory(ctx, "user-1", generic.Page{Limit: 200})
	assert.ErrorIs(t, err, generic.ErrInvalidPagination)
}

func TestPurchase_CreditFailureIsReconciliationGap(t *testing.T) {
	mem := store.NewMemory()
	failing := &lockFailingStore{Memory: mem, failFor: map[generic.PrincipalID]bool{}}
	clock := generic.NewFixedClock(march10)
	svc := credits.New(failing, credits.WithClock(clock))
	ctx := context.Background()

	_, err := svc.OpenAccount(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, svc.SavePlan(ctx, generic.Plan{ID: "starter", Name: "Starter", Credits: amt("500"), Price: amt("5"), IsActive: true}))

	// GIVEN: the ledger write will fail after the purchase is recorded
	failing.failFor["user-1"] = true

	// WHEN: purchasing
	res, err := svc.ProcessPurchase(ctx, "user-1", "starter")

	// THEN: the gap is reported, with the orphaned purchase
	require.Error(t, err)
	assert.True(t, errors.Is(err, credits.ErrReconciliationGap))
	assert.True(t, errors.Is(err, generic.ErrInternal))
	var gap *credits.ReconciliationGapError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, res.Purchase.ID, gap.Purchase.ID)

	// AND: the purchase row exists with no credit, and nothing retried
	failing.failFor["user-1"] = false
	p, err := svc.GetPurchase(ctx, gap.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.PurchaseCompleted, p.Status)

	b, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, b.Amount.IsZero())
}
