// Package storetest is a behavioral suite every generic.DurableStore must pass.
// Backend packages call Run from their own tests with a fresh-store factory.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/generic"
)

// Factory returns an empty store. Cleanup belongs to the factory.
type Factory func(t *testing.T) generic.DurableStore

var base = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// Run executes the full suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("EnsureBalanceIsIdempotent", func(t *testing.T) { testEnsureBalance(t, newStore(t)) })
	t.Run("LockedUnitCommits", func(t *testing.T) { testLockedUnitCommits(t, newStore(t)) })
	t.Run("LockedUnitRollsBack", func(t *testing.T) { testLockedUnitRollsBack(t, newStore(t)) })
	t.Run("LockMissingBalance", func(t *testing.T) { testLockMissing(t, newStore(t)) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(t, newStore(t)) })
	t.Run("HistoryNewestFirst", func(t *testing.T) { testHistoryOrder(t, newStore(t)) })
	t.Run("ListBalancesExcludesPrefix", func(t *testing.T) { testListBalances(t, newStore(t)) })
	t.Run("Plans", func(t *testing.T) { testPlans(t, newStore(t)) })
	t.Run("Purchases", func(t *testing.T) { testPurchases(t, newStore(t)) })
	t.Run("Guests", func(t *testing.T) { testGuests(t, newStore(t)) })
}

func newBalance(id generic.PrincipalID) generic.Balance {
	return generic.Balance{
		PrincipalID:  id,
		Amount:       generic.Zero(),
		IsNewAccount: true,
		CreatedAt:    base,
		UpdatedAt:    base,
	}
}

// credit applies a +amount mutation the way the Ledger does, reading the
// clock under the lock so timestamps follow commit order.
func credit(ctx context.Context, s generic.Store, id generic.PrincipalID, amount generic.Amount, clock generic.Clock, txID string) error {
	return s.WithBalanceLock(ctx, id, func(tx generic.BalanceTx) error {
		at := clock.Now()
		b := tx.Balance()
		b.Amount = b.Amount.Add(amount)
		b.UpdatedAt = at
		if err := tx.Save(ctx, b); err != nil {
			return err
		}
		return tx.Append(ctx, generic.Transaction{
			ID:           generic.TransactionID(txID),
			PrincipalID:  id,
			Kind:         generic.TxPurchase,
			Amount:       amount,
			BalanceAfter: b.Amount,
			Description:  "test credit",
			Metadata:     map[string]any{"seq": txID},
			CreatedAt:    at,
		})
	})
}

func testEnsureBalance(t *testing.T, s generic.DurableStore) {
	ctx := context.Background()

	// GIVEN: a fresh principal
	b, err := s.EnsureBalance(ctx, newBalance("user-1"))
	require.NoError(t, err)
	assert.True(t, b.IsNewAccount)
	assert.True(t, b.Amount.IsZero())

	// WHEN: the balance is changed and EnsureBalance is called again
	require.NoError(t, credit(ctx, s, "user-1", generic.NewAmount(5), generic.NewFixedClock(base.Add(time.Second)), "tx-1"))
	again, err := s.EnsureBalance(ctx, newBalance("user-1"))

	// THEN: the existing row is returned untouched
	require.NoError(t, err)
	assert.Equal(t, "5.00", again.Amount.String())
}

func testLockedUnitCommits(t *testing.T, s generic.DurableStore) {
	ctx := context.Background()
	_, err := s.EnsureBalance(ctx, newBalance("user-1"))
	require.NoError(t, err)

	last := base.Add(time.Hour)
	err = s.WithBalanceLock(ctx, "user-1", func(tx generic.BalanceTx) error {
		b := tx.Balance()
		b.Amount = generic.NewAmount(12.34)
		b.IsNewAccount = false
		b.LastMonthlyAllocationAt = &last
		b.UpdatedAt = last
		return tx.Save(ctx, b)
	})
	require.NoError(t, err)

	b, err := s.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "12.34", b.Amount.String())
	assert.False(t, b.IsNewAccount)
	require.NotNil(t, b.LastMonthlyAllocationAt)
	assert.True(t, b.LastMonthlyAllocationAt.Equal(last))
}

func testLockedUnitRollsBack(t *testing.T, s generic.DurableStore) {
	ctx := context.Background()
	_, err := s.EnsureBalance(ctx, newBalance("user-1"))
	require.NoError(t, err)
	boom := errors.New("boom")

	// WHEN: fn writes both rows and then fails
	err = s.WithBalanceLock(ctx, "user-1", func(tx generic.BalanceTx) error {
		b := tx.Balance()
		b.Amount = generic.NewAmount(100)
		require.NoError(t, tx.Save(ctx, b))
		require.NoError(t, tx.Append(ctx, generic.Transaction{
			ID: "tx-x", PrincipalID: "user-1", Kind: generic.TxBonus,
			Amount: generic.NewAmount(100), BalanceAfter: b.Amount, CreatedAt: base,
		}))
		return boom
	})

	// THEN: neither write is visible
	assert.ErrorIs(t, err, boom)
	b, err := s.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, b.Amount.IsZero())
	txs, total, err := s.ListTransactions(ctx, "user-1", generic.Page{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Equal(t, 0, total)
}

func testLockMissing(t *testing.T, s generic.DurableStore) {
	called := false
	err := s.WithBalanceLock(context.Background(), "ghost", func(generic.BalanceTx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, generic.ErrBalanceNotFound)
	assert.False(t, called)

	_, err = s.GetBalance(context.Background(), "ghost")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func testConcurrentIncrements(t *testing.T, s generic.DurableStore) {
	ctx := context.Background()
	_, err := s.EnsureBalance(ctx, newBalance("user-1"))
	require.NoError(t, err)
	_, err = s.EnsureBalance(ctx, newBalance("user-2"))
	require.NoError(t, err)

	const workers = 20
	clock := generic.NewFixedClock(base)
	clock.Step = time.Millisecond
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for i := 0; i < workers; i++ {
		for _, id := range []generic.PrincipalID{"user-1", "user-2"} {
			wg.Add(1)
			go func(i int, id generic.PrincipalID) {
				defer wg.Done()
				errs <- credit(ctx, s, id, generic.NewAmount(1), clock, fmt.Sprintf("%s-%d", id, i))
			}(i, id)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, id := range []generic.PrincipalID{"user-1", "user-2"} {
		b, err := s.GetBalance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "20.00", b.Amount.String(), "no lost update for %s", id)

		txs, total, err := s.ListTransactions(ctx, id, generic.Page{Limit: generic.MaxPageSize})
		require.NoError(t, err)
		assert.Equal(t, workers, total)
		assert.Equal(t, -1, generic.VerifyChain(txs), "BalanceAfter chain for %s", id)
	}
}

func testHistoryOrder(t *testing.T, s generic.DurableStore) {
	ctx := context.Background()
	_, err := s.EnsureBalance(ctx, newBalance("user-1"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		// Two transactions share a timestamp; insertion order must break the tie.
		at := generic.NewFixedClock(base.Add(time.Duration(i/2) * time.Second))
		require.NoError(t, credit(ctx, s, "user-1", generic.NewAmount(1), at, fmt.Sprintf("tx-%d", i)))
	}

	txs, total, err := s.ListTransactions(ctx, "user-1", generic.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, txs, 2)
	assert.Equal(t, generic.TransactionID("tx-3"), txs[0].ID)
	assert.Equal(t, generic.TransactionID("tx-2"), txs[1].ID)
	assert.Equal(t, "4.00", txs[0].BalanceAfter.String())
	assert.Equal(t, "tx-3", txs[0].Metadata["seq"])
	assert.Equal(t, "test credit", txs[0].Description)

	// Past the end: empty page, total still reported.
	txs, total, err = s.ListTransactions(ctx, "user-1", generic.Page{Limit: 10, Offset: 50})
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Equal(t, 5, total)
}

func testListBalances(t *testing.T, s generic.DurableStore) {
	ctx := context.Background()
	for _, id := range []generic.PrincipalID{"user-b", "guest_1", "user-a"} {
		_, err := s.EnsureBalance(ctx, newBalance(id))
		require.NoError(t, err)
	}

	all, err := s.ListBalances(ctx, generic.BalanceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	users, err := s.ListBalances(ctx, generic.BalanceFilter{ExcludePrefix: "guest_"})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, generic.PrincipalID("user-a"), users[0].PrincipalID)
	assert.Equal(t, generic.PrincipalID("user-b"), users[1].PrincipalID)
}

func testPlans(t *testing.T, s generic.DurableStore) {
	ctx := context.Background()
	plans := []generic.Plan{
		{ID: "large", Name: "Large", Credits: generic.NewAmount(5000), Price: generic.NewAmount(39.99), IsActive: true, CreatedAt: base},
		{ID: "small", Name: "Small", Credits: generic.NewAmount(1000), Price: generic.NewAmount(9.99), IsActive: true, CreatedAt: base},
		{ID: "retired", Name: "Retired", Credits: generic.NewAmount(2000), Price: generic.NewAmount(14.99), IsActive: false, CreatedAt: base},
	}
	for _, p := range plans {
		require.NoError(t, s.SavePlan(ctx, p))
	}

	active, err := s.ListActivePlans(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, generic.PlanID("small"), active[0].ID)
	assert.Equal(t, generic.PlanID("large"), active[1].ID)
	assert.Equal(t, "9.99", active[0].Price.String())

	p, err := s.GetPlan(ctx, "retired")
	require.NoError(t, err)
	assert.False(t, p.IsActive)

	_, err = s.GetPlan(ctx, "nope")
	assert.ErrorIs(t, err, generic.ErrPlanNotFound)

	// Upsert updates in place.
	plans[2].IsActive = true
	require.NoError(t, s.SavePlan(ctx, plans[2]))
	active, err = s.ListActivePlans(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func testPurchases(t *testing.T, s generic.DurableStore) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreatePurchase(ctx, generic.Purchase{
			ID:           generic.PurchaseID(fmt.Sprintf("p-%d", i)),
			PrincipalID:  "user-1",
			PlanID:       "small",
			CreditsAdded: generic.NewAmount(1000),
			AmountPaid:   generic.NewAmount(9.99),
			Status:       generic.PurchaseCompleted,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}

	p, err := s.GetPurchase(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", p.CreditsAdded.String())
	assert.Equal(t, generic.PurchaseCompleted, p.Status)

	page, total, err := s.ListPurchases(ctx, "user-1", generic.Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, generic.PurchaseID("p-2"), page[0].ID)

	_, err = s.GetPurchase(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrPurchaseNotFound)
}

func testGuests(t *testing.T, s generic.DurableStore) {
	ctx := context.Background()
	g := generic.GuestBalance{
		SessionID: "guest_abc",
		Amount:    generic.NewAmount(200),
		ExpiresAt: base.Add(24 * time.Hour),
		CreatedAt: base,
		UpdatedAt: base,
	}
	require.NoError(t, s.PutGuestBalance(ctx, g))

	got, err := s.GetGuestBalance(ctx, "guest_abc", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "200.00", got.Amount.String())

	// Update runs fn and persists; an fn error writes nothing.
	updated, err := s.UpdateGuestBalance(ctx, "guest_abc", base.Add(time.Hour), func(cur generic.GuestBalance) (generic.GuestBalance, error) {
		cur.Amount = cur.Amount.Sub(generic.NewAmount(0.75))
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "199.25", updated.Amount.String())

	_, err = s.UpdateGuestBalance(ctx, "guest_abc", base.Add(time.Hour), func(generic.GuestBalance) (generic.GuestBalance, error) {
		return generic.GuestBalance{}, generic.ErrInsufficientCredits
	})
	assert.ErrorIs(t, err, generic.ErrInsufficientCredits)
	got, err = s.GetGuestBalance(ctx, "guest_abc", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "199.25", got.Amount.String())

	// Expired rows read as missing and are purged.
	_, err = s.GetGuestBalance(ctx, "guest_abc", base.Add(25*time.Hour))
	assert.ErrorIs(t, err, generic.ErrGuestNotFound)
	n, err := s.PurgeExpiredGuests(ctx, base.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Delete is idempotent.
	require.NoError(t, s.DeleteGuestBalance(ctx, "guest_abc"))
	_, err = s.GetGuestBalance(ctx, "guest_abc", base)
	assert.ErrorIs(t, err, generic.ErrGuestNotFound)
}
