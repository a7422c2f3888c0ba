package generic_test

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
	"github.com/warp/credit-engine/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var jan15 = time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)

func credits(s string) generic.Amount { return generic.MustParseAmount(s) }

func newTestLedger(t *testing.T, opts ...generic.Option) (*generic.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	clock := generic.NewFixedClock(jan15)
	clock.Step = time.Millisecond
	opts = append([]generic.Option{generic.WithClock(clock)}, opts...)
	return generic.NewLedger(mem, opts...), mem
}

func openFunded(t *testing.T, l *generic.Ledger, id generic.PrincipalID, amount string) {
	t.Helper()
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, id)
	require.NoError(t, err)
	_, err = l.Credit(ctx, id, credits(amount), generic.TxPurchase, "seed", nil)
	require.NoError(t, err)
}

// brokenStore fails every locked unit with a transport error.
type brokenStore struct {
	*store.Memory
	err error
}

func (b brokenStore) WithBalanceLock(context.Context, generic.PrincipalID, func(generic.BalanceTx) error) error {
	return b.err
}

// =============================================================================
// DEBIT / CREDIT
// =============================================================================

func TestDebitChainsBalanceAfter(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	openFunded(t, l, "alice", "100")

	// WHEN: debiting twice
	tx1, err := l.Debit(ctx, "alice", credits("12.345"), "reply", map[string]any{"messageId": "m-1"})
	require.NoError(t, err)
	tx2, err := l.Debit(ctx, "alice", credits("7.5"), "reply", nil)
	require.NoError(t, err)

	// THEN: amounts are rounded and each BalanceAfter builds on the last
	assert.Equal(t, "12.35", tx1.Amount.String())
	assert.Equal(t, "87.65", tx1.BalanceAfter.String())
	assert.Equal(t, "80.15", tx2.BalanceAfter.String())
	assert.Equal(t, generic.TxDebit, tx2.Kind)
	assert.NotEmpty(t, tx1.ID)
	assert.True(t, tx2.CreatedAt.After(tx1.CreatedAt))

	page, err := l.History(ctx, "alice", generic.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 3)
	assert.Equal(t, tx2.ID, page.Transactions[0].ID)
	assert.Equal(t, -1, generic.VerifyChain(page.Transactions))

	b, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "80.15", b.Amount.String())
}

func TestDebitRejections(t *testing.T) {
	l, _ := newTestLedger(t, generic.WithMaxDebit(credits("50")))
	openFunded(t, l, "alice", "20")

	tests := []struct {
		name   string
		id     generic.PrincipalID
		amount string
		want   error
	}{
		{"zero", "alice", "0", generic.ErrInvalidAmount},
		{"negative", "alice", "-1", generic.ErrInvalidAmount},
		{"rounds to zero", "alice", "0.004", generic.ErrInvalidAmount},
		{"above max", "alice", "50.01", generic.ErrInvalidAmount},
		{"more than balance", "alice", "20.01", generic.ErrInsufficientCredits},
		{"missing principal", "bob", "1", generic.ErrBalanceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Debit(context.Background(), tt.id, credits(tt.amount), "", nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// THEN: nothing was written by the rejected debits
	b, err := l.Balance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "20.00", b.Amount.String())
}

func TestInsufficientCreditsCarriesShortfall(t *testing.T) {
	l, _ := newTestLedger(t)
	openFunded(t, l, "alice", "5")

	_, err := l.Debit(context.Background(), "alice", credits("7.25"), "", nil)

	var insufficient *generic.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "5.00", insufficient.Available.String())
	assert.Equal(t, "2.25", insufficient.Shortfall().String())
}

func TestDebitToExactlyZero(t *testing.T) {
	l, _ := newTestLedger(t)
	openFunded(t, l, "alice", "3.10")

	tx, err := l.Debit(context.Background(), "alice", credits("3.10"), "", nil)
	require.NoError(t, err)
	assert.True(t, tx.BalanceAfter.IsZero())
}

func TestCreditRejectsDebitKind(t *testing.T) {
	l, _ := newTestLedger(t)
	openFunded(t, l, "alice", "1")

	_, err := l.Credit(context.Background(), "alice", credits("5"), generic.TxDebit, "", nil)
	assert.ErrorIs(t, err, generic.ErrInvalidKind)

	_, err = l.Apply(context.Background(), "alice", generic.Mutation{Kind: "refund", Amount: credits("1")})
	assert.ErrorIs(t, err, generic.ErrInvalidKind)
}

func TestOpenAccountIsIdempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	b, err := l.OpenAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, b.IsNewAccount)
	assert.True(t, b.Amount.IsZero())

	_, err = l.Credit(ctx, "alice", credits("4"), generic.TxBonus, "", nil)
	require.NoError(t, err)

	b, err = l.OpenAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "4.00", b.Amount.String())
}

// =============================================================================
// GUARDED MUTATIONS
// =============================================================================

func TestGuardAbortsWithoutWrite(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	openFunded(t, l, "alice", "10")
	errNope := errors.New("nope")

	_, err := l.Apply(ctx, "alice", generic.Mutation{
		Kind:   generic.TxBonus,
		Amount: credits("5"),
		Guard:  func(generic.Balance, time.Time) error { return errNope },
		Update: func(b *generic.Balance, _ time.Time) { b.IsNewAccount = false },
	})
	assert.ErrorIs(t, err, errNope)

	b, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "10.00", b.Amount.String())
	assert.True(t, b.IsNewAccount)
}

func TestUpdateRunsInTheSameUnit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "alice")
	require.NoError(t, err)

	tx, err := l.Apply(ctx, "alice", generic.Mutation{
		Kind:   generic.TxMonthlyAllowance,
		Amount: credits("200"),
		Guard: func(b generic.Balance, now time.Time) error {
			if !generic.EligibleForAllocation(b.LastMonthlyAllocationAt, now) {
				return generic.ErrAlreadyAllocatedThisMonth
			}
			return nil
		},
		Update: func(b *generic.Balance, now time.Time) { b.LastMonthlyAllocationAt = &now },
	})
	require.NoError(t, err)

	b, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, b.LastMonthlyAllocationAt)
	assert.Equal(t, tx.CreatedAt, *b.LastMonthlyAllocationAt)
}

// =============================================================================
// HOOKS, OBSERVER, ERRORS
// =============================================================================

func TestCommitHookSeesOnlyCommitted(t *testing.T) {
	var seen []generic.Transaction
	l, _ := newTestLedger(t, generic.WithCommitHook(func(_ context.Context, tx generic.Transaction) {
		seen = append(seen, tx)
	}))
	openFunded(t, l, "alice", "1")

	_, err := l.Debit(context.Background(), "alice", credits("2"), "", nil)
	require.Error(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, generic.TxPurchase, seen[0].Kind)
}

func TestObserverReceivesOutcome(t *testing.T) {
	var kinds []generic.TransactionKind
	var errs []error
	l, _ := newTestLedger(t, generic.WithObserver(func(kind generic.TransactionKind, elapsed time.Duration, err error) {
		assert.GreaterOrEqual(t, elapsed, time.Duration(0))
		kinds = append(kinds, kind)
		errs = append(errs, err)
	}))
	openFunded(t, l, "alice", "1")
	_, _ = l.Debit(context.Background(), "alice", credits("2"), "", nil)

	assert.Equal(t, []generic.TransactionKind{generic.TxPurchase, generic.TxDebit}, kinds)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], generic.ErrInsufficientCredits)
}

func TestStoreFailuresAreInternal(t *testing.T) {
	transport := errors.New("connection reset by peer")
	l := generic.NewLedger(brokenStore{Memory: store.NewMemory(), err: transport})

	_, err := l.Debit(context.Background(), "alice", credits("1"), "", nil)

	assert.ErrorIs(t, err, generic.ErrInternal)
	assert.ErrorIs(t, err, transport)
	assert.False(t, generic.IsClientError(err))
}

func TestHistoryValidatesPage(t *testing.T) {
	l, _ := newTestLedger(t)

	for _, page := range []generic.Page{{Limit: 0}, {Limit: generic.MaxPageSize + 1}, {Limit: 5, Offset: -1}} {
		_, err := l.History(context.Background(), "alice", page)
		assert.ErrorIs(t, err, generic.ErrInvalidPagination, fmt.Sprintf("%+v", page))
	}

	page, err := l.History(context.Background(), "nobody", generic.Page{Limit: 5})
	require.NoError(t, err)
	assert.NotNil(t, page.Transactions)
	assert.Zero(t, page.Total)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	openFunded(t, l, "alice", "100")

	// GIVEN: 50 concurrent debits of 3 against a balance of 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, insufficient := 0, 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, "alice", credits("3"), "", nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, generic.ErrInsufficientCredits):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN: exactly 33 fit, and the chain is intact
	assert.Equal(t, 33, succeeded)
	assert.Equal(t, 17, insufficient)

	b, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1.00", b.Amount.String())

	page, err := l.History(ctx, "alice", generic.Page{Limit: generic.MaxPageSize})
	require.NoError(t, err)
	assert.Equal(t, -1, generic.VerifyChain(page.Transactions))
}

func TestVerifyChainFindsBreak(t *testing.T) {
	txs := []generic.Transaction{
		{Kind: generic.TxDebit, Amount: credits("5"), BalanceAfter: credits("90")},
		{Kind: generic.TxDebit, Amount: credits("5"), BalanceAfter: credits("100")},
		{Kind: generic.TxPurchase, Amount: credits("105"), BalanceAfter: credits("105")},
	}
	// 100 - 5 = 95, not 90; the second is 105 - 5 = 100 and holds.
	assert.Equal(t, 0, generic.VerifyChain(txs))
	assert.Equal(t, -1, generic.VerifyChain(txs[1:]))
	assert.Equal(t, -1, generic.VerifyChain(nil))
}
