package credits_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/generic"
)

func TestNewAccountBonus_GrantedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: a freshly opened account
	_, err := f.svc.OpenAccount(ctx, "user-1")
	require.NoError(t, err)

	// WHEN: the bonus is applied
	tx, err := f.svc.AllocateNewAccountBonus(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, generic.TxBonus, tx.Kind)
	assert.Equal(t, "1000.00", tx.BalanceAfter.String())

	// THEN: a second attempt fails and changes nothing
	_, err = f.svc.AllocateNewAccountBonus(ctx, "user-1")
	assert.ErrorIs(t, err, generic.ErrAlreadyBonused)
	assert.True(t, generic.IsConflict(err))

	b, err := f.svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", b.Amount.String())
	assert.False(t, b.IsNewAccount)
}

func TestNewAccountBonus_ConcurrentCallsGrantOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.OpenAccount(ctx, "user-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.AllocateNewAccountBonus(ctx, "user-1"); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, "1000.00", f.balance(t, "user-1").String())
}

func TestRegisterUser_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.RegisterUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", b.Amount.String())

	b, err = f.svc.RegisterUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", b.Amount.String())
}

func TestMonthlyAllocation_CalendarMonth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openWith(t, "user-1", "0")

	// GIVEN: an allocation on the last day of March
	f.clock.Set(time.Date(2025, time.March, 31, 23, 0, 0, 0, time.UTC))
	tx, err := f.svc.AllocateMonthlyCredits(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, generic.TxMonthlyAllowance, tx.Kind)
	assert.Equal(t, "200.00", tx.Amount.String())

	// WHEN: trying again later the same month
	f.clock.Set(time.Date(2025, time.March, 31, 23, 59, 0, 0, time.UTC))
	_, err = f.svc.AllocateMonthlyCredits(ctx, "user-1")

	// THEN: the guard trips
	assert.ErrorIs(t, err, generic.ErrAlreadyAllocatedThisMonth)
	assert.Equal(t, "200.00", f.balance(t, "user-1").String())

	// WHEN: an hour later, in April
	f.clock.Set(time.Date(2025, time.April, 1, 0, 30, 0, 0, time.UTC))
	_, err = f.svc.AllocateMonthlyCredits(ctx, "user-1")

	// THEN: eligible again
	require.NoError(t, err)
	b, err := f.svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "400.00", b.Amount.String())
	require.NotNil(t, b.LastMonthlyAllocationAt)
	assert.Equal(t, time.April, b.LastMonthlyAllocationAt.Month())
}

func TestMonthlyAllocation_SameMonthNextYear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openWith(t, "user-1", "0")

	_, err := f.svc.AllocateMonthlyCredits(ctx, "user-1")
	require.NoError(t, err)

	f.clock.Set(march10.AddDate(1, 0, 0))
	_, err = f.svc.AllocateMonthlyCredits(ctx, "user-1")
	assert.NoError(t, err)
}

func TestMonthlyAllocation_MissingAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AllocateMonthlyCredits(context.Background(), "ghost")
	assert.ErrorIs(t, err, generic.ErrBalanceNotFound)
}
