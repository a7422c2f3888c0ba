package credits_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/generic"
)

func TestMigrateGuestToUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: a guest who spent 35 and a freshly registered user
	_, err := f.svc.InitializeGuestBalance(ctx, "guest_abc")
	require.NoError(t, err)
	_, err = f.svc.DeductGuestCredits(ctx, "guest_abc", amt("35"))
	require.NoError(t, err)
	_, err = f.svc.RegisterUser(ctx, "user-1")
	require.NoError(t, err)

	// WHEN: the guest signs up as user-1
	res, err := f.svc.MigrateGuestToUser(ctx, "guest_abc", "user-1")
	require.NoError(t, err)

	// THEN: the residual moved over as an audited credit
	assert.Equal(t, "165.00", res.Transferred.String())
	require.NotNil(t, res.Transaction)
	assert.Equal(t, generic.TxBonus, res.Transaction.Kind)
	assert.Equal(t, credits.GuestTransferDescription, res.Transaction.Description)
	assert.Equal(t, "guest_abc", res.Transaction.Metadata["guestSessionId"])
	assert.Equal(t, "1165.00", f.balance(t, "user-1").String())

	// AND: the guest balance is gone
	_, err = f.svc.GetGuestBalance(ctx, "guest_abc")
	assert.ErrorIs(t, err, generic.ErrGuestNotFound)

	// AND: migrating again is a no-op
	res, err = f.svc.MigrateGuestToUser(ctx, "guest_abc", "user-1")
	require.NoError(t, err)
	assert.True(t, res.Transferred.IsZero())
	assert.Nil(t, res.Transaction)
	assert.Equal(t, "1165.00", f.balance(t, "user-1").String())
}

func TestMigrateGuestToUser_CacheDown(t *testing.T) {
	f := newFixture(t, credits.WithGuestCache(downGuestCache()))
	ctx := context.Background()

	_, err := f.svc.InitializeGuestBalance(ctx, "guest_abc")
	require.NoError(t, err)
	f.openWith(t, "user-1", "0")

	res, err := f.svc.MigrateGuestToUser(ctx, "guest_abc", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "200.00", res.Transferred.String())

	_, err = f.store.GetGuestBalance(ctx, "guest_abc", f.clock.Now())
	assert.ErrorIs(t, err, generic.ErrGuestNotFound)
}

func TestMigrateGuestToUser_UnknownUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.InitializeGuestBalance(ctx, "guest_abc")
	require.NoError(t, err)

	_, err = f.svc.MigrateGuestToUser(ctx, "guest_abc", "user-404")
	assert.ErrorIs(t, err, generic.ErrBalanceNotFound)

	// The guest keeps its balance.
	g, err := f.svc.GetGuestBalance(ctx, "guest_abc")
	require.NoError(t, err)
	assert.Equal(t, "200.00", g.Amount.String())
}
