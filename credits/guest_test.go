package credits_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/generic"
)

func TestGuest_DurableStrategy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: a new guest session
	g, err := f.svc.InitializeGuestBalance(ctx, "guest_abc")
	require.NoError(t, err)
	assert.Equal(t, "200.00", g.Amount.String())
	assert.Equal(t, 24*time.Hour, g.ExpiresAt.Sub(g.CreatedAt))

	// WHEN: it spends some credits
	g, err = f.svc.DeductGuestCredits(ctx, "guest_abc", amt("12.5"))
	require.NoError(t, err)
	assert.Equal(t, "187.50", g.Amount.String())

	// THEN: re-initializing does not refill it
	g, err = f.svc.InitializeGuestBalance(ctx, "guest_abc")
	require.NoError(t, err)
	assert.Equal(t, "187.50", g.Amount.String())

	// AND: guest balances never reach the transaction log
	page, err := f.svc.GetTransactionHistory(ctx, "guest_abc", generic.Page{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestGuest_DeductRefreshesExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.svc.InitializeGuestBalance(ctx, "guest_abc")
	require.NoError(t, err)
	first := g.ExpiresAt

	f.clock.Advance(20 * time.Hour)
	g, err = f.svc.DeductGuestCredits(ctx, "guest_abc", amt("1"))
	require.NoError(t, err)
	assert.True(t, g.ExpiresAt.After(first.Add(19*time.Hour)))

	// Past the original expiry, the session is still alive.
	f.clock.Advance(10 * time.Hour)
	g, err = f.svc.GetGuestBalance(ctx, "guest_abc")
	require.NoError(t, err)
	assert.Equal(t, "199.00", g.Amount.String())
}

func TestGuest_ExpiredIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.InitializeGuestBalance(ctx, "guest_abc")
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.GetGuestBalance(ctx, "guest_abc")
	assert.ErrorIs(t, err, generic.ErrGuestNotFound)

	n, err := f.svc.PurgeExpiredGuests(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A later initialize starts a fresh session.
	g, err := f.svc.InitializeGuestBalance(ctx, "guest_abc")
	require.NoError(t, err)
	assert.Equal(t, "200.00", g.Amount.String())
}

func TestGuest_DeductValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.InitializeGuestBalance(ctx, "guest_abc")
	require.NoError(t, err)

	_, err = f.svc.DeductGuestCredits(ctx, "guest_abc", amt("0"))
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)

	_, err = f.svc.DeductGuestCredits(ctx, "guest_abc", amt("200.01"))
	assert.ErrorIs(t, err, generic.ErrInsufficientCredits)

	_, err = f.svc.DeductGuestCredits(ctx, "guest_missing", amt("1"))
	assert.ErrorIs(t, err, generic.ErrGuestNotFound)
}

func TestGuest_CacheDownFallsBackToDurable(t *testing.T) {
	cache := downGuestCache()
	f := newFixture(t, credits.WithGuestCache(cache))
	ctx := context.Background()

	// GIVEN: the cache refuses every connection
	// WHEN: a guest session starts
	g, err := f.svc.InitializeGuestBalance(ctx, "guest_abc")

	// THEN: it is served from the durable store
	require.NoError(t, err)
	assert.Equal(t, "200.00", g.Amount.String())

	g, err = f.svc.GetGuestBalance(ctx, "guest_abc")
	require.NoError(t, err)
	assert.Equal(t, "200.00", g.Amount.String())

	g, err = f.svc.DeductGuestCredits(ctx, "guest_abc", amt("50"))
	require.NoError(t, err)
	assert.Equal(t, "150.00", g.Amount.String())

	stored, err := f.store.GetGuestBalance(ctx, "guest_abc", f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "150.00", stored.Amount.String())

	cache.AssertCalled(t, "GetGuest", mock.Anything, generic.PrincipalID("guest_abc"), mock.Anything)
}

func TestGuest_CacheFirst(t *testing.T) {
	cache := &mockGuestCache{}
	f := newFixture(t, credits.WithGuestCache(cache))
	ctx := context.Background()

	cached := generic.GuestBalance{SessionID: "guest_abc", Amount: amt("80")}
	cache.On("GetGuest", mock.Anything, generic.PrincipalID("guest_abc"), mock.Anything).Return(cached, nil)
	cache.On("DeductGuest", mock.Anything, generic.PrincipalID("guest_abc"),
		mock.MatchedBy(func(a generic.Amount) bool { return a.Equal(amt("5")) }), mock.Anything, 24*time.Hour).
		Return(generic.GuestBalance{SessionID: "guest_abc", Amount: amt("75")}, nil)

	// WHEN: reading and deducting a cached session
	g, err := f.svc.GetGuestBalance(ctx, "guest_abc")
	require.NoError(t, err)
	assert.Equal(t, "80.00", g.Amount.String())

	g, err = f.svc.DeductGuestCredits(ctx, "guest_abc", amt("5"))
	require.NoError(t, err)
	assert.Equal(t, "75.00", g.Amount.String())

	// THEN: the durable store was never involved
	_, err = f.store.GetGuestBalance(ctx, "guest_abc", f.clock.Now())
	assert.ErrorIs(t, err, generic.ErrGuestNotFound)
	cache.AssertExpectations(t)
}

func TestGuest_CacheMissConsultsDurable(t *testing.T) {
	cache := &mockGuestCache{}
	f := newFixture(t, credits.WithGuestCache(cache))
	ctx := context.Background()

	// GIVEN: a session that was created in the durable store during an outage
	require.NoError(t, f.store.PutGuestBalance(ctx, generic.GuestBalance{
		SessionID: "guest_abc",
		Amount:    amt("60"),
		ExpiresAt: march10.Add(time.Hour),
		CreatedAt: march10,
		UpdatedAt: march10,
	}))
	cache.On("GetGuest", mock.Anything, mock.Anything, mock.Anything).Return(generic.GuestBalance{}, generic.ErrGuestNotFound)
	cache.On("DeductGuest", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(generic.GuestBalance{}, generic.ErrGuestNotFound)

	// WHEN: the cache has since recovered but knows nothing about it
	g, err := f.svc.InitializeGuestBalance(ctx, "guest_abc")
	require.NoError(t, err)
	assert.Equal(t, "60.00", g.Amount.String(), "no second starting balance")

	g, err = f.svc.DeductGuestCredits(ctx, "guest_abc", amt("10"))
	require.NoError(t, err)
	assert.Equal(t, "50.00", g.Amount.String())
	cache.AssertNotCalled(t, "PutGuest", mock.Anything, mock.Anything)
}

func TestGuest_CacheInsufficientIsFinal(t *testing.T) {
	cache := &mockGuestCache{}
	f := newFixture(t, credits.WithGuestCache(cache))

	cache.On("DeductGuest", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(generic.GuestBalance{}, &generic.InsufficientCreditsError{PrincipalID: "guest_abc", Available: amt("1"), Requested: amt("2")})

	_, err := f.svc.DeductGuestCredits(context.Background(), "guest_abc", amt("2"))
	assert.ErrorIs(t, err, generic.ErrInsufficientCredits)
}
