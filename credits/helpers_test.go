package credits_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var march10 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func amt(s string) generic.Amount { return generic.MustParseAmount(s) }

type fixture struct {
	svc   *credits.Service
	store *store.Memory
	clock *generic.FixedClock
}

func newFixture(t *testing.T, opts ...credits.Option) fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := generic.NewFixedClock(march10)
	clock.Step = time.Millisecond
	opts = append([]credits.Option{credits.WithClock(clock)}, opts...)
	return fixture{svc: credits.New(mem, opts...), store: mem, clock: clock}
}

// openWith opens an account (no bonus) and tops it up with a purchase credit.
func (f fixture) openWith(t *testing.T, id generic.PrincipalID, balance string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.OpenAccount(ctx, id)
	require.NoError(t, err)
	if b := amt(balance); b.IsPositive() {
		_, err = f.svc.Credit(ctx, id, b, generic.TxPurchase, "seed", nil)
		require.NoError(t, err)
	}
}

func (f fixture) balance(t *testing.T, id generic.PrincipalID) generic.Amount {
	t.Helper()
	b, err := f.svc.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b.Amount
}

func (f fixture) savePlan(t *testing.T, id generic.PlanID, credits, price string, active bool) {
	t.Helper()
	require.NoError(t, f.svc.SavePlan(context.Background(), generic.Plan{
		ID:       id,
		Name:     string(id) + " pack",
		Credits:  amt(credits),
		Price:    amt(price),
		IsActive: active,
	}))
}

// =============================================================================
// FAILING COLLABORATORS
// =============================================================================

var errCacheDown = errors.Join(generic.ErrCacheUnavailable, errors.New("dial tcp 127.0.0.1:6379: connection refused"))

type mockGuestCache struct{ mock.Mock }

func (m *mockGuestCache) PutGuest(ctx context.Context, g generic.GuestBalance) error {
	return m.Called(ctx, g).Error(0)
}

func (m *mockGuestCache) GetGuest(ctx context.Context, id generic.PrincipalID, now time.Time) (generic.GuestBalance, error) {
	args := m.Called(ctx, id, now)
	return args.Get(0).(generic.GuestBalance), args.Error(1)
}

func (m *mockGuestCache) DeductGuest(ctx context.Context, id generic.PrincipalID, amount generic.Amount, now time.Time, ttl time.Duration) (generic.GuestBalance, error) {
	args := m.Called(ctx, id, amount, now, ttl)
	return args.Get(0).(generic.GuestBalance), args.Error(1)
}

func (m *mockGuestCache) DeleteGuest(ctx context.Context, id generic.PrincipalID) error {
	return m.Called(ctx, id).Error(0)
}

// downGuestCache fails every call as unreachable.
func downGuestCache() *mockGuestCache {
	c := &mockGuestCache{}
	c.On("PutGuest", mock.Anything, mock.Anything).Return(errCacheDown)
	c.On("GetGuest", mock.Anything, mock.Anything, mock.Anything).Return(generic.GuestBalance{}, errCacheDown)
	c.On("DeductGuest", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(generic.GuestBalance{}, errCacheDown)
	c.On("DeleteGuest", mock.Anything, mock.Anything).Return(errCacheDown)
	return c
}

type mockPlanCache struct{ mock.Mock }

func (m *mockPlanCache) GetActivePlans(ctx context.Context) ([]generic.Plan, bool, error) {
	args := m.Called(ctx)
	plans, _ := args.Get(0).([]generic.Plan)
	return plans, args.Bool(1), args.Error(2)
}

func (m *mockPlanCache) SetActivePlans(ctx context.Context, plans []generic.Plan, ttl time.Duration) error {
	return m.Called(ctx, plans, ttl).Error(0)
}

func (m *mockPlanCache) InvalidateActivePlans(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// lockFailingStore fails the locked unit for selected principals, the way
// a dropped database connection would.
type lockFailingStore struct {
	*store.Memory
	failFor map[generic.PrincipalID]bool
}

var errConnReset = errors.New("connection reset by peer")

func (s *lockFailingStore) WithBalanceLock(ctx context.Context, id generic.PrincipalID, fn func(generic.BalanceTx) error) error {
	if s.failFor[id] {
		return errConnReset
	}
	return s.Memory.WithBalanceLock(ctx, id, fn)
}
