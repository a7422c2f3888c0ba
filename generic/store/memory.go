// Package store provides Store implementations.
package store

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/credit-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.DurableStore. Row locks are per principal;
// the data maps sit behind one RWMutex held only for short copies.
type Memory struct {
	mu           sync.RWMutex
	balances     map[generic.PrincipalID]generic.Balance
	transactions map[generic.PrincipalID][]generic.Transaction
	plans        map[generic.PlanID]generic.Plan
	purchases    map[generic.PurchaseID]generic.Purchase
	guests       map[generic.PrincipalID]generic.GuestBalance

	locks *generic.KeyedLock
}

var _ generic.DurableStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		balances:     make(map[generic.PrincipalID]generic.Balance),
		transactions: make(map[generic.PrincipalID][]generic.Transaction),
		plans:        make(map[generic.PlanID]generic.Plan),
		purchases:    make(map[generic.PurchaseID]generic.Purchase),
		guests:       make(map[generic.PrincipalID]generic.GuestBalance),
		locks:        generic.NewKeyedLock(),
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// BALANCES AND TRANSACTIONS
// =============================================================================

func (m *Memory) EnsureBalance(ctx context.Context, b generic.Balance) (generic.Balance, error) {
	if err := ctx.Err(); err != nil {
		return generic.Balance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.balances[b.PrincipalID]; ok {
		return existing, nil
	}
	m.balances[b.PrincipalID] = b
	return b, nil
}

func (m *Memory) GetBalance(_ context.Context, id generic.PrincipalID) (generic.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[id]
	if !ok {
		return generic.Balance{}, generic.ErrBalanceNotFound
	}
	return b, nil
}

func (m *Memory) ListBalances(_ context.Context, filter generic.BalanceFilter) ([]generic.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]generic.Balance, 0, len(m.balances))
	for id, b := range m.balances {
		if filter.Match(id) {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PrincipalID < result[j].PrincipalID })
	return result, nil
}

// ListTransactions returns newest first. Slices are kept in append order,
// which is commit order because appends happen under the row lock.
func (m *Memory) ListTransactions(_ context.Context, id generic.PrincipalID, page generic.Page) ([]generic.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.transactions[id]
	n := len(all)
	start, end := page.Window(n)
	result := make([]generic.Transaction, 0, end-start)
	for i := start; i < end; i++ {
		tx := all[n-1-i]
		tx.Metadata = maps.Clone(tx.Metadata)
		result = append(result, tx)
	}
	return result, n, nil
}

// WithBalanceLock buffers writes in a view and publishes them only if fn
// succeeds, so a failed unit leaves no trace.
func (m *Memory) WithBalanceLock(ctx context.Context, id generic.PrincipalID, fn func(generic.BalanceTx) error) error {
	unlock, err := m.locks.Lock(ctx, "balance:"+string(id))
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.RLock()
	b, ok := m.balances[id]
	m.mu.RUnlock()
	if !ok {
		return generic.ErrBalanceNotFound
	}

	view := &memoryBalanceTx{current: b, next: b}
	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[id] = view.next
	m.transactions[id] = append(m.transactions[id], view.appended...)
	return nil
}

type memoryBalanceTx struct {
	current  generic.Balance
	next     generic.Balance
	appended []generic.Transaction
}

func (v *memoryBalanceTx) Balance() generic.Balance { return v.current }

func (v *memoryBalanceTx) Save(_ context.Context, b generic.Balance) error {
	v.next = b
	return nil
}

func (v *memoryBalanceTx) Append(_ context.Context, tx generic.Transaction) error {
	tx.Metadata = maps.Clone(tx.Metadata)
	v.appended = append(v.appended, tx)
	return nil
}

// =============================================================================
// PLANS AND PURCHASES
// =============================================================================

func (m *Memory) SavePlan(_ context.Context, p generic.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p
	return nil
}

func (m *Memory) GetPlan(_ context.Context, id generic.PlanID) (generic.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return generic.Plan{}, generic.ErrPlanNotFound
	}
	return p, nil
}

func (m *Memory) ListActivePlans(_ context.Context) ([]generic.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]generic.Plan, 0, len(m.plans))
	for _, p := range m.plans {
		if p.IsActive {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Credits.Equal(result[j].Credits) {
			return result[i].Credits.LessThan(result[j].Credits)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) CreatePurchase(_ context.Context, p generic.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchases[p.ID] = p
	return nil
}

func (m *Memory) GetPurchase(_ context.Context, id generic.PurchaseID) (generic.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.purchases[id]
	if !ok {
		return generic.Purchase{}, generic.ErrPurchaseNotFound
	}
	return p, nil
}

func (m *Memory) ListPurchases(_ context.Context, id generic.PrincipalID, page generic.Page) ([]generic.Purchase, int, error) {
	m.mu.RLock()
	var all []generic.Purchase
	for _, p := range m.purchases {
		if p.PrincipalID == id {
			all = append(all, p)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return strings.Compare(string(all[i].ID), string(all[j].ID)) > 0
	})
	start, end := page.Window(len(all))
	return append([]generic.Purchase{}, all[start:end]...), len(all), nil
}

// =============================================================================
// GUEST BALANCES
// =============================================================================

func (m *Memory) PutGuestBalance(_ context.Context, g generic.GuestBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guests[g.SessionID] = g
	return nil
}

func (m *Memory) GetGuestBalance(_ context.Context, id generic.PrincipalID, now time.Time) (generic.GuestBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.guests[id]
	if !ok || g.Expired(now) {
		return generic.GuestBalance{}, generic.ErrGuestNotFound
	}
	return g, nil
}

func (m *Memory) UpdateGuestBalance(ctx context.Context, id generic.PrincipalID, now time.Time, fn func(generic.GuestBalance) (generic.GuestBalance, error)) (generic.GuestBalance, error) {
	unlock, err := m.locks.Lock(ctx, "guest:"+string(id))
	if err != nil {
		return generic.GuestBalance{}, err
	}
	defer unlock()

	current, err := m.GetGuestBalance(ctx, id, now)
	if err != nil {
		return generic.GuestBalance{}, err
	}
	next, err := fn(current)
	if err != nil {
		return generic.GuestBalance{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.guests[id] = next
	return next, nil
}

func (m *Memory) DeleteGuestBalance(_ context.Context, id generic.PrincipalID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.guests, id)
	return nil
}

func (m *Memory) PurgeExpiredGuests(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, g := range m.guests {
		if g.Expired(now) {
			delete(m.guests, id)
			n++
		}
	}
	return n, nil
}
