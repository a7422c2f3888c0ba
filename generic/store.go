/*
store.go - Persistence interfaces for balances, transactions and catalog data

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Different implementations use SQLite, PostgreSQL, or in-memory storage;
  the Ledger never branches on which one it has.

KEY INTERFACES:
  Store:         Balance rows + append-only transaction log, with a locked
                 read-modify-write unit (WithBalanceLock)
  BalanceTx:     The view handed to the locked unit
  PlanStore:     Catalog entries (read-mostly, admin-managed)
  PurchaseStore: Purchase records
  GuestStore:    Durable guest-session balances (cache fallback target)

LOCKING CONTRACT:
  WithBalanceLock holds an exclusive lock on exactly one principal's
  balance row for the duration of fn. Everything fn writes through the
  BalanceTx commits together or not at all. Distinct principals never
  block each other. If ctx is done before the lock is granted, nothing is
  applied.

APPEND-ONLY CONTRACT:
  Transactions are written only through BalanceTx.Append. There is no
  update or delete for transactions.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (per-principal lock + BEGIN IMMEDIATE)
  - store/postgres/postgres.go: PostgreSQL (SELECT ... FOR UPDATE)
  - generic/store/memory.go: In-memory for tests and dev

SEE ALSO:
  - ledger.go: The only writer of balances and transactions
*/
package generic

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// STORE - Balance rows and the transaction log
// =============================================================================

type Store interface {
	// EnsureBalance inserts b if no row exists for b.PrincipalID and returns
	// the stored row either way.
	EnsureBalance(ctx context.Context, b Balance) (Balance, error)

	// GetBalance returns ErrBalanceNotFound if no row exists.
	GetBalance(ctx context.Context, principalID PrincipalID) (Balance, error)

	// ListBalances enumerates balance rows matching filter, ordered by principal.
	ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error)

	// ListTransactions returns one page, newest first, plus the total count.
	ListTransactions(ctx context.Context, principalID PrincipalID, page Page) ([]Transaction, int, error)

	// WithBalanceLock runs fn while holding the principal's row lock.
	// If fn returns error, every write is rolled back.
	// Returns ErrBalanceNotFound without calling fn if the row is missing.
	WithBalanceLock(ctx context.Context, principalID PrincipalID, fn func(tx BalanceTx) error) error
}

// BalanceTx is the locked view of one balance row.
type BalanceTx interface {
	// Balance returns the row as read under the lock.
	Balance() Balance

	// Save persists the new balance state.
	Save(ctx context.Context, b Balance) error

	// Append adds a transaction row in the same atomic unit.
	Append(ctx context.Context, tx Transaction) error
}

// BalanceFilter narrows ListBalances.
type BalanceFilter struct {
	// ExcludePrefix skips principals whose id starts with it (guest sessions).
	ExcludePrefix string
}

func (f BalanceFilter) Match(id PrincipalID) bool {
	return f.ExcludePrefix == "" || !strings.HasPrefix(string(id), f.ExcludePrefix)
}

// =============================================================================
// CATALOG, PURCHASES, GUESTS
// =============================================================================

type PlanStore interface {
	// SavePlan upserts a catalog entry (admin tooling only).
	SavePlan(ctx context.Context, plan Plan) error

	// GetPlan returns ErrPlanNotFound if absent.
	GetPlan(ctx context.Context, id PlanID) (Plan, error)

	// ListActivePlans returns active plans ordered by credits ascending.
	ListActivePlans(ctx context.Context) ([]Plan, error)
}

type PurchaseStore interface {
	// CreatePurchase inserts a purchase row in its own atomic unit.
	CreatePurchase(ctx context.Context, p Purchase) error

	GetPurchase(ctx context.Context, id PurchaseID) (Purchase, error)

	// ListPurchases returns one page, newest first, plus the total count.
	ListPurchases(ctx context.Context, principalID PrincipalID, page Page) ([]Purchase, int, error)
}

type GuestStore interface {
	// PutGuestBalance inserts or replaces the durable guest row.
	PutGuestBalance(ctx context.Context, g GuestBalance) error

	// GetGuestBalance returns ErrGuestNotFound if absent or expired at now.
	GetGuestBalance(ctx context.Context, sessionID PrincipalID, now time.Time) (GuestBalance, error)

	// UpdateGuestBalance runs fn under the guest row's lock and persists
	// the returned state. fn errors abort without writing.
	UpdateGuestBalance(ctx context.Context, sessionID PrincipalID, now time.Time, fn func(GuestBalance) (GuestBalance, error)) (GuestBalance, error)

	DeleteGuestBalance(ctx context.Context, sessionID PrincipalID) error

	// PurgeExpiredGuests deletes rows whose ExpiresAt is at or before now.
	PurgeExpiredGuests(ctx context.Context, now time.Time) (int64, error)
}

// DurableStore is everything a production database provides.
type DurableStore interface {
	Store
	PlanStore
	PurchaseStore
	GuestStore
	Close() error
}

// =============================================================================
// PAGINATION
// =============================================================================

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Page struct {
	Limit  int
	Offset int
}

// Validate rejects limit outside [1, MaxPageSize] and negative offsets.
func (p Page) Validate() error {
	if p.Limit < 1 || p.Limit > MaxPageSize {
		return fmt.Errorf("%w: limit %d not in [1, %d]", ErrInvalidPagination, p.Limit, MaxPageSize)
	}
	if p.Offset < 0 {
		return fmt.Errorf("%w: offset %d is negative", ErrInvalidPagination, p.Offset)
	}
	return nil
}

// Window clamps the page to a slice of length n and returns [start, end).
func (p Page) Window(n int) (int, int) {
	start := p.Offset
	if start > n {
		start = n
	}
	end := start + p.Limit
	if end > n {
		end = n
	}
	return start, end
}
