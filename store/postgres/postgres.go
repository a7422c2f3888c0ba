// Package postgres provides a PostgreSQL-backed generic.DurableStore.
//
// Balances are locked with SELECT ... FOR UPDATE inside one pgx transaction,
// so the read, the balance write and the transaction append commit together
// and concurrent writers for the same principal queue on the row lock. This
// is the backend for multi-instance deployments.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/credit-engine/generic"
)

// Store is a PostgreSQL-backed DurableStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ generic.DurableStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "credits_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New wraps an existing pool. Call EnsureSchema before first use.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "credits_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a pool from dsn, pings it and ensures the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("credits/postgres: ping: %w", err)
	}
	s := New(pool, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) balancesTable() string     { return s.tablePrefix + "balances" }
func (s *Store) transactionsTable() string { return s.tablePrefix + "transactions" }
func (s *Store) plansTable() string        { return s.tablePrefix + "plans" }
func (s *Store) purchasesTable() string    { return s.tablePrefix + "purchases" }
func (s *Store) guestsTable() string       { return s.tablePrefix + "guest_balances" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			principal_id TEXT PRIMARY KEY,
			amount NUMERIC(14,2) NOT NULL CHECK (amount >= 0),
			last_monthly_allocation_at TIMESTAMPTZ,
			is_new_account BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount NUMERIC(14,2) NOT NULL,
			balance_after NUMERIC(14,2) NOT NULL,
			description TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_principal_idx ON %[2]s (principal_id, created_at DESC, seq DESC);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			credits NUMERIC(14,2) NOT NULL,
			price NUMERIC(14,2) NOT NULL,
			description TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			display_order INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[4]s (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			credits_added NUMERIC(14,2) NOT NULL,
			amount_paid NUMERIC(14,2) NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[4]s_principal_idx ON %[4]s (principal_id, created_at DESC, seq DESC);
		CREATE TABLE IF NOT EXISTS %[5]s (
			session_id TEXT PRIMARY KEY,
			amount NUMERIC(14,2) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[5]s_expires_idx ON %[5]s (expires_at);
	`, s.balancesTable(), s.transactionsTable(), s.plansTable(), s.purchasesTable(), s.guestsTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("credits/postgres: ensure schema: %w", err)
	}
	return nil
}

// DropSchema removes every table this store owns. Tests only.
func (s *Store) DropSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s, %s, %s, %s, %s`,
		s.balancesTable(), s.transactionsTable(), s.plansTable(), s.purchasesTable(), s.guestsTable()))
	return err
}

// =============================================================================
// BALANCES AND TRANSACTIONS
// =============================================================================

func (s *Store) EnsureBalance(ctx context.Context, b generic.Balance) (generic.Balance, error) {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (principal_id, amount, last_monthly_allocation_at, is_new_account, created_at, updated_at)
		VALUES ($1, $2::text::numeric, $3, $4, $5, $6)
		ON CONFLICT (principal_id) DO NOTHING`, s.balancesTable()),
		string(b.PrincipalID), b.Amount.String(), b.LastMonthlyAllocationAt, b.IsNewAccount,
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return generic.Balance{}, fmt.Errorf("credits/postgres: insert balance: %w", err)
	}
	return s.GetBalance(ctx, b.PrincipalID)
}

func (s *Store) balanceSelect() string {
	return fmt.Sprintf(`SELECT principal_id, amount::text, last_monthly_allocation_at, is_new_account, created_at, updated_at FROM %s`,
		s.balancesTable())
}

func (s *Store) GetBalance(ctx context.Context, id generic.PrincipalID) (generic.Balance, error) {
	b, err := scanBalance(s.pool.QueryRow(ctx, s.balanceSelect()+` WHERE principal_id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Balance{}, generic.ErrBalanceNotFound
	}
	if err != nil {
		return generic.Balance{}, fmt.Errorf("credits/postgres: get balance: %w", err)
	}
	return b, nil
}

func scanBalance(row pgx.Row) (generic.Balance, error) {
	var (
		b      generic.Balance
		id     string
		amount string
		last   *time.Time
	)
	if err := row.Scan(&id, &amount, &last, &b.IsNewAccount, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return b, err
	}
	b.PrincipalID = generic.PrincipalID(id)
	var err error
	if b.Amount, err = generic.ParseAmount(amount); err != nil {
		return b, err
	}
	if last != nil {
		t := last.UTC()
		b.LastMonthlyAllocationAt = &t
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func (s *Store) ListBalances(ctx context.Context, filter generic.BalanceFilter) ([]generic.Balance, error) {
	q := s.balanceSelect()
	var args []any
	if filter.ExcludePrefix != "" {
		q += ` WHERE NOT starts_with(principal_id, $1)`
		args = append(args, filter.ExcludePrefix)
	}
	q += ` ORDER BY principal_id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: list balances: %w", err)
	}
	defer rows.Close()

	var balances []generic.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("credits/postgres: scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *Store) ListTransactions(ctx context.Context, id generic.PrincipalID, page generic.Page) ([]generic.Transaction, int, error) {
	var total int
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE principal_id = $1`, s.transactionsTable()),
		string(id),
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("credits/postgres: count transactions: %w", err)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, principal_id, kind, amount::text, balance_after::text, description, metadata::text, created_at
		FROM %s
		WHERE principal_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3`, s.transactionsTable()),
		string(id), page.Limit, page.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("credits/postgres: list transactions: %w", err)
	}
	defer rows.Close()

	var txs []generic.Transaction
	for rows.Next() {
		var (
			tx           generic.Transaction
			txID, pid    string
			kind         string
			amount       string
			balanceAfter string
			description  *string
			metadata     *string
		)
		if err := rows.Scan(&txID, &pid, &kind, &amount, &balanceAfter, &description, &metadata, &tx.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("credits/postgres: scan transaction: %w", err)
		}
		tx.ID = generic.TransactionID(txID)
		tx.PrincipalID = generic.PrincipalID(pid)
		tx.Kind = generic.TransactionKind(kind)
		if tx.Amount, err = generic.ParseAmount(amount); err != nil {
			return nil, 0, err
		}
		if tx.BalanceAfter, err = generic.ParseAmount(balanceAfter); err != nil {
			return nil, 0, err
		}
		if description != nil {
			tx.Description = *description
		}
		if metadata != nil {
			if err := json.Unmarshal([]byte(*metadata), &tx.Metadata); err != nil {
				return nil, 0, fmt.Errorf("credits/postgres: decode metadata: %w", err)
			}
		}
		tx.CreatedAt = tx.CreatedAt.UTC()
		txs = append(txs, tx)
	}
	return txs, total, rows.Err()
}

// WithBalanceLock runs fn inside one transaction holding the row lock.
func (s *Store) WithBalanceLock(ctx context.Context, id generic.PrincipalID, fn func(generic.BalanceTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("credits/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := scanBalance(tx.QueryRow(ctx, s.balanceSelect()+` WHERE principal_id = $1 FOR UPDATE`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.ErrBalanceNotFound
	}
	if err != nil {
		return fmt.Errorf("credits/postgres: lock balance: %w", err)
	}

	if err := fn(&balanceTx{store: s, tx: tx, balance: b}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("credits/postgres: commit: %w", err)
	}
	return nil
}

type balanceTx struct {
	store   *Store
	tx      pgx.Tx
	balance generic.Balance
}

func (bt *balanceTx) Balance() generic.Balance { return bt.balance }

func (bt *balanceTx) Save(ctx context.Context, b generic.Balance) error {
	_, err := bt.tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET amount = $1::text::numeric, last_monthly_allocation_at = $2, is_new_account = $3, updated_at = $4
		WHERE principal_id = $5`, bt.store.balancesTable()),
		b.Amount.String(), b.LastMonthlyAllocationAt, b.IsNewAccount, b.UpdatedAt, string(b.PrincipalID),
	)
	if err != nil {
		return fmt.Errorf("credits/postgres: update balance: %w", err)
	}
	return nil
}

func (bt *balanceTx) Append(ctx context.Context, t generic.Transaction) error {
	var metadata *string
	if len(t.Metadata) > 0 {
		raw, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("credits/postgres: encode metadata: %w", err)
		}
		m := string(raw)
		metadata = &m
	}
	var description *string
	if t.Description != "" {
		description = &t.Description
	}
	_, err := bt.tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, principal_id, kind, amount, balance_after, description, metadata, created_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6, $7::text::jsonb, $8)`,
		bt.store.transactionsTable()),
		string(t.ID), string(t.PrincipalID), string(t.Kind), t.Amount.String(), t.BalanceAfter.String(),
		description, metadata, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("credits/postgres: append transaction: %w", err)
	}
	return nil
}

// =============================================================================
// PLANS AND PURCHASES
// =============================================================================

func (s *Store) SavePlan(ctx context.Context, p generic.Plan) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, name, credits, price, description, is_active, display_order, created_at)
		VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			credits = EXCLUDED.credits,
			price = EXCLUDED.price,
			description = EXCLUDED.description,
			is_active = EXCLUDED.is_active,
			display_order = EXCLUDED.display_order`, s.plansTable()),
		string(p.ID), p.Name, p.Credits.String(), p.Price.String(), p.Description,
		p.IsActive, p.DisplayOrder, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("credits/postgres: save plan: %w", err)
	}
	return nil
}

func (s *Store) planSelect() string {
	return fmt.Sprintf(`SELECT id, name, credits::text, price::text, COALESCE(description, ''), is_active, display_order, created_at FROM %s`,
		s.plansTable())
}

func scanPlan(row pgx.Row) (generic.Plan, error) {
	var (
		p       generic.Plan
		id      string
		credits string
		price   string
	)
	if err := row.Scan(&id, &p.Name, &credits, &price, &p.Description, &p.IsActive, &p.DisplayOrder, &p.CreatedAt); err != nil {
		return p, err
	}
	p.ID = generic.PlanID(id)
	var err error
	if p.Credits, err = generic.ParseAmount(credits); err != nil {
		return p, err
	}
	if p.Price, err = generic.ParseAmount(price); err != nil {
		return p, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (s *Store) GetPlan(ctx context.Context, id generic.PlanID) (generic.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, s.planSelect()+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Plan{}, generic.ErrPlanNotFound
	}
	if err != nil {
		return generic.Plan{}, fmt.Errorf("credits/postgres: get plan: %w", err)
	}
	return p, nil
}

func (s *Store) ListActivePlans(ctx context.Context) ([]generic.Plan, error) {
	rows, err := s.pool.Query(ctx, s.planSelect()+` WHERE is_active ORDER BY credits ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: list plans: %w", err)
	}
	defer rows.Close()

	plans := []generic.Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("credits/postgres: scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (s *Store) CreatePurchase(ctx context.Context, p generic.Purchase) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, principal_id, plan_id, credits_added, amount_paid, status, created_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6, $7)`, s.purchasesTable()),
		string(p.ID), string(p.PrincipalID), string(p.PlanID), p.CreditsAdded.String(),
		p.AmountPaid.String(), string(p.Status), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("credits/postgres: insert purchase: %w", err)
	}
	return nil
}

func (s *Store) purchaseSelect() string {
	return fmt.Sprintf(`SELECT id, principal_id, plan_id, credits_added::text, amount_paid::text, status, created_at FROM %s`,
		s.purchasesTable())
}

func scanPurchase(row pgx.Row) (generic.Purchase, error) {
	var (
		p                   generic.Purchase
		id, pid, plan, stat string
		credits, paid       string
	)
	if err := row.Scan(&id, &pid, &plan, &credits, &paid, &stat, &p.CreatedAt); err != nil {
		return p, err
	}
	p.ID = generic.PurchaseID(id)
	p.PrincipalID = generic.PrincipalID(pid)
	p.PlanID = generic.PlanID(plan)
	p.Status = generic.PurchaseStatus(stat)
	var err error
	if p.CreditsAdded, err = generic.ParseAmount(credits); err != nil {
		return p, err
	}
	if p.AmountPaid, err = generic.ParseAmount(paid); err != nil {
		return p, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (s *Store) GetPurchase(ctx context.Context, id generic.PurchaseID) (generic.Purchase, error) {
	p, err := scanPurchase(s.pool.QueryRow(ctx, s.purchaseSelect()+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Purchase{}, generic.ErrPurchaseNotFound
	}
	if err != nil {
		return generic.Purchase{}, fmt.Errorf("credits/postgres: get purchase: %w", err)
	}
	return p, nil
}

func (s *Store) ListPurchases(ctx context.Context, id generic.PrincipalID, page generic.Page) ([]generic.Purchase, int, error) {
	var total int
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE principal_id = $1`, s.purchasesTable()),
		string(id),
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("credits/postgres: count purchases: %w", err)
	}

	rows, err := s.pool.Query(ctx, s.purchaseSelect()+`
		WHERE principal_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3`, string(id), page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("credits/postgres: list purchases: %w", err)
	}
	defer rows.Close()

	purchases := []generic.Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("credits/postgres: scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	return purchases, total, rows.Err()
}

// =============================================================================
// GUEST BALANCES
// =============================================================================

func (s *Store) PutGuestBalance(ctx context.Context, g generic.GuestBalance) error {
	return s.putGuest(ctx, s.pool, g)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) putGuest(ctx context.Context, db rowQuerier, g generic.GuestBalance) error {
	var sessionID string
	err := db.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (session_id, amount, expires_at, created_at, updated_at)
		VALUES ($1, $2::text::numeric, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		RETURNING session_id`, s.guestsTable()),
		string(g.SessionID), g.Amount.String(), g.ExpiresAt, g.CreatedAt, g.UpdatedAt,
	).Scan(&sessionID)
	if err != nil {
		return fmt.Errorf("credits/postgres: save guest balance: %w", err)
	}
	return nil
}

func (s *Store) guestSelect() string {
	return fmt.Sprintf(`SELECT session_id, amount::text, expires_at, created_at, updated_at FROM %s`, s.guestsTable())
}

func scanGuest(row pgx.Row, now time.Time) (generic.GuestBalance, error) {
	var (
		g      generic.GuestBalance
		id     string
		amount string
	)
	err := row.Scan(&id, &amount, &g.ExpiresAt, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return g, generic.ErrGuestNotFound
	}
	if err != nil {
		return g, fmt.Errorf("credits/postgres: get guest balance: %w", err)
	}
	g.SessionID = generic.PrincipalID(id)
	if g.Amount, err = generic.ParseAmount(amount); err != nil {
		return g, err
	}
	g.ExpiresAt = g.ExpiresAt.UTC()
	g.CreatedAt = g.CreatedAt.UTC()
	g.UpdatedAt = g.UpdatedAt.UTC()
	if g.Expired(now) {
		return generic.GuestBalance{}, generic.ErrGuestNotFound
	}
	return g, nil
}

func (s *Store) GetGuestBalance(ctx context.Context, id generic.PrincipalID, now time.Time) (generic.GuestBalance, error) {
	return scanGuest(s.pool.QueryRow(ctx, s.guestSelect()+` WHERE session_id = $1`, string(id)), now)
}

func (s *Store) UpdateGuestBalance(ctx context.Context, id generic.PrincipalID, now time.Time, fn func(generic.GuestBalance) (generic.GuestBalance, error)) (generic.GuestBalance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return generic.GuestBalance{}, fmt.Errorf("credits/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanGuest(tx.QueryRow(ctx, s.guestSelect()+` WHERE session_id = $1 FOR UPDATE`, string(id)), now)
	if err != nil {
		return generic.GuestBalance{}, err
	}
	next, err := fn(current)
	if err != nil {
		return generic.GuestBalance{}, err
	}
	if err := s.putGuest(ctx, tx, next); err != nil {
		return generic.GuestBalance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return generic.GuestBalance{}, fmt.Errorf("credits/postgres: commit: %w", err)
	}
	return next, nil
}

func (s *Store) DeleteGuestBalance(ctx context.Context, id generic.PrincipalID) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE session_id = $1`, s.guestsTable()), string(id))
	if err != nil {
		return fmt.Errorf("credits/postgres: delete guest balance: %w", err)
	}
	return nil
}

func (s *Store) PurgeExpiredGuests(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.guestsTable()), now)
	if err != nil {
		return 0, fmt.Errorf("credits/postgres: purge guest balances: %w", err)
	}
	return tag.RowsAffected(), nil
}
