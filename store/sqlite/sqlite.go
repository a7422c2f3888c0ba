/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.DurableStore using SQLite: balances, the append-only
  transaction log, the plan catalog, purchases and durable guest balances.
  This is the default backend for single-node deployments and tests.

INTERFACES IMPLEMENTED:
  generic.Store:         Balances + transactions with row-level locking
  generic.PlanStore:     Catalog entries
  generic.PurchaseStore: Purchase records
  generic.GuestStore:    Guest balances (fallback when the cache is down)

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table

KEY TABLES:
  balances:        One row per principal, amount as TEXT decimal
  transactions:    Immutable ledger, newest-first index per principal
  plans:           Catalog
  purchases:       Point-in-time purchase records
  guest_balances:  Session balances with expiry

LOCKING:
  SQLite has no SELECT ... FOR UPDATE. WithBalanceLock takes an in-process
  lock keyed by principal, then opens a BEGIN IMMEDIATE transaction
  (_txlock=immediate) so the read and both writes see one snapshot and
  commit together. Distinct principals only contend on SQLite's single
  writer, which _busy_timeout absorbs.

ORDERING:
  Timestamps are stored as fixed-width UTC strings with nanoseconds, so
  lexical order is chronological. Ties break on rowid (insertion order).

USAGE:
  store, err := sqlite.New("./data/credits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := generic.NewLedger(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Interface definitions
  - store/postgres: Same contract on PostgreSQL
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/credit-engine/generic"
)

// timeLayout is fixed width so string comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements generic.DurableStore using SQLite.
type Store struct {
	db    *sql.DB
	locks *generic.KeyedLock
}

var _ generic.DurableStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, locks: generic.NewKeyedLock()}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS balances (
		principal_id TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		last_monthly_allocation_at TEXT,
		is_new_account INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		description TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- History pages (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_principal_created
		ON transactions(principal_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		credits TEXT NOT NULL,
		price TEXT NOT NULL,
		description TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		display_order INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		credits_added TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_principal
		ON purchases(principal_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS guest_balances (
		session_id TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_guest_balances_expires
		ON guest_balances(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BALANCE STORE (generic.Store interface)
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) EnsureBalance(ctx context.Context, b generic.Balance) (generic.Balance, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances
		(principal_id, amount, last_monthly_allocation_at, is_new_account, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(principal_id) DO NOTHING
	`,
		b.PrincipalID,
		b.Amount.String(),
		nullTime(b.LastMonthlyAllocationAt),
		b.IsNewAccount,
		formatTime(b.CreatedAt),
		formatTime(b.UpdatedAt),
	)
	if err != nil {
		return generic.Balance{}, fmt.Errorf("failed to insert balance: %w", err)
	}
	return s.GetBalance(ctx, b.PrincipalID)
}

func (s *Store) GetBalance(ctx context.Context, id generic.PrincipalID) (generic.Balance, error) {
	return getBalance(ctx, s.db, id)
}

const balanceColumns = `principal_id, amount, last_monthly_allocation_at, is_new_account, created_at, updated_at`

func getBalance(ctx context.Context, q querier, id generic.PrincipalID) (generic.Balance, error) {
	row := q.QueryRowContext(ctx, `SELECT `+balanceColumns+` FROM balances WHERE principal_id = ?`, id)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Balance{}, generic.ErrBalanceNotFound
	}
	return b, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (generic.Balance, error) {
	var (
		b           generic.Balance
		amount      string
		lastMonthly sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&b.PrincipalID, &amount, &lastMonthly, &b.IsNewAccount, &createdAt, &updatedAt); err != nil {
		return b, err
	}
	var err error
	if b.Amount, err = generic.ParseAmount(amount); err != nil {
		return b, fmt.Errorf("corrupt balance amount for %s: %w", b.PrincipalID, err)
	}
	if lastMonthly.Valid {
		t := parseTime(lastMonthly.String)
		b.LastMonthlyAllocationAt = &t
	}
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

func (s *Store) ListBalances(ctx context.Context, filter generic.BalanceFilter) ([]generic.Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM balances`
	var args []any
	if filter.ExcludePrefix != "" {
		query += ` WHERE substr(principal_id, 1, ?) <> ?`
		args = append(args, len(filter.ExcludePrefix), filter.ExcludePrefix)
	}
	query += ` ORDER BY principal_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []generic.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *Store) ListTransactions(ctx context.Context, id generic.PrincipalID, page generic.Page) ([]generic.Transaction, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE principal_id = ?`, id,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_id, kind, amount, balance_after, description, metadata_json, created_at
		FROM transactions
		WHERE principal_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, id, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []generic.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		txs = append(txs, tx)
	}
	return txs, total, rows.Err()
}

func scanTransaction(rows *sql.Rows) (generic.Transaction, error) {
	var (
		tx           generic.Transaction
		amount       string
		balanceAfter string
		description  sql.NullString
		metadataJSON sql.NullString
		createdAt    string
	)

	err := rows.Scan(&tx.ID, &tx.PrincipalID, &tx.Kind, &amount, &balanceAfter,
		&description, &metadataJSON, &createdAt)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Amount, err = generic.ParseAmount(amount); err != nil {
		return tx, err
	}
	if tx.BalanceAfter, err = generic.ParseAmount(balanceAfter); err != nil {
		return tx, err
	}
	tx.Description = description.String
	tx.CreatedAt = parseTime(createdAt)

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("corrupt metadata on transaction %s: %w", tx.ID, err)
		}
	}
	return tx, nil
}

// =============================================================================
// LOCKED UNIT (generic.BalanceTx)
// =============================================================================

// WithBalanceLock executes fn within one database transaction while holding
// the principal's lock.
func (s *Store) WithBalanceLock(ctx context.Context, id generic.PrincipalID, fn func(generic.BalanceTx) error) error {
	unlock, err := s.locks.Lock(ctx, "balance:"+string(id))
	if err != nil {
		return err
	}
	defer unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	b, err := getBalance(ctx, sqlTx, id)
	if err != nil {
		return err
	}

	if err := fn(&balanceTx{tx: sqlTx, balance: b}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type balanceTx struct {
	tx      *sql.Tx
	balance generic.Balance
}

func (bt *balanceTx) Balance() generic.Balance { return bt.balance }

func (bt *balanceTx) Save(ctx context.Context, b generic.Balance) error {
	_, err := bt.tx.ExecContext(ctx, `
		UPDATE balances
		SET amount = ?, last_monthly_allocation_at = ?, is_new_account = ?, updated_at = ?
		WHERE principal_id = ?
	`,
		b.Amount.String(),
		nullTime(b.LastMonthlyAllocationAt),
		b.IsNewAccount,
		formatTime(b.UpdatedAt),
		b.PrincipalID,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (bt *balanceTx) Append(ctx context.Context, tx generic.Transaction) error {
	return appendTx(ctx, bt.tx, tx)
}

func appendTx(ctx context.Context, db execer, tx generic.Transaction) error {
	var metadataJSON sql.NullString
	if len(tx.Metadata) > 0 {
		raw, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions
		(id, principal_id, kind, amount, balance_after, description, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		tx.PrincipalID,
		tx.Kind,
		tx.Amount.String(),
		tx.BalanceAfter.String(),
		nullString(tx.Description),
		metadataJSON,
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// =============================================================================
// PLAN STORE
// =============================================================================

func (s *Store) SavePlan(ctx context.Context, p generic.Plan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, credits, price, description, is_active, display_order, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			credits = excluded.credits,
			price = excluded.price,
			description = excluded.description,
			is_active = excluded.is_active,
			display_order = excluded.display_order
	`,
		p.ID, p.Name, p.Credits.String(), p.Price.String(), nullString(p.Description),
		p.IsActive, p.DisplayOrder, formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

const planColumns = `id, name, credits, price, description, is_active, display_order, created_at`

func (s *Store) GetPlan(ctx context.Context, id generic.PlanID) (generic.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Plan{}, generic.ErrPlanNotFound
	}
	return p, err
}

func (s *Store) ListActivePlans(ctx context.Context) ([]generic.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+planColumns+` FROM plans
		WHERE is_active = 1
		ORDER BY CAST(credits AS REAL) ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	plans := []generic.Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func scanPlan(row scanner) (generic.Plan, error) {
	var (
		p           generic.Plan
		credits     string
		price       string
		description sql.NullString
		createdAt   string
	)
	if err := row.Scan(&p.ID, &p.Name, &credits, &price, &description, &p.IsActive, &p.DisplayOrder, &createdAt); err != nil {
		return p, err
	}
	var err error
	if p.Credits, err = generic.ParseAmount(credits); err != nil {
		return p, err
	}
	if p.Price, err = generic.ParseAmount(price); err != nil {
		return p, err
	}
	p.Description = description.String
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

// =============================================================================
// PURCHASE STORE
// =============================================================================

func (s *Store) CreatePurchase(ctx context.Context, p generic.Purchase) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchases (id, principal_id, plan_id, credits_added, amount_paid, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.PrincipalID, p.PlanID, p.CreditsAdded.String(), p.AmountPaid.String(),
		p.Status, formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	return nil
}

const purchaseColumns = `id, principal_id, plan_id, credits_added, amount_paid, status, created_at`

func (s *Store) GetPurchase(ctx context.Context, id generic.PurchaseID) (generic.Purchase, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`, id)
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Purchase{}, generic.ErrPurchaseNotFound
	}
	return p, err
}

func (s *Store) ListPurchases(ctx context.Context, id generic.PrincipalID, page generic.Page) ([]generic.Purchase, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM purchases WHERE principal_id = ?`, id,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count purchases: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE principal_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, id, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	purchases := []generic.Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, 0, err
		}
		purchases = append(purchases, p)
	}
	return purchases, total, rows.Err()
}

func scanPurchase(row scanner) (generic.Purchase, error) {
	var (
		p         generic.Purchase
		credits   string
		paid      string
		createdAt string
	)
	if err := row.Scan(&p.ID, &p.PrincipalID, &p.PlanID, &credits, &paid, &p.Status, &createdAt); err != nil {
		return p, err
	}
	var err error
	if p.CreditsAdded, err = generic.ParseAmount(credits); err != nil {
		return p, err
	}
	if p.AmountPaid, err = generic.ParseAmount(paid); err != nil {
		return p, err
	}
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

// =============================================================================
// GUEST STORE
// =============================================================================

func (s *Store) PutGuestBalance(ctx context.Context, g generic.GuestBalance) error {
	return putGuest(ctx, s.db, g)
}

func putGuest(ctx context.Context, db execer, g generic.GuestBalance) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO guest_balances (session_id, amount, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			amount = excluded.amount,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`,
		g.SessionID, g.Amount.String(), formatTime(g.ExpiresAt),
		formatTime(g.CreatedAt), formatTime(g.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save guest balance: %w", err)
	}
	return nil
}

func (s *Store) GetGuestBalance(ctx context.Context, id generic.PrincipalID, now time.Time) (generic.GuestBalance, error) {
	return getGuest(ctx, s.db, id, now)
}

func getGuest(ctx context.Context, q querier, id generic.PrincipalID, now time.Time) (generic.GuestBalance, error) {
	var (
		g         generic.GuestBalance
		amount    string
		expiresAt string
		createdAt string
		updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT session_id, amount, expires_at, created_at, updated_at
		FROM guest_balances WHERE session_id = ?
	`, id).Scan(&g.SessionID, &amount, &expiresAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return g, generic.ErrGuestNotFound
	}
	if err != nil {
		return g, fmt.Errorf("failed to load guest balance: %w", err)
	}
	if g.Amount, err = generic.ParseAmount(amount); err != nil {
		return g, err
	}
	g.ExpiresAt = parseTime(expiresAt)
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)
	if g.Expired(now) {
		return generic.GuestBalance{}, generic.ErrGuestNotFound
	}
	return g, nil
}

func (s *Store) UpdateGuestBalance(ctx context.Context, id generic.PrincipalID, now time.Time, fn func(generic.GuestBalance) (generic.GuestBalance, error)) (generic.GuestBalance, error) {
	unlock, err := s.locks.Lock(ctx, "guest:"+string(id))
	if err != nil {
		return generic.GuestBalance{}, err
	}
	defer unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.GuestBalance{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	current, err := getGuest(ctx, sqlTx, id, now)
	if err != nil {
		return generic.GuestBalance{}, err
	}
	next, err := fn(current)
	if err != nil {
		return generic.GuestBalance{}, err
	}
	if err := putGuest(ctx, sqlTx, next); err != nil {
		return generic.GuestBalance{}, err
	}
	if err := sqlTx.Commit(); err != nil {
		return generic.GuestBalance{}, fmt.Errorf("failed to commit guest balance: %w", err)
	}
	return next, nil
}

func (s *Store) DeleteGuestBalance(ctx context.Context, id generic.PrincipalID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM guest_balances WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete guest balance: %w", err)
	}
	return nil
}

func (s *Store) PurgeExpiredGuests(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM guest_balances WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to purge guest balances: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}
