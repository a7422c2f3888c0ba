/*
ledger.go - Atomic balance mutations with an append-only audit trail

PURPOSE:
  The Ledger is the only writer of balances and transactions. Every debit,
  purchase, bonus and monthly allowance runs as one atomic unit:

    lock principal row -> read -> guard -> write balance -> append tx -> commit

  Either the balance change and its transaction both land, or neither does.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: A debit that would take the balance below zero fails
     with InsufficientCreditsError and writes nothing.
  2. CHAINED: Every transaction's BalanceAfter equals the previous
     transaction's BalanceAfter plus its signed amount. VerifyChain checks it.
  3. SERIALIZED: Mutations for one principal never interleave. Mutations
     for different principals never wait on each other.
  4. APPEND-ONLY: Transactions are never edited. Corrections are new
     transactions.

VALIDATION ORDER:
  Amount and kind are validated before the lock is requested. A rejected
  request never touches the store.

GUARDED MUTATIONS:
  Apply accepts a Mutation whose Guard and Update run inside the lock.
  The new-account bonus and the monthly allowance use this to read and
  flip their flags in the same unit as the credit, so two concurrent
  allocations can never both pass the guard.

SEE ALSO:
  - store.go: WithBalanceLock contract
  - credits/allocation.go: Bonus and monthly guards
*/
package generic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxDebit caps a single debit.
var DefaultMaxDebit = NewAmountFromInt(10000)

// =============================================================================
// MUTATION - One guarded change to a balance
// =============================================================================

type Mutation struct {
	Kind        TransactionKind
	Amount      Amount
	Description string
	Metadata    map[string]any

	// Guard runs under the lock before anything changes. A non-nil error
	// aborts the unit with no write.
	Guard func(b Balance, now time.Time) error

	// Update adjusts non-amount fields (flags, timestamps) under the lock.
	Update func(b *Balance, now time.Time)
}

// CommitHook is called after a mutation commits. It must not block.
type CommitHook func(ctx context.Context, tx Transaction)

// Observer receives the outcome and lock-held duration of every Apply.
type Observer func(kind TransactionKind, elapsed time.Duration, err error)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store    Store
	clock    Clock
	maxDebit Amount
	newID    func() string
	hooks    []CommitHook
	observe  Observer
}

type Option func(*Ledger)

func WithClock(c Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithMaxDebit(max Amount) Option { return func(l *Ledger) { l.maxDebit = max } }

func WithIDGenerator(fn func() string) Option { return func(l *Ledger) { l.newID = fn } }

func WithCommitHook(h CommitHook) Option {
	return func(l *Ledger) { l.hooks = append(l.hooks, h) }
}

func WithObserver(o Observer) Option { return func(l *Ledger) { l.observe = o } }

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		clock:    SystemClock{},
		maxDebit: DefaultMaxDebit,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Clock() Clock { return l.clock }

func (l *Ledger) MaxDebit() Amount { return l.maxDebit }

// =============================================================================
// OPERATIONS
// =============================================================================

// OpenAccount creates a zero balance flagged as new. Calling it again for an
// existing principal returns the stored row unchanged.
func (l *Ledger) OpenAccount(ctx context.Context, id PrincipalID) (Balance, error) {
	now := l.clock.Now()
	b, err := l.store.EnsureBalance(ctx, Balance{
		PrincipalID:  id,
		Amount:       Zero(),
		IsNewAccount: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	return b, Internal("open account", err)
}

// ValidateDebit rounds amount and checks it lies in (0, max]. It touches no
// store, so callers run it before taking any lock.
func ValidateDebit(amount, max Amount) (Amount, error) {
	amount = amount.Round()
	if !amount.IsPositive() {
		return amount, fmt.Errorf("%w: debit must be positive, got %s", ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(max) {
		return amount, fmt.Errorf("%w: debit %s exceeds maximum %s", ErrInvalidAmount, amount, max)
	}
	return amount, nil
}

// Debit removes amount from the principal's balance.
func (l *Ledger) Debit(ctx context.Context, id PrincipalID, amount Amount, description string, metadata map[string]any) (Transaction, error) {
	amount, err := ValidateDebit(amount, l.maxDebit)
	if err != nil {
		return Transaction{}, err
	}
	return l.Apply(ctx, id, Mutation{
		Kind:        TxDebit,
		Amount:      amount,
		Description: description,
		Metadata:    metadata,
	})
}

// Credit adds amount under one of the credit kinds.
func (l *Ledger) Credit(ctx context.Context, id PrincipalID, amount Amount, kind TransactionKind, description string, metadata map[string]any) (Transaction, error) {
	if !kind.IsCredit() {
		return Transaction{}, fmt.Errorf("%w: %q is not a credit kind", ErrInvalidKind, kind)
	}
	return l.Apply(ctx, id, Mutation{
		Kind:        kind,
		Amount:      amount,
		Description: description,
		Metadata:    metadata,
	})
}

// Apply runs m as one atomic unit on the principal's balance.
func (l *Ledger) Apply(ctx context.Context, id PrincipalID, m Mutation) (Transaction, error) {
	if !m.Kind.Valid() {
		return Transaction{}, fmt.Errorf("%w: %q", ErrInvalidKind, m.Kind)
	}
	m.Amount = m.Amount.Round()
	if !m.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, m.Amount)
	}

	var committed Transaction
	start := time.Now()
	err := l.store.WithBalanceLock(ctx, id, func(tx BalanceTx) error {
		b := tx.Balance()
		now := l.clock.Now()

		if m.Guard != nil {
			if err := m.Guard(b, now); err != nil {
				return err
			}
		}

		if m.Kind == TxDebit {
			if b.Amount.LessThan(m.Amount) {
				return &InsufficientCreditsError{PrincipalID: id, Available: b.Amount, Requested: m.Amount}
			}
			b.Amount = b.Amount.Sub(m.Amount)
		} else {
			b.Amount = b.Amount.Add(m.Amount)
		}
		b.UpdatedAt = now
		if m.Update != nil {
			m.Update(&b, now)
		}
		if err := tx.Save(ctx, b); err != nil {
			return err
		}

		committed = Transaction{
			ID:           TransactionID(l.newID()),
			PrincipalID:  id,
			Kind:         m.Kind,
			Amount:       m.Amount,
			BalanceAfter: b.Amount,
			Description:  m.Description,
			Metadata:     m.Metadata,
			CreatedAt:    now,
		}
		return tx.Append(ctx, committed)
	})
	if l.observe != nil {
		l.observe(m.Kind, time.Since(start), err)
	}
	if err != nil {
		return Transaction{}, Internal(string(m.Kind), err)
	}

	for _, h := range l.hooks {
		h(ctx, committed)
	}
	return committed, nil
}

// Balance returns the current balance row.
func (l *Ledger) Balance(ctx context.Context, id PrincipalID) (Balance, error) {
	b, err := l.store.GetBalance(ctx, id)
	return b, Internal("get balance", err)
}

// TransactionPage is one page of history, newest first.
type TransactionPage struct {
	Transactions []Transaction
	Total        int
	Limit        int
	Offset       int
}

// History returns a page of the principal's transactions. A principal with
// no balance row gets an empty page, not an error.
func (l *Ledger) History(ctx context.Context, id PrincipalID, page Page) (TransactionPage, error) {
	if err := page.Validate(); err != nil {
		return TransactionPage{}, err
	}
	txs, total, err := l.store.ListTransactions(ctx, id, page)
	if err != nil {
		return TransactionPage{}, Internal("list transactions", err)
	}
	if txs == nil {
		txs = []Transaction{}
	}
	return TransactionPage{Transactions: txs, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// =============================================================================
// AUDIT
// =============================================================================

// VerifyChain checks that consecutive transactions (newest first, as
// History returns them) agree on BalanceAfter. It returns the index of the
// first newer transaction that breaks the chain, or -1.
func VerifyChain(txs []Transaction) int {
	for i := 0; i+1 < len(txs); i++ {
		want := txs[i+1].BalanceAfter.Add(txs[i].Signed())
		if !want.Equal(txs[i].BalanceAfter) {
			return i
		}
	}
	return -1
}
