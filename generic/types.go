/*
Package generic provides the core credit ledger engine.

PURPOSE:
  This package contains the domain-agnostic types and algorithms for a
  consumable balance: a per-principal balance row, an append-only log of
  every mutation, and the atomic unit that changes both together. Whatever
  is being metered (AI messages, API calls, storage), the same engine
  handles debit, credit, locking and audit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A fixed-point credit quantity, always 2 decimal places
  - Balance: The current state for one principal (user or guest session)
  - Transaction: An immutable ledger entry with a balance-after snapshot
  - Plan / Purchase: Catalog entries and point-in-time purchase records
  - GuestBalance: Ephemeral balance for an anonymous session

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified once written
  2. Precision: Uses decimal.Decimal, rounded to 2 places before use
  3. Type Safety: Distinct ID types for principals, plans and purchases
  4. Auditability: Every mutation records BalanceAfter, so history can be
     checked without replay

USAGE:
  amount := generic.NewAmount(12.5)
  tx, err := ledger.Debit(ctx, "user-123", amount, "Chat message", nil)

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
  - ledger.go: Debit / Credit / guarded mutations
*/
package generic

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Fixed-point credit quantity (2 decimal places)
// =============================================================================

// Precision is the number of decimal places every stored amount carries.
const Precision int32 = 2

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value float64) Amount {
	return Amount{Value: decimal.NewFromFloat(value)}.Round()
}

// AmountFromFloat converts a caller-supplied float, rejecting NaN and ±Inf.
func AmountFromFloat(value float64) (Amount, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Amount{}, fmt.Errorf("%w: not a finite number", ErrInvalidAmount)
	}
	return NewAmount(value), nil
}

func NewAmountFromInt(value int64) Amount {
	return Amount{Value: decimal.NewFromInt(value)}
}

func NewAmountFromDecimal(d decimal.Decimal) Amount {
	return Amount{Value: d}.Round()
}

// Parsed amounts outside these bounds are rejected before rounding, which
// would otherwise rescale to as many digits as the exponent asks for.
const (
	maxMagnitudeDigits = 20
	minExponent        = -30
)

func checkMagnitude(d decimal.Decimal) error {
	if d.Exponent() < minExponent || int64(d.NumDigits())+int64(d.Exponent()) > maxMagnitudeDigits {
		return fmt.Errorf("%w: magnitude out of range", ErrInvalidAmount)
	}
	return nil
}

// ParseAmount parses a decimal string such as "12.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := checkMagnitude(d); err != nil {
		return Amount{}, err
	}
	return NewAmountFromDecimal(d), nil
}

func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func Zero() Amount { return Amount{Value: decimal.Zero} }

// Round rounds half away from zero to Precision places.
func (a Amount) Round() Amount { return Amount{Value: a.Value.Round(Precision)} }

func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value)}.Round() }
func (a Amount) Sub(b Amount) Amount       { return Amount{Value: a.Value.Sub(b.Value)}.Round() }
func (a Amount) Neg() Amount               { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool    { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool       { return a.Value.Equal(b.Value) }
func (a Amount) String() string            { return a.Value.StringFixed(Precision) }

// Cents returns the amount as an integer number of hundredths.
func (a Amount) Cents() int64 { return a.Round().Value.Shift(Precision).IntPart() }

// AmountFromCents is the inverse of Cents.
func AmountFromCents(cents int64) Amount {
	return Amount{Value: decimal.New(cents, -Precision)}
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both "12.50" and 12.5.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if err := checkMagnitude(d); err != nil {
		return err
	}
	*a = NewAmountFromDecimal(d)
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// PrincipalID identifies whoever holds a balance: an authenticated user id
// or a guest session id.
type PrincipalID string
type TransactionID string
type PlanID string
type PurchaseID string

// =============================================================================
// BALANCE - Current state per principal
// =============================================================================

type Balance struct {
	PrincipalID             PrincipalID
	Amount                  Amount
	LastMonthlyAllocationAt *time.Time
	IsNewAccount            bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// =============================================================================
// TRANSACTION - Immutable record of one balance mutation
// =============================================================================

type TransactionKind string

const (
	TxDebit            TransactionKind = "debit"
	TxPurchase         TransactionKind = "purchase"
	TxBonus            TransactionKind = "bonus"
	TxMonthlyAllowance TransactionKind = "monthly_allowance"
)

// IsCredit reports whether the kind increases the balance.
func (k TransactionKind) IsCredit() bool {
	switch k {
	case TxPurchase, TxBonus, TxMonthlyAllowance:
		return true
	}
	return false
}

// Valid reports whether k is one of the enumerated kinds.
func (k TransactionKind) Valid() bool { return k == TxDebit || k.IsCredit() }

// Transaction amounts are always positive; direction comes from Kind.
type Transaction struct {
	ID           TransactionID
	PrincipalID  PrincipalID
	Kind         TransactionKind
	Amount       Amount
	BalanceAfter Amount
	Description  string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Signed returns the amount with the sign implied by Kind.
func (t Transaction) Signed() Amount {
	if t.Kind == TxDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// =============================================================================
// CATALOG AND PURCHASES
// =============================================================================

type Plan struct {
	ID           PlanID
	Name         string
	Credits      Amount
	Price        Amount
	Description  string
	IsActive     bool
	DisplayOrder int
	CreatedAt    time.Time
}

type PurchaseStatus string

const (
	PurchaseCompleted PurchaseStatus = "completed"
	PurchasePending   PurchaseStatus = "pending"
	PurchaseFailed    PurchaseStatus = "failed"
)

// Purchase snapshots the plan's credits and price at purchase time so later
// catalog edits never rewrite history.
type Purchase struct {
	ID           PurchaseID
	PrincipalID  PrincipalID
	PlanID       PlanID
	CreditsAdded Amount
	AmountPaid   Amount
	Status       PurchaseStatus
	CreatedAt    time.Time
}

// =============================================================================
// GUEST BALANCE - Ephemeral, keyed by session
// =============================================================================

type GuestBalance struct {
	SessionID PrincipalID
	Amount    Amount
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the guest balance is past its retention window.
func (g GuestBalance) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}
