/*
policy.go - Credit policy amounts and principal classification

PURPOSE:
  Collects the fixed amounts and windows the credit rules depend on so
  they come from one place (config in production, literals in tests).

DEFAULTS:
  MaxDebit             10000.00 per debit
  NewAccountBonus       1000.00 once per account
  MonthlyAllowance       200.00 once per calendar month
  GuestInitialBalance    200.00 per guest session
  GuestTTL                 24h  refreshed on every guest deduct
  CatalogTTL               24h  active plan list cache
  CharsPerCredit            20  generated characters per credit

GUEST IDENTITY:
  Guest sessions are recognised by an id prefix ("guest_" by default).
  The monthly sweep skips them and the api routes them to the guest layer.

SEE ALSO:
  - config/config.go: LedgerConfig feeds NewPolicy
  - cost.go: Uses CharsPerCredit
*/
package credits

import (
	"strings"
	"time"

	"github.com/warp/credit-engine/generic"
)

const (
	DefaultGuestTTL       = 24 * time.Hour
	DefaultCatalogTTL     = 24 * time.Hour
	DefaultCharsPerCredit = 20
	DefaultGuestPrefix    = "guest_"
)

type Policy struct {
	MaxDebit            generic.Amount
	NewAccountBonus     generic.Amount
	MonthlyAllowance    generic.Amount
	GuestInitialBalance generic.Amount
	GuestTTL            time.Duration
	CatalogTTL          time.Duration
	CharsPerCredit      int
	GuestPrefix         string
}

// DefaultPolicy returns the production amounts.
func DefaultPolicy() Policy {
	return Policy{
		MaxDebit:            generic.DefaultMaxDebit,
		NewAccountBonus:     generic.NewAmountFromInt(1000),
		MonthlyAllowance:    generic.NewAmountFromInt(200),
		GuestInitialBalance: generic.NewAmountFromInt(200),
		GuestTTL:            DefaultGuestTTL,
		CatalogTTL:          DefaultCatalogTTL,
		CharsPerCredit:      DefaultCharsPerCredit,
		GuestPrefix:         DefaultGuestPrefix,
	}
}

// withDefaults fills zero fields so a partially built Policy stays usable.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if !p.MaxDebit.IsPositive() {
		p.MaxDebit = d.MaxDebit
	}
	if !p.NewAccountBonus.IsPositive() {
		p.NewAccountBonus = d.NewAccountBonus
	}
	if !p.MonthlyAllowance.IsPositive() {
		p.MonthlyAllowance = d.MonthlyAllowance
	}
	if !p.GuestInitialBalance.IsPositive() {
		p.GuestInitialBalance = d.GuestInitialBalance
	}
	if p.GuestTTL <= 0 {
		p.GuestTTL = d.GuestTTL
	}
	if p.CatalogTTL <= 0 {
		p.CatalogTTL = d.CatalogTTL
	}
	if p.CharsPerCredit <= 0 {
		p.CharsPerCredit = d.CharsPerCredit
	}
	if p.GuestPrefix == "" {
		p.GuestPrefix = d.GuestPrefix
	}
	return p
}

// IsGuest reports whether id names a guest session.
func (p Policy) IsGuest(id generic.PrincipalID) bool {
	return strings.HasPrefix(string(id), p.GuestPrefix)
}
