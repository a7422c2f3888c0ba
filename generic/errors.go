/*
errors.go - Centralized error types for the credit ledger

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Callers match them with errors.Is / errors.As; the api package maps
  them to HTTP statuses.

ERROR CATEGORIES:
  1. Validation errors - detected before any lock is taken, no side effect
     (ErrInvalidAmount, ErrInvalidKind, ErrInvalidPagination)
  2. Guard violations - detected inside the locked critical section, no
     partial mutation (ErrInsufficientCredits, ErrAlreadyBonused,
     ErrAlreadyAllocatedThisMonth)
  3. Lookup errors - ErrNotFound and its specializations, ErrPlanInactive
  4. Internal failures - storage errors wrapped by Internal()

USAGE:
  if errors.Is(err, generic.ErrInsufficientCredits) {
      // stop consuming, prompt the principal to top up; do not retry
  }

SEE ALSO:
  - ledger.go: Produces validation and guard errors
  - api/handlers.go: Maps errors to HTTP statuses
*/
package generic

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for non-positive, non-finite or over-limit amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidKind is returned when a credit kind is outside the enumerated set.
	ErrInvalidKind = errors.New("invalid transaction kind")

	// ErrInvalidPagination is returned when limit is outside [1, MaxPageSize] or offset < 0.
	ErrInvalidPagination = errors.New("invalid pagination")

	// ErrInsufficientCredits is returned when a debit exceeds the current balance.
	// Callers must treat it as a signal to stop consuming, not as transient.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNotFound is the parent of every lookup miss.
	ErrNotFound = errors.New("not found")

	// ErrBalanceNotFound is returned when no balance row exists for a principal.
	ErrBalanceNotFound = fmt.Errorf("balance %w", ErrNotFound)

	// ErrPlanNotFound is returned when a catalog entry doesn't exist.
	ErrPlanNotFound = fmt.Errorf("plan %w", ErrNotFound)

	// ErrPurchaseNotFound is returned when a purchase record doesn't exist.
	ErrPurchaseNotFound = fmt.Errorf("purchase %w", ErrNotFound)

	// ErrGuestNotFound is returned when a guest session has no live balance
	// in either the cache or the durable store.
	ErrGuestNotFound = fmt.Errorf("guest balance %w", ErrNotFound)

	// ErrPlanInactive is returned when purchasing a plan that is not active.
	ErrPlanInactive = errors.New("plan inactive")

	// ErrAlreadyBonused is returned when the new-account bonus was already granted.
	ErrAlreadyBonused = errors.New("new-account bonus already granted")

	// ErrAlreadyAllocatedThisMonth is returned when the monthly allowance was
	// already applied in the current calendar month.
	ErrAlreadyAllocatedThisMonth = errors.New("monthly credits already allocated this month")

	// ErrCacheUnavailable is returned by cache layers when the backing cache
	// cannot be reached. Guest and catalog layers fall back on it.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrInternal classifies unexpected lower-level failures.
	ErrInternal = errors.New("internal failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError provides details about a balance shortage.
type InsufficientCreditsError struct {
	PrincipalID PrincipalID
	Available   Amount
	Requested   Amount
}

func (e *InsufficientCreditsError) Shortfall() Amount {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// InternalError wraps a storage or transport failure with the operation name.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func (e *InternalError) Is(target error) bool { return target == ErrInternal }

// Internal wraps err as an internal failure unless it already carries one
// of the ledger's own error kinds.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	if isKnown(err) {
		return err
	}
	return &InternalError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidKind) ||
		errors.Is(err, ErrInvalidPagination)
}

// IsConflict returns true for guard violations detected under the lock.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyBonused) ||
		errors.Is(err, ErrAlreadyAllocatedThisMonth) ||
		errors.Is(err, ErrPlanInactive)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isKnown(err error) bool {
	return IsClientError(err) || IsConflict(err) || IsNotFound(err) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrCacheUnavailable) ||
		errors.Is(err, ErrInternal) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
