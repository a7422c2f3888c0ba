package credits

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/warp/credit-engine/generic"
)

// GuestTransferDescription labels the credit that carries a guest's
// residual balance into the user's ledger.
const GuestTransferDescription = "Guest balance transfer"

type MigrationResult struct {
	Transferred generic.Amount
	Transaction *generic.Transaction
}

// MigrateGuestToUser moves a guest session's residual balance into an
// existing user account and deletes the guest balance. The transfer is a
// bonus-kind credit carrying the session id in metadata, so the user's
// balanceAfter chain stays intact. A session with no live balance is a
// no-op, as is a zero residual (the guest row is still removed).
//
// The credit and the guest delete are separate steps. If the delete fails
// after the credit, the error is returned and the guest row is left for
// the expiry purge; a retry would find the residual again, so callers must
// not retry blindly.
func (s *Service) MigrateGuestToUser(ctx context.Context, guestID, userID generic.PrincipalID) (MigrationResult, error) {
	if _, err := s.ledger.Balance(ctx, userID); err != nil {
		return MigrationResult{}, err
	}

	guest, err := s.guests.Get(ctx, guestID)
	if errors.Is(err, generic.ErrGuestNotFound) {
		return MigrationResult{Transferred: generic.Zero()}, nil
	}
	if err != nil {
		return MigrationResult{}, err
	}

	result := MigrationResult{Transferred: generic.Zero()}
	if guest.Amount.IsPositive() {
		tx, err := s.ledger.Credit(ctx, userID, guest.Amount, generic.TxBonus, GuestTransferDescription, map[string]any{
			"guestSessionId": string(guestID),
		})
		if err != nil {
			return MigrationResult{}, err
		}
		result = MigrationResult{Transferred: tx.Amount, Transaction: &tx}
	}

	if err := s.guests.Remove(ctx, guestID); err != nil {
		s.log.Error("Guest balance transferred but not removed",
			zap.String("guest_id", string(guestID)),
			zap.String("user_id", string(userID)),
			zap.Error(err))
		return result, err
	}

	s.log.Info("Migrated guest balance",
		zap.String("guest_id", string(guestID)),
		zap.String("user_id", string(userID)),
		zap.String("amount", result.Transferred.String()))
	return result, nil
}
