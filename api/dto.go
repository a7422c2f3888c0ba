/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract. Amounts are
  always JSON strings with two decimals ("12.50"); requests accept either
  strings or numbers.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/generic"
)

// =============================================================================
// BALANCES AND TRANSACTIONS
// =============================================================================

// BalanceDTO serves both user and guest balances. Guest balances carry
// ExpiresAt and never LastMonthlyAllocationAt.
type BalanceDTO struct {
	PrincipalID             string         `json:"principalId"`
	Amount                  generic.Amount `json:"amount"`
	Guest                   bool           `json:"guest"`
	LastMonthlyAllocationAt *time.Time     `json:"lastMonthlyAllocationAt,omitempty"`
	IsNewAccount            bool           `json:"isNewAccount,omitempty"`
	ExpiresAt               *time.Time     `json:"expiresAt,omitempty"`
}

type TransactionDTO struct {
	ID           string         `json:"id"`
	PrincipalID  string         `json:"principalId"`
	Kind         string         `json:"kind"`
	Amount       generic.Amount `json:"amount"`
	BalanceAfter generic.Amount `json:"balanceAfter"`
	Description  string         `json:"description"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	Total        int              `json:"total"`
	Limit        int              `json:"limit"`
	Offset       int              `json:"offset"`
}

type DebitRequest struct {
	Amount      generic.Amount `json:"amount"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type CreditRequest struct {
	Amount      generic.Amount `json:"amount"`
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MutationResponse answers debits and credits. Guest debits have no
// transaction.
type MutationResponse struct {
	Balance     generic.Amount  `json:"balance"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
}

// =============================================================================
// CATALOG AND PURCHASES
// =============================================================================

type PlanDTO struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Credits      generic.Amount `json:"credits"`
	Price        generic.Amount `json:"price"`
	Description  string         `json:"description,omitempty"`
	IsActive     bool           `json:"isActive"`
	DisplayOrder int            `json:"displayOrder"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// SavePlanRequest is the admin upsert body; the id comes from the path.
type SavePlanRequest struct {
	Name         string         `json:"name"`
	Credits      generic.Amount `json:"credits"`
	Price        generic.Amount `json:"price"`
	Description  string         `json:"description"`
	IsActive     bool           `json:"isActive"`
	DisplayOrder int            `json:"displayOrder"`
}

type PurchaseDTO struct {
	ID           string         `json:"id"`
	PrincipalID  string         `json:"principalId"`
	PlanID       string         `json:"planId"`
	CreditsAdded generic.Amount `json:"creditsAdded"`
	AmountPaid   generic.Amount `json:"amountPaid"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
}

type PurchasePageDTO struct {
	Purchases []PurchaseDTO `json:"purchases"`
	Total     int           `json:"total"`
	Limit     int           `json:"limit"`
	Offset    int           `json:"offset"`
}

type PurchaseRequest struct {
	PlanID string `json:"planId"`
}

type PurchaseResponse struct {
	Purchase PurchaseDTO    `json:"purchase"`
	Balance  generic.Amount `json:"balance"`
}

// =============================================================================
// GUESTS, COST, ERRORS
// =============================================================================

type MigrateRequest struct {
	UserID string `json:"userId"`
}

type MigrateResponse struct {
	Transferred generic.Amount  `json:"transferred"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
}

type CostRequest struct {
	Text string `json:"text"`
}

type CostResponse struct {
	Characters int            `json:"characters"`
	Credits    generic.Amount `json:"credits"`
}

type PurgeResponse struct {
	Deleted int64 `json:"deleted"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBalanceDTO(b generic.Balance) BalanceDTO {
	return BalanceDTO{
		PrincipalID:             string(b.PrincipalID),
		Amount:                  b.Amount,
		LastMonthlyAllocationAt: b.LastMonthlyAllocationAt,
		IsNewAccount:            b.IsNewAccount,
	}
}

func guestBalanceDTO(g generic.GuestBalance) BalanceDTO {
	expires := g.ExpiresAt
	return BalanceDTO{
		PrincipalID: string(g.SessionID),
		Amount:      g.Amount,
		Guest:       true,
		ExpiresAt:   &expires,
	}
}

func toTransactionDTO(tx generic.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           string(tx.ID),
		PrincipalID:  string(tx.PrincipalID),
		Kind:         string(tx.Kind),
		Amount:       tx.Amount,
		BalanceAfter: tx.BalanceAfter,
		Description:  tx.Description,
		Metadata:     tx.Metadata,
		CreatedAt:    tx.CreatedAt,
	}
}

func toTransactionPageDTO(p generic.TransactionPage) TransactionPageDTO {
	dtos := make([]TransactionDTO, len(p.Transactions))
	for i, tx := range p.Transactions {
		dtos[i] = toTransactionDTO(tx)
	}
	return TransactionPageDTO{Transactions: dtos, Total: p.Total, Limit: p.Limit, Offset: p.Offset}
}

func toPlanDTO(p generic.Plan) PlanDTO {
	return PlanDTO{
		ID:           string(p.ID),
		Name:         p.Name,
		Credits:      p.Credits,
		Price:        p.Price,
		Description:  p.Description,
		IsActive:     p.IsActive,
		DisplayOrder: p.DisplayOrder,
		CreatedAt:    p.CreatedAt,
	}
}

func toPurchaseDTO(p generic.Purchase) PurchaseDTO {
	return PurchaseDTO{
		ID:           string(p.ID),
		PrincipalID:  string(p.PrincipalID),
		PlanID:       string(p.PlanID),
		CreditsAdded: p.CreditsAdded,
		AmountPaid:   p.AmountPaid,
		Status:       string(p.Status),
		CreatedAt:    p.CreatedAt,
	}
}

func toPurchasePageDTO(p credits.PurchasePage) PurchasePageDTO {
	dtos := make([]PurchaseDTO, len(p.Purchases))
	for i, pu := range p.Purchases {
		dtos[i] = toPurchaseDTO(pu)
	}
	return PurchasePageDTO{Purchases: dtos, Total: p.Total, Limit: p.Limit, Offset: p.Offset}
}
