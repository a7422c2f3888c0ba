/*
handlers.go - HTTP API handlers for the credit engine

PURPOSE:
  Exposes the credit engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to credits.Service.

ENDPOINTS:
  Principals:
    POST   /api/principals/{id}               Register (open + new-account bonus)
    GET    /api/principals/{id}/balance       Balance (guest ids use the guest layer)
    POST   /api/principals/{id}/debit         Debit (guest ids deduct the guest balance)
    POST   /api/principals/{id}/credit        Credit (purchase | bonus | monthly_allowance)
    POST   /api/principals/{id}/bonus         New-account bonus
    POST   /api/principals/{id}/monthly       Monthly allowance
    GET    /api/principals/{id}/transactions  History, newest first (?limit&offset)
    GET    /api/principals/{id}/purchases     Purchases, newest first (?limit&offset)
    POST   /api/principals/{id}/purchases     Buy a plan

  Guests:
    POST   /api/guests/{id}                   Start a guest session balance
    POST   /api/guests/{id}/migrate           Move the residual to a user

  Catalog:
    GET    /api/plans                         Active plans, cheapest first
    GET    /api/plans/{id}                    One plan (active or not)
    GET    /api/purchases/{id}                One purchase
    POST   /api/cost                          Price a generated text

  Admin:
    PUT    /api/admin/plans/{id}              Upsert a plan, invalidate cache
    POST   /api/admin/sweep                   Run the monthly allocation sweep
    POST   /api/admin/guests/purge            Delete expired guest rows

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors (amount, kind, pagination, malformed body)
  - 402: Insufficient credits
  - 404: Balance, plan, purchase or guest not found
  - 409: Already bonused, already allocated this month, plan inactive
  - 500: Internal errors, including purchase reconciliation gaps

SECURITY NOTE:
  No authentication. Principal ids arrive already authenticated from the
  caller; the admin routes belong behind an internal ingress.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/generic"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *credits.Service
	Log     *zap.Logger
}

func NewHandler(svc *credits.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Service: svc, Log: log}
}

func principalParam(r *http.Request) generic.PrincipalID {
	return generic.PrincipalID(chi.URLParam(r, "id"))
}

// =============================================================================
// PRINCIPAL HANDLERS
// =============================================================================

// RegisterPrincipal opens an account and grants the new-account bonus.
func (h *Handler) RegisterPrincipal(w http.ResponseWriter, r *http.Request) {
	id := principalParam(r)
	if h.Service.IsGuest(id) {
		h.writeError(w, r, fmt.Errorf("%w: guest sessions are not registered", generic.ErrInvalidKind))
		return
	}
	b, err := h.Service.RegisterUser(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBalanceDTO(b))
}

// GetBalance returns the balance. Guest ids are read from the guest layer.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := principalParam(r)
	if h.Service.IsGuest(id) {
		g, err := h.Service.GetGuestBalance(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, guestBalanceDTO(g))
		return
	}

	b, err := h.Service.GetBalance(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// Debit charges a principal. Guest ids deduct from the guest balance and
// produce no transaction.
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	var req DebitRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := principalParam(r)

	if h.Service.IsGuest(id) {
		g, err := h.Service.DeductGuestCredits(r.Context(), id, req.Amount)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, MutationResponse{Balance: g.Amount})
		return
	}

	tx, err := h.Service.Debit(r.Context(), id, req.Amount, req.Description, req.Metadata)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeMutation(w, tx)
}

func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.Service.Credit(r.Context(), principalParam(r), req.Amount, generic.TransactionKind(req.Kind), req.Description, req.Metadata)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeMutation(w, tx)
}

func (h *Handler) AllocateBonus(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Service.AllocateNewAccountBonus(r.Context(), principalParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeMutation(w, tx)
}

func (h *Handler) AllocateMonthly(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Service.AllocateMonthlyCredits(r.Context(), principalParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeMutation(w, tx)
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.Service.GetTransactionHistory(r.Context(), principalParam(r), page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionPageDTO(result))
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.Service.GetPurchaseHistory(r.Context(), principalParam(r), page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchasePageDTO(result))
}

func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.ProcessPurchase(r.Context(), principalParam(r), generic.PlanID(req.PlanID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PurchaseResponse{
		Purchase: toPurchaseDTO(res.Purchase),
		Balance:  res.Transaction.BalanceAfter,
	})
}

func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.GetPurchase(r.Context(), generic.PurchaseID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTO(p))
}

// =============================================================================
// GUEST HANDLERS
// =============================================================================

func (h *Handler) InitializeGuest(w http.ResponseWriter, r *http.Request) {
	id := principalParam(r)
	if !h.Service.IsGuest(id) {
		h.writeError(w, r, fmt.Errorf("%w: %q is not a guest session id", generic.ErrInvalidKind, id))
		return
	}
	g, err := h.Service.InitializeGuestBalance(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, guestBalanceDTO(g))
}

func (h *Handler) MigrateGuest(w http.ResponseWriter, r *http.Request) {
	var req MigrateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.MigrateGuestToUser(r.Context(), principalParam(r), generic.PrincipalID(req.UserID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := MigrateResponse{Transferred: res.Transferred}
	if res.Transaction != nil {
		dto := toTransactionDTO(*res.Transaction)
		resp.Transaction = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Service.ListActivePlans(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toPlanDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.GetPlan(r.Context(), generic.PlanID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(p))
}

func (h *Handler) SavePlan(w http.ResponseWriter, r *http.Request) {
	var req SavePlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := generic.PlanID(chi.URLParam(r, "id"))
	err := h.Service.SavePlan(r.Context(), generic.Plan{
		ID:           id,
		Name:         req.Name,
		Credits:      req.Credits,
		Price:        req.Price,
		Description:  req.Description,
		IsActive:     req.IsActive,
		DisplayOrder: req.DisplayOrder,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.Service.GetPlan(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(p))
}

// CalculateCost prices a generated text without charging anyone.
func (h *Handler) CalculateCost(w http.ResponseWriter, r *http.Request) {
	var req CostRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, CostResponse{
		Characters: utf8.RuneCountInString(req.Text),
		Credits:    h.Service.CalculateCredits(req.Text),
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunSweep is the trigger endpoint for an external scheduler. Per-principal
// failures are in the body; only a failure to list principals is a 500.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.RunMonthlyAllocationSweep(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) PurgeGuests(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.PurgeExpiredGuests(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Deleted: n})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeMutation(w http.ResponseWriter, tx generic.Transaction) {
	dto := toTransactionDTO(tx)
	writeJSON(w, http.StatusOK, MutationResponse{Balance: tx.BalanceAfter, Transaction: &dto})
}

// decode reads a JSON body, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return false
	}
	return true
}

// parsePage reads ?limit and ?offset. Range checks happen in the service.
func parsePage(r *http.Request) (generic.Page, error) {
	page := generic.Page{Limit: generic.DefaultPageSize}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return page, fmt.Errorf("%w: limit %q is not a number", generic.ErrInvalidPagination, v)
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return page, fmt.Errorf("%w: offset %q is not a number", generic.ErrInvalidPagination, v)
		}
		page.Offset = n
	}
	return page, nil
}

// statusFor maps the engine's error kinds onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	// A gap wraps the failed credit's error, which may itself be a not-found.
	case errors.Is(err, credits.ErrReconciliationGap):
		return http.StatusInternalServerError, "Purchase recorded but not credited"
	case generic.IsClientError(err):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, generic.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "Insufficient credits"
	case generic.IsNotFound(err):
		return http.StatusNotFound, "Not found"
	case generic.IsConflict(err):
		return http.StatusConflict, "Conflict"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error(message,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: message, Details: err.Error()})
}
