/*
scenarios.go - Demo scenario loaders for development and demos

PURPOSE:

	Provides pre-built scenarios that populate a store with realistic
	credit data. Each one goes through credits.Service, so the data obeys
	every ledger rule (balanceAfter chains, guards, snapshots).

AVAILABLE SCENARIOS:

	starter-catalog:  Three active plans and one retired plan
	new-user:         Registered user with bonus and a few replies charged
	heavy-user:       User who ran dry, bought a plan and got the allowance
	guest-session:    Guest who spent part of the starting balance

HOW SCENARIOS WORK:
 1. Ensure the demo catalog exists (every scenario needs it)
 2. Register principals (open + new-account bonus)
 3. Charge replies with CalculateCredits, as the chat pipeline would
 4. Optionally purchase plans and allocate the allowance

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "heavy-user"}

NOTE:

	Loaders are additive and idempotent enough for repeated demos: plans
	are upserts, registration is idempotent, and already-granted
	allocations are ignored. Only mount the routes in development.

SEE ALSO:
  - server.go: Mounted when RouterOptions.Scenarios is true
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/warp/credit-engine/generic"
)

// ScenarioDTO describes one loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{ID: "starter-catalog", Name: "Starter Catalog", Description: "Three active plans and one retired plan"},
	{ID: "new-user", Name: "New User", Description: "Registered user with the bonus and a few charged replies"},
	{ID: "heavy-user", Name: "Heavy User", Description: "User who ran out, bought a plan and received the monthly allowance"},
	{ID: "guest-session", Name: "Guest Session", Description: "Anonymous session that spent part of its starting balance"},
}

var demoPlans = []generic.Plan{
	{ID: "starter", Name: "Starter", Credits: generic.NewAmountFromInt(500), Price: generic.MustParseAmount("5.00"), IsActive: true, DisplayOrder: 1},
	{ID: "pro", Name: "Pro", Credits: generic.NewAmountFromInt(2000), Price: generic.MustParseAmount("15.00"), IsActive: true, DisplayOrder: 2},
	{ID: "team", Name: "Team", Credits: generic.NewAmountFromInt(10000), Price: generic.MustParseAmount("60.00"), IsActive: true, DisplayOrder: 3},
	{ID: "launch-promo", Name: "Launch Promo", Credits: generic.NewAmountFromInt(1000), Price: generic.MustParseAmount("1.00"), IsActive: false, DisplayOrder: 9},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	var err error
	switch req.ScenarioID {
	case "starter-catalog":
		err = h.loadCatalog(ctx)
	case "new-user":
		err = h.loadNewUserScenario(ctx)
	case "heavy-user":
		err = h.loadHeavyUserScenario(ctx)
	case "guest-session":
		err = h.loadGuestScenario(ctx)
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Unknown scenario", Details: req.ScenarioID})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadCatalog(ctx context.Context) error {
	for _, p := range demoPlans {
		if err := h.Service.SavePlan(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// chargeReply debits the cost of a generated reply of n characters.
func (h *Handler) chargeReply(ctx context.Context, id generic.PrincipalID, n int, messageID string) error {
	cost := h.Service.CalculateCredits(strings.Repeat("x", n))
	_, err := h.Service.Debit(ctx, id, cost, "Chat reply", map[string]any{"messageId": messageID})
	return err
}

func (h *Handler) loadNewUserScenario(ctx context.Context) error {
	if err := h.loadCatalog(ctx); err != nil {
		return err
	}
	const user = generic.PrincipalID("demo-new-user")
	if _, err := h.Service.RegisterUser(ctx, user); err != nil {
		return err
	}
	for i, n := range []int{420, 1310, 96} {
		if err := h.chargeReply(ctx, user, n, "msg-"+string(rune('a'+i))); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadHeavyUserScenario(ctx context.Context) error {
	if err := h.loadCatalog(ctx); err != nil {
		return err
	}
	const user = generic.PrincipalID("demo-heavy-user")
	b, err := h.Service.RegisterUser(ctx, user)
	if err != nil {
		return err
	}

	// Spend the bonus down to zero.
	if b.Amount.IsPositive() {
		if _, err := h.Service.Debit(ctx, user, b.Amount, "Long research session", nil); err != nil {
			return err
		}
	}
	if _, err := h.Service.ProcessPurchase(ctx, user, "pro"); err != nil {
		return err
	}
	if _, err := h.Service.AllocateMonthlyCredits(ctx, user); err != nil && !errors.Is(err, generic.ErrAlreadyAllocatedThisMonth) {
		return err
	}
	return h.chargeReply(ctx, user, 5000, "msg-after-topup")
}

func (h *Handler) loadGuestScenario(ctx context.Context) error {
	const guest = generic.PrincipalID("guest_demo")
	if _, err := h.Service.InitializeGuestBalance(ctx, guest); err != nil {
		return err
	}
	cost := h.Service.CalculateCredits(strings.Repeat("x", 700))
	_, err := h.Service.DeductGuestCredits(ctx, guest, cost)
	if errors.Is(err, generic.ErrInsufficientCredits) {
		return nil
	}
	return err
}
