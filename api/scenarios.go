/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	plans for demos. Each scenario goes through the engine exactly as API
	clients would, so the resulting ledgers obey every ledger invariant.

AVAILABLE SCENARIOS:

	fresh-plan:        10-month flat plan opened today, nothing paid
	overdue-partial:   plan opened 3 months ago, one and a half installments
	                   paid, swept so the second installment is overdue
	early-settlement:  three installments paid, then settled early
	blacklisted:       customer blacklisted at the demo store

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create customers (and blacklist rows)
 3. Create plans with start dates in the past
 4. Allocate payments, sweep or settle through the engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "overdue-partial"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/installment-engine/installment"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const (
	demoStore    installment.StoreID    = "store-tashkent-01"
	demoCustomer installment.CustomerID = "cust-demo-1"
)

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-plan",
		Name:        "Fresh Plan",
		Description: "1,000,000 purchase, 200,000 down, 10% flat over 10 months; nothing paid",
	},
	{
		ID:          "overdue-partial",
		Name:        "Overdue With Partial Payment",
		Description: "Opened 3 months ago, 138,000 paid, second installment overdue after the sweep",
	},
	{
		ID:          "early-settlement",
		Name:        "Early Settlement",
		Description: "Three installments paid, remaining principal settled early",
	},
	{
		ID:          "blacklisted",
		Name:        "Blacklisted Customer",
		Description: "Customer blacklisted at the demo store; plan creation is rejected",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("%q", req.ScenarioID))
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.setCurrentScenario(req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

var errUnknownScenario = errors.New("unknown scenario")

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "fresh-plan":
		load = h.loadFreshPlanScenario
	case "overdue-partial":
		load = h.loadOverduePartialScenario
	case "early-settlement":
		load = h.loadEarlySettlementScenario
	case "blacklisted":
		load = h.loadBlacklistedScenario
	default:
		return errUnknownScenario
	}

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	h.invalidateAllBlacklist(ctx)
	if err := h.Store.SaveCustomer(ctx, installment.Customer{
		ID:      demoCustomer,
		StoreID: demoStore,
		Name:    "Dilnoza Karimova",
		Phone:   "+998 90 123 45 67",
	}); err != nil {
		return fmt.Errorf("save customer: %w", err)
	}
	if err := load(ctx); err != nil {
		return err
	}
	h.Log.WithField("scenario_id", id).Info("scenario loaded")
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

func demoTerms() installment.Terms {
	return installment.Terms{
		ProductPrice: installment.NewMoney(1_000_000),
		DownPayment:  installment.NewMoney(200_000),
		Rate:         decimal.NewFromInt(10),
		Months:       10,
		Formula:      installment.FormulaFlat,
	}
}

func (h *Handler) createDemoPlan(ctx context.Context, monthsAgo int) (installment.PlanLedger, error) {
	start := h.Engine.Clock().Now().AddDate(0, -monthsAgo, 0)
	l, err := h.Engine.CreatePlan(ctx, installment.CreatePlanInput{
		CustomerID: demoCustomer,
		StoreID:    demoStore,
		Terms:      demoTerms(),
		StartDate:  start,
	})
	if err != nil {
		return installment.PlanLedger{}, fmt.Errorf("create plan: %w", err)
	}
	return l, nil
}

func (h *Handler) loadFreshPlanScenario(ctx context.Context) error {
	_, err := h.createDemoPlan(ctx, 0)
	return err
}

func (h *Handler) loadOverduePartialScenario(ctx context.Context) error {
	l, err := h.createDemoPlan(ctx, 3)
	if err != nil {
		return err
	}
	for _, amount := range []int64{88_000, 50_000} {
		if _, err := h.Engine.AllocatePayment(ctx, l.Plan.ID, installment.NewMoney(amount)); err != nil {
			return fmt.Errorf("allocate %d: %w", amount, err)
		}
	}
	if _, err := h.Engine.Tick(ctx, h.Engine.Clock().Now()); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	return nil
}

func (h *Handler) loadEarlySettlementScenario(ctx context.Context) error {
	l, err := h.createDemoPlan(ctx, 3)
	if err != nil {
		return err
	}
	if _, err := h.Engine.AllocatePayment(ctx, l.Plan.ID, installment.NewMoney(3*88_000)); err != nil {
		return fmt.Errorf("allocate: %w", err)
	}
	if _, err := h.Engine.SettleEarly(ctx, l.Plan.ID); err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	return nil
}

func (h *Handler) loadBlacklistedScenario(ctx context.Context) error {
	if err := h.Store.AddToBlacklist(ctx, demoCustomer, demoStore); err != nil {
		return fmt.Errorf("blacklist: %w", err)
	}
	if h.Cache != nil {
		return h.Cache.Invalidate(ctx, demoCustomer)
	}
	return nil
}
