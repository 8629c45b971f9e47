/*
handlers.go - HTTP API handlers for the installment ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every ledger mutation to
  installment.Engine.

ENDPOINTS:
  Plans:
    POST   /api/plans                     Create plan (terms or product_id)
    GET    /api/plans                     List plans (customer_id, store_id, status, limit)
    GET    /api/plans/{id}                Ledger view
    POST   /api/plans/{id}/payments       Allocate a payment
    POST   /api/plans/{id}/settle         Early settlement
    GET    /api/plans/{id}/schedule.xlsx  Schedule workbook

  Customers and blacklist:
    GET    /api/customers                 List customers (store_id)
    POST   /api/customers                 Create or update customer
    GET    /api/customers/{id}            Get customer
    POST   /api/blacklist                 Blacklist customer
    DELETE /api/blacklist                 Remove blacklist row

  Products:
    GET    /api/products                  Financing product catalog

  Admin:
    POST   /api/admin/sweep               Run the overdue sweep now (as_of)
    POST   /api/admin/reset               Clear the database (dev only)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Plan, customer or product not found
  - 409: Business-rule rejection (blacklist, settlement rules) or a sweep
         already running
  - 500: Internal errors, including ledger consistency failures

SECURITY NOTE:
  No authentication or authorization. Deploy behind the back-office gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/installment-engine/blacklist"
	"github.com/warp/installment-engine/export"
	"github.com/warp/installment-engine/factory"
	"github.com/warp/installment-engine/installment"
	"github.com/warp/installment-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *installment.Engine
	Store    *sqlite.Store
	Products *factory.Catalog
	Log      logrus.FieldLogger

	// Cache is invalidated on blacklist changes. Nil when Redis is off.
	Cache *blacklist.Cache

	mu              sync.RWMutex
	currentScenario string
}

// NewHandler creates a new handler. The engine must be built on the same
// store so admin writes are visible to it.
func NewHandler(engine *installment.Engine, store *sqlite.Store, products *factory.Catalog, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Engine:   engine,
		Store:    store,
		Products: products,
		Log:      log,
	}
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

// CreatePlan creates a plan and its full schedule.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	terms, err := h.termsFromRequest(req)
	if err != nil {
		writeEngineError(w, "Invalid plan terms", err)
		return
	}

	in := installment.CreatePlanInput{
		CustomerID: installment.CustomerID(req.CustomerID),
		StoreID:    installment.StoreID(req.StoreID),
		Terms:      terms,
	}
	if req.StartDate != "" {
		in.StartDate, err = time.Parse(dateLayout, req.StartDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start_date (use YYYY-MM-DD)", err)
			return
		}
	}

	ledger, err := h.Engine.CreatePlan(r.Context(), in)
	if err != nil {
		writeEngineError(w, "Failed to create plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerDTO(ledger))
}

func (h *Handler) termsFromRequest(req CreatePlanRequest) (installment.Terms, error) {
	price, err := parseAmount("product_price", req.ProductPrice)
	if err != nil {
		return installment.Terms{}, err
	}
	down := installment.Money(0)
	if req.DownPayment != "" {
		if down, err = parseAmount("down_payment", req.DownPayment); err != nil {
			return installment.Terms{}, err
		}
	}

	if req.ProductID != "" {
		p, ok := h.Products.Get(req.ProductID)
		if !ok {
			return installment.Terms{}, fmt.Errorf("product %q: %w", req.ProductID, installment.ErrNotFound)
		}
		return p.Terms(price, down)
	}

	if req.Rate == "" {
		return installment.Terms{}, &installment.ValidationError{Field: "rate", Reason: "required without product_id"}
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		return installment.Terms{}, &installment.ValidationError{Field: "rate", Reason: err.Error()}
	}
	return installment.Terms{
		ProductPrice: price,
		DownPayment:  down,
		Rate:         rate,
		Months:       req.Months,
		Formula:      installment.Formula(req.Formula),
	}, nil
}

// ListPlans returns plan headers matching the query filters.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := installment.PlanFilter{
		CustomerID: installment.CustomerID(q.Get("customer_id")),
		StoreID:    installment.StoreID(q.Get("store_id")),
	}
	if s := q.Get("status"); s != "" {
		status, err := installment.ParsePlanStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid status", err)
			return
		}
		f.Status = status
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		f.Limit = n
	}

	plans, err := h.Engine.ListPlans(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list plans", err)
		return
	}
	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toPlanDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPlan returns the plan with its obligations and entries.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	id := installment.PlanID(chi.URLParam(r, "id"))

	ledger, err := h.Engine.GetPlan(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to get plan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(ledger))
}

// AllocatePayment applies a payment to the plan.
func (h *Handler) AllocatePayment(w http.ResponseWriter, r *http.Request) {
	id := installment.PlanID(chi.URLParam(r, "id"))

	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeEngineError(w, "Invalid amount", err)
		return
	}

	res, err := h.Engine.AllocatePayment(r.Context(), id, amount)
	if err != nil {
		writeEngineError(w, "Failed to allocate payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(res))
}

// SettleEarly closes the plan for its remaining principal.
func (h *Handler) SettleEarly(w http.ResponseWriter, r *http.Request) {
	id := installment.PlanID(chi.URLParam(r, "id"))

	res, err := h.Engine.SettleEarly(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to settle plan", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(res))
}

// ExportSchedule streams the plan as an .xlsx workbook.
func (h *Handler) ExportSchedule(w http.ResponseWriter, r *http.Request) {
	id := installment.PlanID(chi.URLParam(r, "id"))

	ledger, err := h.Engine.GetPlan(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to get plan", err)
		return
	}
	buf, err := export.ScheduleWorkbook(ledger, h.Engine.Clock().Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build workbook", err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="plan_%s.xlsx"`, id))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.Log.WithError(err).WithField("plan_id", id).Warn("schedule export write failed")
	}
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs one overdue sweep. as_of (YYYY-MM-DD or RFC3339)
// overrides the engine clock.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	asOf := h.Engine.Clock().Now()
	if s := r.URL.Query().Get("as_of"); s != "" {
		t, err := parseAsOf(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of", err)
			return
		}
		asOf = t
	}

	report, err := h.Engine.Tick(r.Context(), asOf)
	if err != nil {
		writeEngineError(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepReportDTO(report))
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.invalidateAllBlacklist(r.Context())
	h.setCurrentScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Store.ListCustomers(r.Context(), installment.StoreID(r.URL.Query().Get("store_id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list customers", err)
		return
	}
	dtos := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		dtos[i] = toCustomerDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.Customer(r.Context(), installment.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// CreateCustomer creates or updates a customer.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CustomerDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.StoreID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id, store_id and name are required", nil)
		return
	}

	c := installment.Customer{
		ID:      installment.CustomerID(req.ID),
		StoreID: installment.StoreID(req.StoreID),
		Name:    req.Name,
		Phone:   req.Phone,
	}
	if err := h.Store.SaveCustomer(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(c))
}

// =============================================================================
// BLACKLIST HANDLERS
// =============================================================================

func (h *Handler) AddToBlacklist(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBlacklistRequest(w, r)
	if !ok {
		return
	}
	if err := h.Store.AddToBlacklist(r.Context(), installment.CustomerID(req.CustomerID), installment.StoreID(req.StoreID)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to blacklist customer", err)
		return
	}
	h.invalidateBlacklist(r, req.CustomerID)
	h.Log.WithFields(logrus.Fields{"customer_id": req.CustomerID, "store_id": req.StoreID}).Info("customer blacklisted")
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) RemoveFromBlacklist(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBlacklistRequest(w, r)
	if !ok {
		return
	}
	if err := h.Store.RemoveFromBlacklist(r.Context(), installment.CustomerID(req.CustomerID), installment.StoreID(req.StoreID)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to remove blacklist row", err)
		return
	}
	h.invalidateBlacklist(r, req.CustomerID)
	h.Log.WithFields(logrus.Fields{"customer_id": req.CustomerID, "store_id": req.StoreID}).Info("customer removed from blacklist")
	w.WriteHeader(http.StatusNoContent)
}

func decodeBlacklistRequest(w http.ResponseWriter, r *http.Request) (BlacklistRequest, bool) {
	var req BlacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return req, false
	}
	if req.CustomerID == "" {
		writeError(w, http.StatusBadRequest, "customer_id is required", nil)
		return req, false
	}
	if req.StoreID == "" {
		req.StoreID = string(installment.AnyStore)
	}
	return req, true
}

// invalidateBlacklist drops cached decisions. A failure leaves stale
// entries until their TTL runs out; the write itself already succeeded.
func (h *Handler) invalidateBlacklist(r *http.Request, customerID string) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Invalidate(r.Context(), installment.CustomerID(customerID)); err != nil {
		h.Log.WithError(err).WithField("customer_id", customerID).Warn("blacklist cache invalidation failed")
	}
}

// invalidateAllBlacklist follows a wipe of the blacklist table.
func (h *Handler) invalidateAllBlacklist(ctx context.Context) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.InvalidateAll(ctx); err != nil {
		h.Log.WithError(err).Warn("blacklist cache invalidation failed")
	}
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	f := factory.NewProductFactory()
	products := h.Products.List()
	dtos := make([]ProductDTO, len(products))
	for i, p := range products {
		dtos[i] = f.ToJSON(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps the ledger error taxonomy to HTTP status codes.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, installment.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, installment.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, installment.ErrPolicyViolation), errors.Is(err, installment.ErrSweepInProgress):
		status = http.StatusConflict
	}

	resp := ErrorResponse{Error: message, Details: err.Error()}
	var pv *installment.PolicyViolation
	if errors.As(err, &pv) {
		resp.Rule = pv.Rule
	}
	writeJSON(w, status, resp)
}

func parseAmount(field, s string) (installment.Money, error) {
	if s == "" {
		return 0, &installment.ValidationError{Field: field, Reason: "required"}
	}
	m, err := installment.ParseMoney(s)
	if err != nil {
		return 0, &installment.ValidationError{Field: field, Reason: err.Error()}
	}
	return m, nil
}

func parseAsOf(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (h *Handler) setCurrentScenario(id string) {
	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
}
