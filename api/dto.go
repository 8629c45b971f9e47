/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

MONEY ON THE WIRE:
  Amounts are fixed-point decimal strings in major units ("880000.00").
  Clients never send or receive floats.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/product.go: ProductJSON type
*/
package api

import (
	"time"

	"github.com/warp/installment-engine/factory"
	"github.com/warp/installment-engine/installment"
)

// =============================================================================
// PLANS
// =============================================================================

// CreatePlanRequest creates a plan either from raw terms or from a catalog
// product. With product_id set, rate, months and formula are ignored.
type CreatePlanRequest struct {
	CustomerID   string `json:"customer_id"`
	StoreID      string `json:"store_id"`
	ProductID    string `json:"product_id,omitempty"`
	ProductPrice string `json:"product_price"`
	DownPayment  string `json:"down_payment"`
	Rate         string `json:"rate,omitempty"`
	Months       int    `json:"months,omitempty"`
	Formula      string `json:"formula,omitempty"`
	StartDate    string `json:"start_date,omitempty"` // YYYY-MM-DD
}

type PlanDTO struct {
	ID             string `json:"id"`
	CustomerID     string `json:"customer_id"`
	StoreID        string `json:"store_id"`
	ProductPrice   string `json:"product_price"`
	DownPayment    string `json:"down_payment"`
	Rate           string `json:"rate"`
	Months         int    `json:"months"`
	Formula        string `json:"formula"`
	TotalPayable   string `json:"total_payable"`
	MonthlyPayment string `json:"monthly_payment"`
	Status         string `json:"status"`
	StartDate      string `json:"start_date"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type ObligationDTO struct {
	ID        string     `json:"id"`
	Sequence  int        `json:"sequence"`
	Category  string     `json:"category"`
	DueDate   string     `json:"due_date"`
	Amount    string     `json:"amount"`
	Paid      string     `json:"paid"`
	Remaining string     `json:"remaining"`
	Status    string     `json:"status"`
	PaidAt    *string    `json:"paid_at,omitempty"`
	Entries   []EntryDTO `json:"entries"`
}

type EntryDTO struct {
	ID         string `json:"id"`
	Amount     string `json:"amount"`
	RecordedAt string `json:"recorded_at"`
}

// LedgerDTO is the plan detail view.
type LedgerDTO struct {
	Plan             PlanDTO         `json:"plan"`
	Obligations      []ObligationDTO `json:"obligations"`
	RemainingBalance string          `json:"remaining_balance"`
	Outstanding      string          `json:"outstanding"`
	PaidToDate       string          `json:"paid_to_date"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

type PaymentRequest struct {
	Amount string `json:"amount"`
}

type AllocationDTO struct {
	PlanID           string     `json:"plan_id"`
	PlanStatus       string     `json:"plan_status"`
	Entries          []EntryDTO `json:"entries"`
	Settled          []string   `json:"settled"`
	RemainingBalance string     `json:"remaining_balance"`
	Outstanding      string     `json:"outstanding"`
	Unapplied        string     `json:"unapplied"`
}

type SettlementDTO struct {
	PlanID             string        `json:"plan_id"`
	PlanStatus         string        `json:"plan_status"`
	RemainingPrincipal string        `json:"remaining_principal"`
	NewTotalPayable    string        `json:"new_total_payable"`
	Cancelled          []string      `json:"cancelled"`
	Payoff             ObligationDTO `json:"payoff"`
}

type SweepReportDTO struct {
	AsOf                    string            `json:"as_of"`
	PlansScanned            int               `json:"plans_scanned"`
	ObligationsTransitioned int               `json:"obligations_transitioned"`
	PlansTransitioned       int               `json:"plans_transitioned"`
	Failed                  map[string]string `json:"failed,omitempty"`
}

// =============================================================================
// CUSTOMERS, BLACKLIST, PRODUCTS
// =============================================================================

type CustomerDTO struct {
	ID      string `json:"id"`
	StoreID string `json:"store_id"`
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
}

// BlacklistRequest adds or removes a blacklist row. An empty or "*"
// store_id applies to every store.
type BlacklistRequest struct {
	CustomerID string `json:"customer_id"`
	StoreID    string `json:"store_id,omitempty"`
}

type ProductDTO = factory.ProductJSON

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

const dateLayout = "2006-01-02"

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toPlanDTO(p installment.Plan) PlanDTO {
	return PlanDTO{
		ID:             string(p.ID),
		CustomerID:     string(p.CustomerID),
		StoreID:        string(p.StoreID),
		ProductPrice:   p.Terms.ProductPrice.String(),
		DownPayment:    p.Terms.DownPayment.String(),
		Rate:           p.Terms.Rate.String(),
		Months:         p.Terms.Months,
		Formula:        string(p.Terms.Formula),
		TotalPayable:   p.TotalPayable.String(),
		MonthlyPayment: p.MonthlyPayment.String(),
		Status:         string(p.Status),
		StartDate:      p.StartDate.Format(dateLayout),
		CreatedAt:      formatTime(p.CreatedAt),
		UpdatedAt:      formatTime(p.UpdatedAt),
	}
}

func toEntryDTOs(entries []installment.SettlementEntry) []EntryDTO {
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = EntryDTO{ID: string(e.ID), Amount: e.Amount.String(), RecordedAt: formatTime(e.RecordedAt)}
	}
	return out
}

func toObligationDTO(o installment.Obligation) ObligationDTO {
	dto := ObligationDTO{
		ID:        string(o.ID),
		Sequence:  o.Sequence,
		Category:  string(o.Category),
		DueDate:   o.DueDate.Format(dateLayout),
		Amount:    o.Amount.String(),
		Paid:      o.Covered().String(),
		Remaining: o.Remaining().String(),
		Status:    string(o.Status),
		Entries:   toEntryDTOs(o.Entries),
	}
	if o.PaidAt != nil {
		s := formatTime(*o.PaidAt)
		dto.PaidAt = &s
	}
	return dto
}

func toLedgerDTO(l installment.PlanLedger) LedgerDTO {
	obs := make([]ObligationDTO, len(l.Obligations))
	for i, o := range l.Obligations {
		obs[i] = toObligationDTO(o)
	}
	return LedgerDTO{
		Plan:             toPlanDTO(l.Plan),
		Obligations:      obs,
		RemainingBalance: l.RemainingBalance().String(),
		Outstanding:      l.Outstanding().String(),
		PaidToDate:       l.TotalEntries().String(),
	}
}

func idStrings[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func toAllocationDTO(a installment.Allocation) AllocationDTO {
	return AllocationDTO{
		PlanID:           string(a.Ledger.Plan.ID),
		PlanStatus:       string(a.Ledger.Plan.Status),
		Entries:          toEntryDTOs(a.NewEntries),
		Settled:          idStrings(a.Settled),
		RemainingBalance: a.RemainingBalance.String(),
		Outstanding:      a.Outstanding.String(),
		Unapplied:        a.Unapplied.String(),
	}
}

func toSettlementDTO(s installment.Settlement) SettlementDTO {
	return SettlementDTO{
		PlanID:             string(s.Ledger.Plan.ID),
		PlanStatus:         string(s.Ledger.Plan.Status),
		RemainingPrincipal: s.RemainingPrincipal.String(),
		NewTotalPayable:    s.NewTotalPayable.String(),
		Cancelled:          idStrings(s.Cancelled),
		Payoff:             toObligationDTO(s.Payoff),
	}
}

func toSweepReportDTO(r installment.SweepReport) SweepReportDTO {
	dto := SweepReportDTO{
		AsOf:                    formatTime(r.AsOf),
		PlansScanned:            r.PlansScanned,
		ObligationsTransitioned: r.ObligationsTransitioned,
		PlansTransitioned:       r.PlansTransitioned,
	}
	if len(r.Failed) > 0 {
		dto.Failed = make(map[string]string, len(r.Failed))
		for id, err := range r.Failed {
			dto.Failed[string(id)] = err.Error()
		}
	}
	return dto
}

func toCustomerDTO(c installment.Customer) CustomerDTO {
	return CustomerDTO{ID: string(c.ID), StoreID: string(c.StoreID), Name: c.Name, Phone: c.Phone}
}
