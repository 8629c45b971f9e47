/*
Package installment provides the installment ledger engine.

PURPOSE:
  A retail customer finances a purchase as a Plan, repaid through a fixed
  set of monthly Obligations. Cash received against a plan is recorded as
  SettlementEntries on those obligations. This package owns the algorithms
  that keep the three consistent: schedule generation, the payment
  allocation waterfall, early settlement and the overdue sweep.

KEY CONCEPTS IN THIS FILE (types.go):
  - Plan: the financing agreement and its immutable terms
  - Obligation: one scheduled monthly amount
  - SettlementEntry: cash applied to one obligation (append-only)
  - PlanLedger: a plan together with the obligations it owns
  - PlanStatus / ObligationStatus: closed status enums with transition rules

OWNERSHIP:
  PlanLedger holds the plan and its obligations by value. An obligation
  carries its PlanID for lookup only, and holds its own entries. Nothing is
  shared between plans, so two ledgers can be processed concurrently.

DESIGN PRINCIPLES:
  1. Money is integer minor units (money.go)
  2. Status changes go through CanTransitionTo, never raw assignment
  3. Settlement entries are never edited or removed
  4. Time comes from an injected Clock (clock.go)

SEE ALSO:
  - schedule.go, allocator.go, settlement.go, sweeper.go: the algorithms
  - engine.go: the four exposed operations
  - store.go: persistence and collaborator interfaces
*/
package installment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PlanID string
type ObligationID string
type EntryID string
type CustomerID string
type StoreID string

// =============================================================================
// PLAN STATUS
// =============================================================================

type PlanStatus string

const (
	PlanActive      PlanStatus = "active"
	PlanOverdue     PlanStatus = "overdue"
	PlanCompleted   PlanStatus = "completed"
	PlanEarlyPayoff PlanStatus = "early_payoff"
)

// ParsePlanStatus converts stored/wire text into a PlanStatus.
func ParsePlanStatus(s string) (PlanStatus, error) {
	st := PlanStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown plan status %q", s)
	}
	return st, nil
}

func (s PlanStatus) Valid() bool {
	switch s {
	case PlanActive, PlanOverdue, PlanCompleted, PlanEarlyPayoff:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanCompleted, PlanEarlyPayoff:
		return true
	case PlanActive, PlanOverdue:
		return false
	}
	return false
}

// CanTransitionTo encodes the plan lifecycle. It is monotonic except for
// active <-> overdue, which cycles as obligations lapse and get paid.
func (s PlanStatus) CanTransitionTo(next PlanStatus) bool {
	switch s {
	case PlanActive:
		return next == PlanOverdue || next == PlanCompleted || next == PlanEarlyPayoff
	case PlanOverdue:
		// Early payoff from overdue is refused by the settlement rules, not here.
		return next == PlanActive || next == PlanCompleted || next == PlanEarlyPayoff
	case PlanCompleted, PlanEarlyPayoff:
		return false
	}
	return false
}

// =============================================================================
// OBLIGATION STATUS
// =============================================================================

type ObligationStatus string

const (
	ObligationPending   ObligationStatus = "pending"
	ObligationOverdue   ObligationStatus = "overdue"
	ObligationPaid      ObligationStatus = "paid"
	ObligationCancelled ObligationStatus = "cancelled"
)

func ParseObligationStatus(s string) (ObligationStatus, error) {
	st := ObligationStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown obligation status %q", s)
	}
	return st, nil
}

func (s ObligationStatus) Valid() bool {
	switch s {
	case ObligationPending, ObligationOverdue, ObligationPaid, ObligationCancelled:
		return true
	}
	return false
}

// IsOpen reports whether the obligation still expects cash.
func (s ObligationStatus) IsOpen() bool {
	switch s {
	case ObligationPending, ObligationOverdue:
		return true
	case ObligationPaid, ObligationCancelled:
		return false
	}
	return false
}

// CanTransitionTo: pending -> {paid, overdue, cancelled}; overdue -> paid.
func (s ObligationStatus) CanTransitionTo(next ObligationStatus) bool {
	switch s {
	case ObligationPending:
		return next == ObligationPaid || next == ObligationOverdue || next == ObligationCancelled
	case ObligationOverdue:
		return next == ObligationPaid
	case ObligationPaid, ObligationCancelled:
		return false
	}
	return false
}

// =============================================================================
// TERMS
// =============================================================================

// Formula selects how the total payable is derived from the principal.
type Formula string

const (
	// FormulaFlat applies the rate once: T = B * (1 + rate/100).
	FormulaFlat Formula = "flat"
	// FormulaSimple scales the rate by the term: T = B * (1 + rate*months/100).
	FormulaSimple Formula = "simple"
)

// DefaultFormula is used when terms do not name one.
const DefaultFormula = FormulaFlat

func ParseFormula(s string) (Formula, error) {
	switch Formula(s) {
	case FormulaFlat, FormulaSimple:
		return Formula(s), nil
	case "":
		return DefaultFormula, nil
	}
	return "", &ValidationError{Field: "formula", Reason: fmt.Sprintf("unknown formula %q", s)}
}

// Terms are fixed when the plan is created.
type Terms struct {
	ProductPrice Money
	DownPayment  Money
	Rate         decimal.Decimal // percent
	Months       int
	Formula      Formula
}

// Principal is the financed amount, ProductPrice - DownPayment.
func (t Terms) Principal() Money {
	return t.ProductPrice.Sub(t.DownPayment)
}

// MaxMonths bounds the schedule length.
const MaxMonths = 120

// Validate rejects malformed terms before anything is generated.
func (t Terms) Validate() error {
	switch {
	case t.Months <= 0:
		return &ValidationError{Field: "months", Reason: "must be positive"}
	case t.Months > MaxMonths:
		return &ValidationError{Field: "months", Reason: fmt.Sprintf("must be at most %d", MaxMonths)}
	case t.ProductPrice <= 0:
		return &ValidationError{Field: "product_price", Reason: "must be positive"}
	case t.DownPayment < 0:
		return &ValidationError{Field: "down_payment", Reason: "must not be negative"}
	case t.DownPayment >= t.ProductPrice:
		return &ValidationError{Field: "down_payment", Reason: "must be less than product price"}
	case t.Rate.IsNegative():
		return &ValidationError{Field: "rate", Reason: "must not be negative"}
	}
	if _, err := ParseFormula(string(t.Formula)); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// PLAN
// =============================================================================

type Plan struct {
	ID         PlanID
	CustomerID CustomerID
	StoreID    StoreID
	Terms      Terms

	// Derived at creation; TotalPayable is rewritten by early settlement.
	TotalPayable   Money
	MonthlyPayment Money

	Status    PlanStatus
	StartDate time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// transition moves the plan to next if the lifecycle allows it.
func (p *Plan) transition(next PlanStatus, at time.Time) error {
	if p.Status == next {
		return nil
	}
	if !p.Status.CanTransitionTo(next) {
		return &ConsistencyError{PlanID: p.ID, Detail: fmt.Sprintf("illegal plan transition %s -> %s", p.Status, next)}
	}
	p.Status = next
	p.UpdatedAt = at
	return nil
}

// =============================================================================
// OBLIGATION
// =============================================================================

// Category distinguishes scheduled installments from the early-payoff marker.
type Category string

const (
	CategoryInstallment Category = "installment"
	CategoryEarlyPayoff Category = "early_payoff"
)

type Obligation struct {
	ID       ObligationID
	PlanID   PlanID
	Sequence int // 1..N for installments, 0 for the payoff marker
	Category Category
	DueDate  time.Time
	Amount   Money
	Status   ObligationStatus
	PaidAt   *time.Time
	Entries  []SettlementEntry
}

// Covered is the sum of cash already applied.
func (o Obligation) Covered() Money {
	var total Money
	for _, e := range o.Entries {
		total += e.Amount
	}
	return total
}

// Remaining is what is still owed on this obligation, never negative.
func (o Obligation) Remaining() Money {
	return o.Amount.Sub(o.Covered()).Max(0)
}

// Validate checks the per-obligation invariants.
func (o Obligation) Validate() error {
	if !o.Status.Valid() {
		return fmt.Errorf("obligation %s: invalid status %q", o.ID, o.Status)
	}
	if (o.Status == ObligationPaid) != (o.PaidAt != nil) {
		return fmt.Errorf("obligation %s: paid date must be set iff status is paid", o.ID)
	}
	if o.Amount < 0 {
		return fmt.Errorf("obligation %s: negative amount %s", o.ID, o.Amount)
	}
	return nil
}

func (o *Obligation) transition(next ObligationStatus, at time.Time) error {
	if o.Status == next {
		return nil
	}
	if !o.Status.CanTransitionTo(next) {
		return &ConsistencyError{PlanID: o.PlanID, Detail: fmt.Sprintf("obligation %s: illegal transition %s -> %s", o.ID, o.Status, next)}
	}
	o.Status = next
	switch next {
	case ObligationPaid:
		paid := at
		o.PaidAt = &paid
	case ObligationPending, ObligationOverdue, ObligationCancelled:
		o.PaidAt = nil
	}
	return nil
}

// =============================================================================
// SETTLEMENT ENTRY
// =============================================================================

// SettlementEntry records cash applied to one obligation. Never mutated.
type SettlementEntry struct {
	ID           EntryID
	ObligationID ObligationID
	Amount       Money
	RecordedAt   time.Time
}

// =============================================================================
// PLAN LEDGER - aggregate loaded and saved as a unit
// =============================================================================

type PlanLedger struct {
	Plan        Plan
	Obligations []Obligation // due-date ascending
}

// Clone deep-copies the ledger so algorithms never mutate caller state.
func (l PlanLedger) Clone() PlanLedger {
	out := PlanLedger{Plan: l.Plan, Obligations: make([]Obligation, len(l.Obligations))}
	for i, o := range l.Obligations {
		c := o
		if o.PaidAt != nil {
			t := *o.PaidAt
			c.PaidAt = &t
		}
		c.Entries = append([]SettlementEntry(nil), o.Entries...)
		out.Obligations[i] = c
	}
	return out
}

// Obligation finds an obligation by id.
func (l PlanLedger) Obligation(id ObligationID) (Obligation, bool) {
	for _, o := range l.Obligations {
		if o.ID == id {
			return o, true
		}
	}
	return Obligation{}, false
}

// RemainingBalance sums the amounts of obligations still open.
// Partial entries are not netted out.
func (l PlanLedger) RemainingBalance() Money {
	var total Money
	for _, o := range l.Obligations {
		if o.Status.IsOpen() {
			total += o.Amount
		}
	}
	return total
}

// Outstanding is RemainingBalance net of partial entries.
func (l PlanLedger) Outstanding() Money {
	var total Money
	for _, o := range l.Obligations {
		if o.Status.IsOpen() {
			total += o.Remaining()
		}
	}
	return total
}

// TotalEntries sums every settlement entry on the plan.
func (l PlanLedger) TotalEntries() Money {
	var total Money
	for _, o := range l.Obligations {
		total += o.Covered()
	}
	return total
}

// CountByStatus tallies obligations per status.
func (l PlanLedger) CountByStatus() map[ObligationStatus]int {
	counts := make(map[ObligationStatus]int, 4)
	for _, o := range l.Obligations {
		counts[o.Status]++
	}
	return counts
}

// Customer is what the customer directory returns.
type Customer struct {
	ID      CustomerID
	StoreID StoreID
	Name    string
	Phone   string
}
