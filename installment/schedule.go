/*
schedule.go - Schedule generation

PURPOSE:
  Turns plan terms into a Plan and its N monthly Obligations.

TOTAL PAYABLE:
  Two formulas exist for the same product and they disagree, so the formula
  is part of the terms and stored with the plan:

    flat   (default)  T = B * (1 + rate/100)
    simple            T = B * (1 + rate*months/100)

  where B = ProductPrice - DownPayment. T is rounded to the minor unit.

DUE DATES:
  Obligation k is due k calendar months after the start date, clamped to
  the end of shorter months.

SPLITTING:
  M = floor(T / months). Obligations 1..N-1 carry M, obligation N carries
  T - (N-1)*M, so the obligations always sum to T exactly.

EXAMPLE:
  price 1,000,000  down 200,000  rate 10  months 10  flat
  B = 800,000   T = 880,000   10 x 88,000
*/
package installment

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// TotalPayable evaluates the terms' formula.
func TotalPayable(t Terms) (Money, error) {
	formula, err := ParseFormula(string(t.Formula))
	if err != nil {
		return 0, err
	}
	principal := t.Principal().Decimal()
	var factor decimal.Decimal
	switch formula {
	case FormulaFlat:
		factor = decimal.NewFromInt(1).Add(t.Rate.Div(hundred))
	case FormulaSimple:
		factor = decimal.NewFromInt(1).Add(t.Rate.Mul(decimal.NewFromInt(int64(t.Months))).Div(hundred))
	}
	total, err := CheckedMoneyFromDecimal(principal.Mul(factor))
	if err != nil {
		return 0, &ValidationError{Field: "rate", Reason: "total payable is out of range"}
	}
	return total, nil
}

// ScheduleInput carries everything GenerateSchedule needs.
type ScheduleInput struct {
	PlanID     PlanID
	CustomerID CustomerID
	StoreID    StoreID
	Terms      Terms
	StartDate  time.Time
	Now        time.Time
	NewID      IDFunc
}

// GenerateSchedule builds a new active plan with its pending obligations.
// Nothing is persisted.
func GenerateSchedule(in ScheduleInput) (PlanLedger, error) {
	if err := in.Terms.Validate(); err != nil {
		return PlanLedger{}, err
	}
	terms := in.Terms
	if terms.Formula == "" {
		terms.Formula = DefaultFormula
	}

	total, err := TotalPayable(terms)
	if err != nil {
		return PlanLedger{}, err
	}
	shares := total.Split(terms.Months)

	planID := in.PlanID
	if planID == "" {
		planID = PlanID(in.NewID())
	}
	start := startOfDay(in.StartDate)

	ledger := PlanLedger{
		Plan: Plan{
			ID:             planID,
			CustomerID:     in.CustomerID,
			StoreID:        in.StoreID,
			Terms:          terms,
			TotalPayable:   total,
			MonthlyPayment: shares[0],
			Status:         PlanActive,
			StartDate:      start,
			CreatedAt:      in.Now,
			UpdatedAt:      in.Now,
		},
		Obligations: make([]Obligation, terms.Months),
	}

	for k := 1; k <= terms.Months; k++ {
		ledger.Obligations[k-1] = Obligation{
			ID:       ObligationID(in.NewID()),
			PlanID:   planID,
			Sequence: k,
			Category: CategoryInstallment,
			DueDate:  addMonths(start, k),
			Amount:   shares[k-1],
			Status:   ObligationPending,
		}
	}
	return ledger, nil
}

// addMonths steps t forward n calendar months, clamping to the last day of
// the target month (Jan 31 + 1 month = Feb 28/29, not Mar 3).
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}
