/*
settlement.go - Early settlement (payoff)

PURPOSE:
  Closes a plan by charging only the principal not yet amortized. Future
  interest is waived.

PRECONDITIONS (PolicyViolation otherwise):
  - plan not already early_payoff or completed
  - no obligation overdue
  - no pending obligation whose due date has already lapsed. The sweeper
    normally turns those overdue first, so this rule only matters when a
    sweep was missed. It stays.

COMPUTATION:
  B                  = ProductPrice - DownPayment
  paidCount          = installments already paid
  remainingPrincipal = max(0, B - B*paidCount/months), rounded to the minor unit
  paidSum            = sum of paid installment amounts
  newTotalPayable    = paidSum + remainingPrincipal

EFFECTS:
  pending installments -> cancelled (kept, not deleted)
  one early_payoff obligation of remainingPrincipal, due and paid now
  plan -> early_payoff, TotalPayable = newTotalPayable

EXAMPLE:
  B = 800,000, months = 10, 3 paid:
  remainingPrincipal = 800,000 - 3*80,000 = 560,000
*/
package installment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Settlement is the outcome of SettleEarly.
type Settlement struct {
	Ledger             PlanLedger
	RemainingPrincipal Money
	NewTotalPayable    Money
	Cancelled          []ObligationID
	Payoff             Obligation
}

// CheckSettlementAllowed evaluates the preconditions without mutating anything.
func CheckSettlementAllowed(l PlanLedger, now time.Time) error {
	planID := l.Plan.ID
	switch l.Plan.Status {
	case PlanEarlyPayoff:
		return &PolicyViolation{Rule: RuleAlreadySettled, PlanID: planID, Detail: "plan was already settled early"}
	case PlanCompleted:
		return &PolicyViolation{Rule: RulePlanCompleted, PlanID: planID, Detail: "plan is fully paid"}
	case PlanActive, PlanOverdue:
	}
	for _, o := range l.Obligations {
		switch o.Status {
		case ObligationOverdue:
			return &PolicyViolation{Rule: RuleOverdueObligation, PlanID: planID, ObligationID: o.ID,
				Detail: "obligation due " + o.DueDate.Format("2006-01-02") + " is overdue"}
		case ObligationPending:
			if lapsed(o.DueDate, now) {
				return &PolicyViolation{Rule: RuleLapsedObligation, PlanID: planID, ObligationID: o.ID,
					Detail: "obligation due " + o.DueDate.Format("2006-01-02") + " has lapsed"}
			}
		case ObligationPaid, ObligationCancelled:
		}
	}
	return nil
}

// RemainingPrincipal is the unamortized principal after paidCount installments.
func RemainingPrincipal(t Terms, paidCount int) Money {
	if t.Months <= 0 {
		return 0
	}
	b := t.Principal().Decimal()
	amortized := b.Mul(decimal.NewFromInt(int64(paidCount))).Div(decimal.NewFromInt(int64(t.Months)))
	return MoneyFromDecimal(b.Sub(amortized)).Max(0)
}

// Settle computes and applies an early settlement on a copy of l.
func Settle(l PlanLedger, now time.Time, newID IDFunc) (Settlement, error) {
	if len(l.Obligations) == 0 {
		return Settlement{}, &ConsistencyError{PlanID: l.Plan.ID, Detail: "plan has no obligations"}
	}
	if err := CheckSettlementAllowed(l, now); err != nil {
		return Settlement{}, err
	}

	out := l.Clone()
	paidCount := 0
	var paidSum Money
	for _, o := range out.Obligations {
		if o.Category == CategoryInstallment && o.Status == ObligationPaid {
			paidCount++
			paidSum = paidSum.Add(o.Amount)
		}
	}
	remaining := RemainingPrincipal(out.Plan.Terms, paidCount)
	newTotal := paidSum.Add(remaining)

	res := Settlement{RemainingPrincipal: remaining, NewTotalPayable: newTotal}
	for i := range out.Obligations {
		o := &out.Obligations[i]
		if o.Status != ObligationPending {
			continue
		}
		if err := o.transition(ObligationCancelled, now); err != nil {
			return Settlement{}, err
		}
		res.Cancelled = append(res.Cancelled, o.ID)
	}

	paidAt := now
	payoff := Obligation{
		ID:       ObligationID(newID()),
		PlanID:   out.Plan.ID,
		Sequence: 0,
		Category: CategoryEarlyPayoff,
		DueDate:  now,
		Amount:   remaining,
		Status:   ObligationPaid,
		PaidAt:   &paidAt,
	}
	out.Obligations = append(out.Obligations, payoff)

	if err := out.Plan.transition(PlanEarlyPayoff, now); err != nil {
		return Settlement{}, err
	}
	out.Plan.TotalPayable = newTotal

	if err := checkConsistency(out); err != nil {
		return Settlement{}, err
	}

	res.Ledger = out
	res.Payoff = payoff
	return res, nil
}
