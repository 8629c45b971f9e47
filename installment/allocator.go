/*
allocator.go - Payment allocation waterfall

PURPOSE:
  Applies one cash receipt across a plan's open obligations, oldest due
  date first. This is the only place settlement entries are created.

ALGORITHM (single pass, due-date ascending):
  1. Skip paid and cancelled obligations.
  2. remaining = max(0, amount - sum(entries)); nothing remaining -> next.
  3. Cash covers remaining -> entry of remaining, obligation paid, continue.
  4. Cash short           -> entry of all cash, status unchanged, stop.
  5. Cash left over with pending obligations still present -> spread it
     evenly across them: raise each amount by its share first, then record
     an entry of that share.
  6. Reconciliation: open obligations whose entries now match their amount
     (within Tolerance) become paid.
  7. Plan: nothing open -> completed; overdue plan with no overdue
     obligation left -> active.

GUARANTEES:
  - At most one obligation receives a partial entry per call.
  - sum(new entries) + Unapplied == amount.
  - No zero-amount entries; no negative amounts.
  - NOT idempotent: submitting the same receipt twice applies it twice.
    Deduplicating real-world receipts is the caller's job.

EXAMPLE:
  10 x 88,000 plan, allocate 50,000:
    #1 gets a 50,000 entry, stays pending, 38,000 still owed on it.
  then allocate 126,000:
    #1 gets 38,000 (paid), #2 gets 88,000 (paid).
*/
package installment

import (
	"fmt"
	"sort"
	"time"
)

// Allocation is the result of one AllocatePayment call.
type Allocation struct {
	Ledger     PlanLedger
	NewEntries []SettlementEntry
	Settled    []ObligationID // obligations that became paid in this call

	// RemainingBalance sums amounts of obligations still pending or overdue.
	RemainingBalance Money
	// Outstanding is RemainingBalance net of partial entries.
	Outstanding Money
	// Unapplied is cash left once every obligation is settled.
	Unapplied Money
}

// Allocate runs the waterfall against a copy of ledger.
func Allocate(ledger PlanLedger, amount Money, now time.Time, newID IDFunc) (Allocation, error) {
	if amount <= 0 {
		return Allocation{}, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	planID := ledger.Plan.ID
	if len(ledger.Obligations) == 0 {
		return Allocation{}, &ConsistencyError{PlanID: planID, Detail: "plan has no obligations"}
	}
	switch ledger.Plan.Status {
	case PlanCompleted, PlanEarlyPayoff:
		return Allocation{}, &PolicyViolation{Rule: RulePlanClosed, PlanID: planID, Detail: "plan is " + string(ledger.Plan.Status)}
	case PlanActive, PlanOverdue:
	}

	l := ledger.Clone()
	sortObligations(l.Obligations)

	result := Allocation{}
	record := func(o *Obligation, amt Money) {
		e := SettlementEntry{
			ID:           EntryID(newID()),
			ObligationID: o.ID,
			Amount:       amt,
			RecordedAt:   now,
		}
		o.Entries = append(o.Entries, e)
		result.NewEntries = append(result.NewEntries, e)
	}
	markPaid := func(o *Obligation) error {
		if err := o.transition(ObligationPaid, now); err != nil {
			return err
		}
		result.Settled = append(result.Settled, o.ID)
		return nil
	}

	pay := amount
	for i := range l.Obligations {
		o := &l.Obligations[i]
		if !o.Status.IsOpen() {
			continue
		}
		if pay <= 0 {
			break
		}
		remaining := o.Remaining()
		if remaining <= 0 {
			continue
		}
		if pay >= remaining {
			record(o, remaining)
			if err := markPaid(o); err != nil {
				return Allocation{}, err
			}
			pay -= remaining
			continue
		}
		record(o, pay)
		pay = 0
		break
	}

	// Residual redistribution.
	if pay > 0 {
		var pending []int
		for i, o := range l.Obligations {
			if o.Status == ObligationPending {
				pending = append(pending, i)
			}
		}
		if len(pending) > 0 {
			shares := pay.Split(len(pending))
			for j, idx := range pending {
				if shares[j] <= 0 {
					continue
				}
				o := &l.Obligations[idx]
				o.Amount = o.Amount.Add(shares[j])
				record(o, shares[j])
			}
			pay = 0
		}
	}

	// Reconciliation pass.
	for i := range l.Obligations {
		o := &l.Obligations[i]
		if o.Status.IsOpen() && o.Covered().Within(o.Amount, Tolerance) {
			if err := markPaid(o); err != nil {
				return Allocation{}, err
			}
		}
	}

	if err := checkConsistency(l); err != nil {
		return Allocation{}, err
	}
	if applied := SumMoney(entryAmounts(result.NewEntries)...); applied+pay != amount {
		return Allocation{}, &ConsistencyError{PlanID: planID, Detail: fmt.Sprintf("applied %s + unapplied %s != received %s", applied, pay, amount)}
	}

	if err := settlePlanStatus(&l, now); err != nil {
		return Allocation{}, err
	}

	result.Ledger = l
	result.RemainingBalance = l.RemainingBalance()
	result.Outstanding = l.Outstanding()
	result.Unapplied = pay
	return result, nil
}

// settlePlanStatus derives the plan status from its obligations after cash
// has been applied.
func settlePlanStatus(l *PlanLedger, now time.Time) error {
	counts := l.CountByStatus()
	open := counts[ObligationPending] + counts[ObligationOverdue]
	switch {
	case open == 0:
		return l.Plan.transition(PlanCompleted, now)
	case l.Plan.Status == PlanOverdue && counts[ObligationOverdue] == 0:
		return l.Plan.transition(PlanActive, now)
	}
	return nil
}

// checkConsistency asserts the ledger invariants that must hold after any
// mutation.
func checkConsistency(l PlanLedger) error {
	if len(l.Obligations) == 0 {
		return &ConsistencyError{PlanID: l.Plan.ID, Detail: "plan has no obligations"}
	}
	for _, o := range l.Obligations {
		if err := o.Validate(); err != nil {
			return &ConsistencyError{PlanID: l.Plan.ID, Detail: err.Error()}
		}
		if covered := o.Covered(); !covered.LessThan(o.Amount.Add(Tolerance)) {
			return &ConsistencyError{PlanID: l.Plan.ID, Detail: fmt.Sprintf("obligation %s covered %s exceeds amount %s", o.ID, covered, o.Amount)}
		}
	}
	return nil
}

// sortObligations orders by due date, then by sequence.
func sortObligations(obs []Obligation) {
	sort.SliceStable(obs, func(i, j int) bool {
		if !obs[i].DueDate.Equal(obs[j].DueDate) {
			return obs[i].DueDate.Before(obs[j].DueDate)
		}
		return obs[i].Sequence < obs[j].Sequence
	})
}

func entryAmounts(entries []SettlementEntry) []Money {
	out := make([]Money, len(entries))
	for i, e := range entries {
		out[i] = e.Amount
	}
	return out
}
