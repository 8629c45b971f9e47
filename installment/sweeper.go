/*
sweeper.go - Overdue transition for one plan

PURPOSE:
  Sweep is the per-plan step of the periodic overdue pass:
    1. pending obligations due on a day before now -> overdue
    2. active plan owning any overdue obligation  -> overdue

IDEMPOTENT:
  A second Sweep with the same now finds nothing pending and lapsed and
  the plan already overdue, so it changes nothing. Paid, cancelled and
  already-overdue obligations are never touched, nor are plans that are
  overdue, completed or early_payoff.

The engine (engine.go) runs Sweep for every candidate plan, each in its
own transaction, and keeps going when one plan fails.
*/
package installment

import "time"

// SweepResult reports what one Sweep changed.
type SweepResult struct {
	Ledger           PlanLedger
	Transitioned     []ObligationID
	PlanTransitioned bool
}

// Changed reports whether anything needs saving.
func (r SweepResult) Changed() bool {
	return len(r.Transitioned) > 0 || r.PlanTransitioned
}

// Sweep marks lapsed obligations overdue on a copy of l.
func Sweep(l PlanLedger, now time.Time) (SweepResult, error) {
	out := l.Clone()
	res := SweepResult{}

	for i := range out.Obligations {
		o := &out.Obligations[i]
		if o.Status != ObligationPending || !lapsed(o.DueDate, now) {
			continue
		}
		if err := o.transition(ObligationOverdue, now); err != nil {
			return SweepResult{}, err
		}
		res.Transitioned = append(res.Transitioned, o.ID)
	}

	if out.Plan.Status == PlanActive && out.CountByStatus()[ObligationOverdue] > 0 {
		if err := out.Plan.transition(PlanOverdue, now); err != nil {
			return SweepResult{}, err
		}
		res.PlanTransitioned = true
	}

	res.Ledger = out
	return res, nil
}

// NeedsSweep is the cheap pre-check the store query mirrors.
func NeedsSweep(l PlanLedger, now time.Time) bool {
	overdue := false
	for _, o := range l.Obligations {
		switch o.Status {
		case ObligationPending:
			if lapsed(o.DueDate, now) {
				return true
			}
		case ObligationOverdue:
			overdue = true
		case ObligationPaid, ObligationCancelled:
		}
	}
	return overdue && l.Plan.Status == PlanActive
}
