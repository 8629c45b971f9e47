package installment_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/installment-engine/installment"
)

// =============================================================================
// PAYMENT ALLOCATION
// =============================================================================

func TestAllocate_ExactInstallment_MarksPaid(t *testing.T) {
	// GIVEN: a fresh 10 x 88,000 plan
	// WHEN: Allocating exactly 88,000
	// THEN: #1 is paid, remaining balance is 792,000

	l := newLedger(t, scenarioTerms())
	res, err := installment.Allocate(l, major(88_000), jan15, seqIDs("e"))
	require.NoError(t, err)

	first := res.Ledger.Obligations[0]
	assert.Equal(t, installment.ObligationPaid, first.Status)
	require.NotNil(t, first.PaidAt)
	assert.Equal(t, jan15, *first.PaidAt)
	require.Len(t, first.Entries, 1)
	assert.Equal(t, major(88_000), first.Entries[0].Amount)

	assert.Equal(t, major(792_000), res.RemainingBalance)
	assert.Equal(t, major(792_000), res.Outstanding)
	assert.Equal(t, []installment.ObligationID{first.ID}, res.Settled)
	assert.Zero(t, res.Unapplied)
	assert.Equal(t, installment.PlanActive, res.Ledger.Plan.Status)

	// input is untouched
	assert.Equal(t, installment.ObligationPending, l.Obligations[0].Status)
	assert.Empty(t, l.Obligations[0].Entries)
}

func TestAllocate_Partial_LeavesPending(t *testing.T) {
	// GIVEN: a fresh plan
	// WHEN: Allocating 50,000
	// THEN: #1 has one 50,000 entry, stays pending, 38,000 still owed on it;
	//       amount-level remaining balance is unchanged

	l := newLedger(t, scenarioTerms())
	res, err := installment.Allocate(l, major(50_000), jan15, seqIDs("e"))
	require.NoError(t, err)

	first := res.Ledger.Obligations[0]
	assert.Equal(t, installment.ObligationPending, first.Status)
	assert.Nil(t, first.PaidAt)
	require.Len(t, first.Entries, 1)
	assert.Equal(t, major(50_000), first.Entries[0].Amount)
	assert.Equal(t, major(38_000), first.Remaining())

	assert.Equal(t, major(880_000), res.RemainingBalance)
	assert.Equal(t, major(830_000), res.Outstanding)
	assert.Empty(t, res.Settled)
	for _, o := range res.Ledger.Obligations[1:] {
		assert.Empty(t, o.Entries)
	}
}

func TestAllocate_PartialThenSpanning(t *testing.T) {
	// GIVEN: #1 has 50,000 of 88,000 covered
	// WHEN: Allocating 126,000
	// THEN: #1 gets 38,000 and is paid, #2 gets 88,000 and is paid

	l := newLedger(t, scenarioTerms())
	ids := seqIDs("e")
	res, err := installment.Allocate(l, major(50_000), jan15, ids)
	require.NoError(t, err)

	res, err = installment.Allocate(res.Ledger, major(126_000), jan15, ids)
	require.NoError(t, err)

	require.Len(t, res.NewEntries, 2)
	assert.Equal(t, major(38_000), res.NewEntries[0].Amount)
	assert.Equal(t, major(88_000), res.NewEntries[1].Amount)
	assert.Equal(t, installment.ObligationPaid, res.Ledger.Obligations[0].Status)
	assert.Equal(t, installment.ObligationPaid, res.Ledger.Obligations[1].Status)
	assert.Equal(t, installment.ObligationPending, res.Ledger.Obligations[2].Status)
	assert.Equal(t, major(704_000), res.RemainingBalance)
}

func TestAllocate_AtMostOnePartialPerCall(t *testing.T) {
	// GIVEN: a fresh plan
	// WHEN: Allocating 200,000 (two installments and change)
	// THEN: #1 and #2 are paid, #3 gets 24,000 and nothing else is touched

	l := newLedger(t, scenarioTerms())
	res, err := installment.Allocate(l, major(200_000), jan15, seqIDs("e"))
	require.NoError(t, err)

	assert.Equal(t, []installment.ObligationStatus{
		installment.ObligationPaid, installment.ObligationPaid, installment.ObligationPending,
	}, statuses(res.Ledger)[:3])
	assert.Equal(t, major(24_000), res.Ledger.Obligations[2].Covered())
	partials := 0
	for _, o := range res.Ledger.Obligations {
		if o.Status.IsOpen() && o.Covered() > 0 {
			partials++
		}
	}
	assert.Equal(t, 1, partials)
}

func TestAllocate_ExactBoundary_NoZeroEntries(t *testing.T) {
	// GIVEN: a fresh plan
	// WHEN: Allocating exactly three installments
	// THEN: exactly three entries, three paid, no zero-amount entry anywhere

	l := newLedger(t, scenarioTerms())
	res, err := installment.Allocate(l, major(3*88_000), jan15, seqIDs("e"))
	require.NoError(t, err)

	require.Len(t, res.NewEntries, 3)
	for _, e := range res.NewEntries {
		assert.True(t, e.Amount.IsPositive())
	}
	assert.Len(t, res.Settled, 3)
	assert.Equal(t, installment.ObligationPending, res.Ledger.Obligations[3].Status)
	assert.Empty(t, res.Ledger.Obligations[3].Entries)
}

func TestAllocate_FullPayoff_CompletesPlan(t *testing.T) {
	l := newLedger(t, scenarioTerms())
	res, err := installment.Allocate(l, major(880_000), jan15, seqIDs("e"))
	require.NoError(t, err)

	assert.Equal(t, installment.PlanCompleted, res.Ledger.Plan.Status)
	assert.Zero(t, res.RemainingBalance)
	assert.Zero(t, res.Unapplied)
	assert.Len(t, res.Settled, 10)

	// closed plans refuse more cash
	_, err = installment.Allocate(res.Ledger, major(1), jan15, seqIDs("x"))
	require.Error(t, err)
	var pv *installment.PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, installment.RulePlanClosed, pv.Rule)
}

func TestAllocate_Overpayment_ReportsUnapplied(t *testing.T) {
	// GIVEN: a fresh plan
	// WHEN: Allocating more than the whole plan
	// THEN: everything is paid and the excess is reported, not recorded

	l := newLedger(t, scenarioTerms())
	res, err := installment.Allocate(l, major(900_000), jan15, seqIDs("e"))
	require.NoError(t, err)

	assert.Equal(t, installment.PlanCompleted, res.Ledger.Plan.Status)
	assert.Equal(t, major(20_000), res.Unapplied)
	assert.Equal(t, major(880_000), res.Ledger.TotalEntries())
}

func TestAllocate_OverdueFirst_ReactivatesPlan(t *testing.T) {
	// GIVEN: the plan swept overdue on March 20 (#1 and #2 overdue)
	// WHEN: Paying #1, then #2
	// THEN: the plan stays overdue until no overdue obligation is left

	l := newLedger(t, scenarioTerms())
	march20 := time.Date(2025, time.March, 20, 9, 0, 0, 0, time.UTC)
	swept, err := installment.Sweep(l, march20)
	require.NoError(t, err)
	require.Equal(t, installment.PlanOverdue, swept.Ledger.Plan.Status)
	require.Len(t, swept.Transitioned, 2)

	res, err := installment.Allocate(swept.Ledger, major(88_000), march20, seqIDs("e"))
	require.NoError(t, err)
	assert.Equal(t, installment.ObligationPaid, res.Ledger.Obligations[0].Status)
	assert.Equal(t, installment.PlanOverdue, res.Ledger.Plan.Status, "#2 is still overdue")

	res, err = installment.Allocate(res.Ledger, major(88_000), march20, seqIDs("f"))
	require.NoError(t, err)
	assert.Equal(t, installment.PlanActive, res.Ledger.Plan.Status)
}

func TestAllocate_RedistributesOntoStalePending(t *testing.T) {
	// GIVEN: #2..#10 are pending but already fully covered (stale status),
	//        #1 is open with 88,000 owed
	// WHEN: Allocating 98,000
	// THEN: #1 takes 88,000, the 10,000 left is spread over #2..#10 by
	//       raising their amounts, and reconciliation marks them all paid

	l := newLedger(t, scenarioTerms())
	for i := 1; i < len(l.Obligations); i++ {
		o := &l.Obligations[i]
		o.Entries = append(o.Entries, installment.SettlementEntry{
			ID: installment.EntryID("pre-" + string(o.ID)), ObligationID: o.ID, Amount: o.Amount, RecordedAt: jan15,
		})
	}

	res, err := installment.Allocate(l, major(98_000), jan15, seqIDs("e"))
	require.NoError(t, err)

	var applied installment.Money
	for _, e := range res.NewEntries {
		applied += e.Amount
	}
	assert.Equal(t, major(98_000), applied+res.Unapplied)
	assert.Zero(t, res.Unapplied)
	assert.Equal(t, installment.PlanCompleted, res.Ledger.Plan.Status)

	var raised installment.Money
	for _, o := range res.Ledger.Obligations[1:] {
		assert.Equal(t, installment.ObligationPaid, o.Status)
		assert.Equal(t, o.Amount, o.Covered())
		raised += o.Amount - major(88_000)
	}
	assert.Equal(t, major(10_000), raised)
}

func TestAllocate_Conservation(t *testing.T) {
	// GIVEN: an arbitrary sequence of receipts
	// THEN: entries recorded + unapplied == cash received, after every call

	l := newLedger(t, scenarioTerms())
	ids := seqIDs("e")
	receipts := []installment.Money{
		major(1), major(50_000), installment.Money(1), major(87_999), major(176_000),
		installment.Money(12_345), major(100_000), major(300_000), major(250_000),
	}
	var received, recorded installment.Money
	for _, amt := range receipts {
		if l.Plan.Status == installment.PlanCompleted {
			break
		}
		res, err := installment.Allocate(l, amt, jan15, ids)
		require.NoError(t, err)
		received += amt
		for _, e := range res.NewEntries {
			require.True(t, e.Amount.IsPositive())
			recorded += e.Amount
		}
		recorded += res.Unapplied
		require.Equal(t, received, recorded)
		for _, o := range res.Ledger.Obligations {
			require.LessOrEqual(t, int64(o.Covered()), int64(o.Amount))
		}
		l = res.Ledger
	}
	assert.Equal(t, installment.PlanCompleted, l.Plan.Status)
}

func TestAllocate_Errors(t *testing.T) {
	l := newLedger(t, scenarioTerms())

	_, err := installment.Allocate(l, 0, jan15, seqIDs("e"))
	assert.True(t, errors.Is(err, installment.ErrValidation))
	_, err = installment.Allocate(l, -5, jan15, seqIDs("e"))
	assert.True(t, errors.Is(err, installment.ErrValidation))

	empty := installment.PlanLedger{Plan: l.Plan}
	_, err = installment.Allocate(empty, major(1), jan15, seqIDs("e"))
	assert.True(t, errors.Is(err, installment.ErrConsistency))
	assert.True(t, installment.IsConsistencyError(err))
}
