package installment_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/installment-engine/installment"
)

// =============================================================================
// OVERDUE SWEEP
// =============================================================================

func TestSweep_LapsedPendingBecomesOverdue(t *testing.T) {
	// GIVEN: #1 paid, #2 due March 15 still pending
	// WHEN: Sweeping on March 16
	// THEN: #2 overdue, plan overdue, everything else untouched

	l := payInFull(t, newLedger(t, scenarioTerms()), 1, jan15, seqIDs("e"))
	march16 := time.Date(2025, time.March, 16, 0, 30, 0, 0, time.UTC)

	res, err := installment.Sweep(l, march16)
	require.NoError(t, err)

	assert.Equal(t, []installment.ObligationID{l.Obligations[1].ID}, res.Transitioned)
	assert.True(t, res.PlanTransitioned)
	assert.Equal(t, installment.PlanOverdue, res.Ledger.Plan.Status)
	assert.Equal(t, installment.ObligationPaid, res.Ledger.Obligations[0].Status)
	assert.Equal(t, installment.ObligationOverdue, res.Ledger.Obligations[1].Status)
	for _, o := range res.Ledger.Obligations[2:] {
		assert.Equal(t, installment.ObligationPending, o.Status)
	}
}

func TestSweep_DueTodayIsNotLate(t *testing.T) {
	l := newLedger(t, scenarioTerms())
	feb15Evening := time.Date(2025, time.February, 15, 23, 59, 0, 0, time.UTC)

	res, err := installment.Sweep(l, feb15Evening)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.False(t, installment.NeedsSweep(l, feb15Evening))
}

func TestSweep_Idempotent(t *testing.T) {
	// GIVEN: a plan swept once on June 1
	// WHEN: Sweeping again at the same instant
	// THEN: nothing changes

	l := newLedger(t, scenarioTerms())
	june1 := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

	first, err := installment.Sweep(l, june1)
	require.NoError(t, err)
	require.Len(t, first.Transitioned, 4)

	second, err := installment.Sweep(first.Ledger, june1)
	require.NoError(t, err)
	assert.False(t, second.Changed())
	assert.Equal(t, first.Ledger, second.Ledger)
	assert.False(t, installment.NeedsSweep(first.Ledger, june1))
}

func TestSweep_LeavesClosedPlansAlone(t *testing.T) {
	l := newLedger(t, scenarioTerms())
	settled, err := installment.Settle(l, jan15, seqIDs("e"))
	require.NoError(t, err)

	later := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	res, err := installment.Sweep(settled.Ledger, later)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, installment.PlanEarlyPayoff, res.Ledger.Plan.Status)
}

func TestNeedsSweep_ActivePlanWithOverdueObligation(t *testing.T) {
	// GIVEN: an obligation already overdue on a plan still marked active
	// THEN: the plan is a sweep candidate and the sweep fixes the plan status

	l := newLedger(t, scenarioTerms())
	l.Obligations[0].Status = installment.ObligationOverdue
	feb1 := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, installment.NeedsSweep(l, feb1))
	res, err := installment.Sweep(l, feb1)
	require.NoError(t, err)
	assert.Empty(t, res.Transitioned)
	assert.True(t, res.PlanTransitioned)
}
