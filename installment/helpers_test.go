package installment_test

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/installment-engine/installment"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var jan15 = time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)

func major(n int64) installment.Money { return installment.NewMoney(n) }

// seqIDs returns a deterministic, goroutine-safe id generator.
func seqIDs(prefix string) installment.IDFunc {
	var n int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, atomic.AddInt64(&n, 1))
	}
}

// scenarioTerms is price 1,000,000, down 200,000, 10% flat over 10 months.
func scenarioTerms() installment.Terms {
	return installment.Terms{
		ProductPrice: major(1_000_000),
		DownPayment:  major(200_000),
		Rate:         decimal.NewFromInt(10),
		Months:       10,
		Formula:      installment.FormulaFlat,
	}
}

func newLedger(t *testing.T, terms installment.Terms) installment.PlanLedger {
	t.Helper()
	l, err := installment.GenerateSchedule(installment.ScheduleInput{
		PlanID:     "plan-1",
		CustomerID: "cust-1",
		StoreID:    "store-1",
		Terms:      terms,
		StartDate:  jan15,
		Now:        jan15,
		NewID:      seqIDs("ob"),
	})
	require.NoError(t, err)
	return l
}

// payInFull settles the first n obligations one allocation at a time.
func payInFull(t *testing.T, l installment.PlanLedger, n int, now time.Time, ids installment.IDFunc) installment.PlanLedger {
	t.Helper()
	for i := 0; i < n; i++ {
		res, err := installment.Allocate(l, l.Obligations[i].Remaining(), now, ids)
		require.NoError(t, err)
		l = res.Ledger
	}
	return l
}

func statuses(l installment.PlanLedger) []installment.ObligationStatus {
	out := make([]installment.ObligationStatus, len(l.Obligations))
	for i, o := range l.Obligations {
		out[i] = o.Status
	}
	return out
}
