package installment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/installment-engine/installment"
	"github.com/warp/installment-engine/installment/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type engineFixture struct {
	engine *installment.Engine
	store  *store.TxMemory
	clock  *installment.FixedClock
	logs   *test.Hook
}

func newEngineFixture(t *testing.T) engineFixture {
	t.Helper()
	ms := store.NewTxMemory()
	ctx := context.Background()
	require.NoError(t, ms.SaveCustomer(ctx, installment.Customer{ID: "cust-1", StoreID: "store-1", Name: "Dilnoza"}))
	require.NoError(t, ms.SaveCustomer(ctx, installment.Customer{ID: "cust-2", StoreID: "store-1", Name: "Timur"}))

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	clock := installment.NewFixedClock(jan15)
	e := installment.NewEngine(ms, ms, ms,
		installment.WithClock(clock),
		installment.WithIDFunc(seqIDs("id")),
		installment.WithLogger(logger),
	)
	return engineFixture{engine: e, store: ms, clock: clock, logs: hook}
}

func (f engineFixture) createPlan(t *testing.T, customer installment.CustomerID) installment.PlanLedger {
	t.Helper()
	l, err := f.engine.CreatePlan(context.Background(), installment.CreatePlanInput{
		CustomerID: customer,
		StoreID:    "store-1",
		Terms:      scenarioTerms(),
	})
	require.NoError(t, err)
	return l
}

// =============================================================================
// CREATE PLAN
// =============================================================================

func TestEngine_CreatePlan_Persists(t *testing.T) {
	f := newEngineFixture(t)
	created := f.createPlan(t, "cust-1")

	loaded, err := f.engine.GetPlan(context.Background(), created.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Plan.ID, loaded.Plan.ID)
	assert.Equal(t, major(880_000), loaded.Plan.TotalPayable)
	assert.Len(t, loaded.Obligations, 10)
	assert.Equal(t, time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC), loaded.Plan.StartDate)
}

func TestEngine_CreatePlan_Rejections(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.AddToBlacklist(ctx, "cust-2", "store-1"))

	tests := []struct {
		name  string
		in    installment.CreatePlanInput
		check func(t *testing.T, err error)
	}{
		{
			name: "unknown customer",
			in:   installment.CreatePlanInput{CustomerID: "ghost", StoreID: "store-1", Terms: scenarioTerms()},
			check: func(t *testing.T, err error) {
				assert.True(t, errors.Is(err, installment.ErrCustomerNotFound))
				assert.True(t, installment.IsNotFound(err))
			},
		},
		{
			name: "customer of another store",
			in:   installment.CreatePlanInput{CustomerID: "cust-1", StoreID: "store-9", Terms: scenarioTerms()},
			check: func(t *testing.T, err error) {
				assert.True(t, errors.Is(err, installment.ErrCustomerNotFound))
			},
		},
		{
			name: "blacklisted",
			in:   installment.CreatePlanInput{CustomerID: "cust-2", StoreID: "store-1", Terms: scenarioTerms()},
			check: func(t *testing.T, err error) {
				var pv *installment.PolicyViolation
				require.ErrorAs(t, err, &pv)
				assert.Equal(t, installment.RuleBlacklisted, pv.Rule)
				assert.Equal(t, installment.CustomerID("cust-2"), pv.CustomerID)
			},
		},
		{
			name: "invalid terms",
			in: installment.CreatePlanInput{CustomerID: "cust-1", StoreID: "store-1", Terms: installment.Terms{
				ProductPrice: major(10), DownPayment: major(10), Months: 3,
			}},
			check: func(t *testing.T, err error) {
				assert.True(t, errors.Is(err, installment.ErrValidation))
			},
		},
		{
			name: "missing store",
			in:   installment.CreatePlanInput{CustomerID: "cust-1", Terms: scenarioTerms()},
			check: func(t *testing.T, err error) {
				assert.True(t, installment.IsClientError(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreatePlan(ctx, tt.in)
			require.Error(t, err)
			tt.check(t, err)
		})
	}

	plans, err := f.engine.ListPlans(ctx, installment.PlanFilter{})
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestEngine_CreatePlan_GlobalBlacklist(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.AddToBlacklist(ctx, "cust-1", installment.AnyStore))

	_, err := f.engine.CreatePlan(ctx, installment.CreatePlanInput{CustomerID: "cust-1", StoreID: "store-1", Terms: scenarioTerms()})
	assert.True(t, installment.IsPolicyViolation(err))
}

func TestEngine_CreatePlan_BlacklistLookupFailure(t *testing.T) {
	ms := store.NewTxMemory()
	boom := errors.New("blacklist unavailable")
	e := installment.NewEngine(ms, nil, installment.BlacklistFunc(
		func(context.Context, installment.CustomerID, installment.StoreID) (bool, error) { return false, boom },
	), installment.WithClock(installment.NewFixedClock(jan15)))

	_, err := e.CreatePlan(context.Background(), installment.CreatePlanInput{CustomerID: "c", StoreID: "s", Terms: scenarioTerms()})
	assert.ErrorIs(t, err, boom)
}

func TestEngine_CreatePlan_DefaultFormulaOption(t *testing.T) {
	ms := store.NewTxMemory()
	e := installment.NewEngine(ms, nil, nil,
		installment.WithClock(installment.NewFixedClock(jan15)),
		installment.WithDefaultFormula(installment.FormulaSimple),
	)
	terms := scenarioTerms()
	terms.Formula = ""

	l, err := e.CreatePlan(context.Background(), installment.CreatePlanInput{CustomerID: "c", StoreID: "s", Terms: terms})
	require.NoError(t, err)
	assert.Equal(t, installment.FormulaSimple, l.Plan.Terms.Formula)
	assert.Equal(t, major(1_600_000), l.Plan.TotalPayable)
}

// =============================================================================
// ALLOCATE / SETTLE THROUGH THE STORE
// =============================================================================

func TestEngine_AllocateThenSettle(t *testing.T) {
	// GIVEN: a persisted plan
	// WHEN: Paying three installments through the engine, then settling
	// THEN: the stored ledger reflects both operations

	f := newEngineFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "cust-1")

	res, err := f.engine.AllocatePayment(ctx, plan.Plan.ID, major(3*88_000))
	require.NoError(t, err)
	assert.Equal(t, major(616_000), res.RemainingBalance)

	st, err := f.engine.SettleEarly(ctx, plan.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, major(560_000), st.RemainingPrincipal)
	assert.Equal(t, major(824_000), st.NewTotalPayable)

	stored, err := f.engine.GetPlan(ctx, plan.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, installment.PlanEarlyPayoff, stored.Plan.Status)
	assert.Equal(t, major(824_000), stored.Plan.TotalPayable)
	assert.Len(t, stored.Obligations, 11)
	counts := stored.CountByStatus()
	assert.Equal(t, 4, counts[installment.ObligationPaid])
	assert.Equal(t, 7, counts[installment.ObligationCancelled])
	assert.Equal(t, major(3*88_000), stored.TotalEntries())

	_, err = f.engine.SettleEarly(ctx, plan.Plan.ID)
	var pv *installment.PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, installment.RuleAlreadySettled, pv.Rule)

	_, err = f.engine.AllocatePayment(ctx, plan.Plan.ID, major(1))
	assert.True(t, installment.IsPolicyViolation(err))
}

func TestEngine_UnknownPlan(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.AllocatePayment(ctx, "nope", major(1))
	assert.ErrorIs(t, err, installment.ErrPlanNotFound)
	_, err = f.engine.SettleEarly(ctx, "nope")
	assert.ErrorIs(t, err, installment.ErrPlanNotFound)
	_, err = f.engine.GetPlan(ctx, "nope")
	assert.True(t, installment.IsNotFound(err))
}

func TestEngine_AllocatePayment_RejectsNonPositive(t *testing.T) {
	f := newEngineFixture(t)
	plan := f.createPlan(t, "cust-1")

	_, err := f.engine.AllocatePayment(context.Background(), plan.Plan.ID, 0)
	assert.ErrorIs(t, err, installment.ErrValidation)
}

func TestEngine_FailedApplyRollsBack(t *testing.T) {
	// GIVEN: the store fails on write
	// WHEN: Allocating
	// THEN: the error surfaces and the stored ledger is unchanged

	f := newEngineFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "cust-1")
	boom := errors.New("disk full")
	f.store.FailApply = func(installment.PlanID) error { return boom }

	_, err := f.engine.AllocatePayment(ctx, plan.Plan.ID, major(88_000))
	assert.ErrorIs(t, err, boom)

	f.store.FailApply = nil
	stored, err := f.engine.GetPlan(ctx, plan.Plan.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.TotalEntries())
	assert.Equal(t, installment.ObligationPending, stored.Obligations[0].Status)
}

func TestEngine_ConcurrentAllocations_SamePlan(t *testing.T) {
	// GIVEN: one plan
	// WHEN: 40 goroutines each pay 22,000 concurrently
	// THEN: every receipt is applied exactly once: 880,000 recorded, plan completed

	f := newEngineFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "cust-1")

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.AllocatePayment(ctx, plan.Plan.ID, major(22_000)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := f.engine.GetPlan(ctx, plan.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, major(880_000), stored.TotalEntries())
	assert.Equal(t, installment.PlanCompleted, stored.Plan.Status)
}

func TestEngine_ConcurrentAllocations_DifferentPlans(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.createPlan(t, "cust-1")
	b := f.createPlan(t, "cust-1")

	var wg sync.WaitGroup
	for _, id := range []installment.PlanID{a.Plan.ID, b.Plan.ID} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(id installment.PlanID) {
				defer wg.Done()
				_, err := f.engine.AllocatePayment(ctx, id, major(8_800))
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	for _, id := range []installment.PlanID{a.Plan.ID, b.Plan.ID} {
		stored, err := f.engine.GetPlan(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, major(88_000), stored.TotalEntries())
		assert.Equal(t, installment.ObligationPaid, stored.Obligations[0].Status)
	}
}

// =============================================================================
// SWEEP
// =============================================================================

func TestEngine_SweepOverdue(t *testing.T) {
	// GIVEN: two plans, one paid up through March
	// WHEN: Sweeping on March 20
	// THEN: only the unpaid plan goes overdue; a second sweep does nothing

	f := newEngineFixture(t)
	ctx := context.Background()
	late := f.createPlan(t, "cust-1")
	current := f.createPlan(t, "cust-2")
	_, err := f.engine.AllocatePayment(ctx, current.Plan.ID, major(2*88_000))
	require.NoError(t, err)

	march20 := time.Date(2025, time.March, 20, 0, 0, 0, 0, time.UTC)
	report, err := f.engine.SweepOverdue(ctx, march20)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PlansScanned)
	assert.Equal(t, 2, report.ObligationsTransitioned)
	assert.Equal(t, 1, report.PlansTransitioned)
	assert.Empty(t, report.Failed)

	stored, err := f.engine.GetPlan(ctx, late.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, installment.PlanOverdue, stored.Plan.Status)

	again, err := f.engine.SweepOverdue(ctx, march20)
	require.NoError(t, err)
	assert.Zero(t, again.PlansScanned)
	assert.Zero(t, again.ObligationsTransitioned)

	overdue, err := f.engine.ListPlans(ctx, installment.PlanFilter{Status: installment.PlanOverdue})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, late.Plan.ID, overdue[0].ID)
}

func TestEngine_SweepOverdue_ContinuesPastFailures(t *testing.T) {
	// GIVEN: two lapsed plans, writes for the first one fail
	// WHEN: Sweeping
	// THEN: the second plan is still swept and the failure is reported and logged

	f := newEngineFixture(t)
	ctx := context.Background()
	bad := f.createPlan(t, "cust-1")
	good := f.createPlan(t, "cust-2")
	f.store.FailApply = func(id installment.PlanID) error {
		if id == bad.Plan.ID {
			return errors.New("row locked")
		}
		return nil
	}

	report, err := f.engine.SweepOverdue(ctx, time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, report.PlansScanned)
	assert.Equal(t, 1, report.PlansTransitioned)
	require.Contains(t, report.Failed, bad.Plan.ID)

	stored, err := f.engine.GetPlan(ctx, good.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, installment.PlanOverdue, stored.Plan.Status)
	stored, err = f.engine.GetPlan(ctx, bad.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, installment.PlanActive, stored.Plan.Status)

	var logged bool
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Data["plan_id"] == bad.Plan.ID {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestEngine_Tick_SkipsWhileSweepRunning(t *testing.T) {
	// GIVEN: a sweep blocked inside the store
	// WHEN: A second tick arrives
	// THEN: it is skipped with ErrSweepInProgress

	f := newEngineFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "cust-1")

	entered := make(chan struct{})
	release := make(chan struct{})
	f.store.FailApply = func(installment.PlanID) error {
		close(entered)
		<-release
		return nil
	}

	march1 := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Tick(ctx, march1)
		done <- err
	}()

	<-entered
	_, err := f.engine.Tick(ctx, march1)
	assert.ErrorIs(t, err, installment.ErrSweepInProgress)

	close(release)
	require.NoError(t, <-done)

	stored, err := f.engine.GetPlan(ctx, plan.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, installment.PlanOverdue, stored.Plan.Status)
}

func TestEngine_ClockDrivesLapse(t *testing.T) {
	// GIVEN: a plan created on January 15
	// WHEN: The clock moves two months and a tick runs at the clock's now
	// THEN: #1 and #2 are overdue and early settlement is refused

	f := newEngineFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "cust-1")

	f.clock.AddMonths(2)
	f.clock.Advance(24 * time.Hour)
	report, err := f.engine.Tick(ctx, f.engine.Clock().Now())
	require.NoError(t, err)
	assert.Equal(t, 2, report.ObligationsTransitioned)

	_, err = f.engine.SettleEarly(ctx, plan.Plan.ID)
	var pv *installment.PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, installment.RuleOverdueObligation, pv.Rule)
}
