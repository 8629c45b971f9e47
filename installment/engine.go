/*
engine.go - The four ledger operations

PURPOSE:
  Engine wires the pure algorithms (schedule, allocator, settlement,
  sweeper) to persistence, collaborators, the clock and logging.

OPERATIONS:
  CreatePlan       not idempotent; rejects unknown or blacklisted customers
  AllocatePayment  not idempotent (see allocator.go)
  SettleEarly      re-invocation on a settled plan is rejected
  SweepOverdue     idempotent; Tick(now) is the scheduler entry point

CONCURRENCY:
  Allocation and settlement read and rewrite a whole plan ledger, so there
  is one writer per plan at a time: a keyed mutex serializes callers inside
  this process and each operation runs in a single store transaction.
  Different plans proceed in parallel. Ticks never overlap; a tick that
  arrives while a sweep is running is skipped.
*/
package installment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// IDFunc mints identifiers for plans, obligations and entries.
type IDFunc func() string

// NewUUID is the default IDFunc.
func NewUUID() string { return uuid.NewString() }

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store     TxStore
	customers CustomerDirectory
	blacklist Blacklist
	clock     Clock
	newID     IDFunc
	log       logrus.FieldLogger

	defaultFormula Formula

	locks   planLocks
	sweepMu sync.Mutex
}

type Option func(*Engine)

func WithClock(c Clock) Option               { return func(e *Engine) { e.clock = c } }
func WithIDFunc(f IDFunc) Option             { return func(e *Engine) { e.newID = f } }
func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }

// WithDefaultFormula sets the formula used when CreatePlan terms leave it empty.
func WithDefaultFormula(f Formula) Option { return func(e *Engine) { e.defaultFormula = f } }

// NewEngine creates an engine. customers may be nil, in which case customer
// existence is not checked; blacklist may be nil, in which case nobody is
// blacklisted.
func NewEngine(store TxStore, customers CustomerDirectory, blacklist Blacklist, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		customers:      customers,
		blacklist:      blacklist,
		clock:          SystemClock{},
		newID:          NewUUID,
		log:            logrus.StandardLogger(),
		defaultFormula: DefaultFormula,
		locks:          planLocks{m: make(map[PlanID]*planLock)},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Clock exposes the engine's clock to callers that need a consistent "now".
func (e *Engine) Clock() Clock { return e.clock }

// =============================================================================
// CREATE PLAN
// =============================================================================

type CreatePlanInput struct {
	CustomerID CustomerID
	StoreID    StoreID
	Terms      Terms
	StartDate  time.Time // zero means today
}

// CreatePlan validates terms, checks the customer and the blacklist, and
// persists the plan with its full schedule.
func (e *Engine) CreatePlan(ctx context.Context, in CreatePlanInput) (PlanLedger, error) {
	if in.Terms.Formula == "" {
		in.Terms.Formula = e.defaultFormula
	}
	if err := in.Terms.Validate(); err != nil {
		return PlanLedger{}, err
	}
	if in.CustomerID == "" {
		return PlanLedger{}, &ValidationError{Field: "customer_id", Reason: "required"}
	}
	if in.StoreID == "" {
		return PlanLedger{}, &ValidationError{Field: "store_id", Reason: "required"}
	}

	if e.customers != nil {
		c, err := e.customers.Customer(ctx, in.CustomerID)
		if err != nil {
			return PlanLedger{}, err
		}
		if c.StoreID != "" && c.StoreID != in.StoreID {
			return PlanLedger{}, ErrCustomerNotFound
		}
	}
	if e.blacklist != nil {
		listed, err := e.blacklist.IsBlacklisted(ctx, in.CustomerID, in.StoreID)
		if err != nil {
			return PlanLedger{}, err
		}
		if listed {
			e.log.WithFields(logrus.Fields{"customer_id": in.CustomerID, "store_id": in.StoreID}).
				Warn("plan creation rejected: customer blacklisted")
			return PlanLedger{}, &PolicyViolation{Rule: RuleBlacklisted, CustomerID: in.CustomerID, Detail: "customer is blacklisted for store " + string(in.StoreID)}
		}
	}

	now := e.clock.Now()
	start := in.StartDate
	if start.IsZero() {
		start = now
	}
	ledger, err := GenerateSchedule(ScheduleInput{
		CustomerID: in.CustomerID,
		StoreID:    in.StoreID,
		Terms:      in.Terms,
		StartDate:  start,
		Now:        now,
		NewID:      e.newID,
	})
	if err != nil {
		return PlanLedger{}, err
	}

	if err := e.store.WithTx(ctx, func(s Store) error {
		return s.InsertLedger(ctx, ledger)
	}); err != nil {
		return PlanLedger{}, err
	}

	e.log.WithFields(logrus.Fields{
		"plan_id":       ledger.Plan.ID,
		"customer_id":   in.CustomerID,
		"store_id":      in.StoreID,
		"total_payable": ledger.Plan.TotalPayable.String(),
		"months":        ledger.Plan.Terms.Months,
		"formula":       ledger.Plan.Terms.Formula,
	}).Info("plan created")
	return ledger, nil
}

// =============================================================================
// ALLOCATE PAYMENT
// =============================================================================

// AllocatePayment applies amount to the plan's open obligations.
func (e *Engine) AllocatePayment(ctx context.Context, id PlanID, amount Money) (Allocation, error) {
	if amount <= 0 {
		return Allocation{}, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	unlock := e.locks.lock(id)
	defer unlock()

	var res Allocation
	err := e.store.WithTx(ctx, func(s Store) error {
		l, err := s.LoadLedger(ctx, id)
		if err != nil {
			return err
		}
		res, err = Allocate(l, amount, e.clock.Now(), e.newID)
		if err != nil {
			return err
		}
		return s.Apply(ctx, ChangesFor(res.Ledger, res.NewEntries))
	})
	if err != nil {
		e.logFailure(err, id, "allocate payment")
		return Allocation{}, err
	}

	e.log.WithFields(logrus.Fields{
		"plan_id":           id,
		"amount":            amount.String(),
		"entries":           len(res.NewEntries),
		"settled":           len(res.Settled),
		"remaining_balance": res.RemainingBalance.String(),
		"unapplied":         res.Unapplied.String(),
		"plan_status":       res.Ledger.Plan.Status,
	}).Info("payment allocated")
	return res, nil
}

// =============================================================================
// SETTLE EARLY
// =============================================================================

// SettleEarly closes the plan for its unamortized principal.
func (e *Engine) SettleEarly(ctx context.Context, id PlanID) (Settlement, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	var res Settlement
	err := e.store.WithTx(ctx, func(s Store) error {
		l, err := s.LoadLedger(ctx, id)
		if err != nil {
			return err
		}
		res, err = Settle(l, e.clock.Now(), e.newID)
		if err != nil {
			return err
		}
		return s.Apply(ctx, ChangesFor(res.Ledger, nil))
	})
	if err != nil {
		e.logFailure(err, id, "settle early")
		return Settlement{}, err
	}

	e.log.WithFields(logrus.Fields{
		"plan_id":             id,
		"remaining_principal": res.RemainingPrincipal.String(),
		"new_total_payable":   res.NewTotalPayable.String(),
		"cancelled":           len(res.Cancelled),
	}).Info("plan settled early")
	return res, nil
}

// =============================================================================
// OVERDUE SWEEP
// =============================================================================

// SweepReport summarizes one sweep over all candidate plans.
type SweepReport struct {
	AsOf                    time.Time
	PlansScanned            int
	ObligationsTransitioned int
	PlansTransitioned       int
	Failed                  map[PlanID]error
}

// SweepOverdue transitions lapsed obligations and their plans as of now.
// A failure on one plan is logged and recorded in the report; the sweep
// carries on with the rest. Only a failure to list candidates aborts it.
func (e *Engine) SweepOverdue(ctx context.Context, now time.Time) (SweepReport, error) {
	report := SweepReport{AsOf: now, Failed: make(map[PlanID]error)}

	ids, err := e.store.ListSweepCandidates(ctx, now)
	if err != nil {
		return report, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.PlansScanned++
		res, err := e.sweepPlan(ctx, id, now)
		if err != nil {
			report.Failed[id] = err
			e.log.WithError(err).WithField("plan_id", id).Error("overdue sweep failed for plan, continuing")
			continue
		}
		report.ObligationsTransitioned += len(res.Transitioned)
		if res.PlanTransitioned {
			report.PlansTransitioned++
		}
	}

	e.log.WithFields(logrus.Fields{
		"as_of":                    now.Format(time.RFC3339),
		"plans_scanned":            report.PlansScanned,
		"obligations_transitioned": report.ObligationsTransitioned,
		"plans_transitioned":       report.PlansTransitioned,
		"failed":                   len(report.Failed),
	}).Info("overdue sweep finished")
	return report, nil
}

// Tick is the entry point for an external scheduler: one sweep as of now.
// If the previous tick is still running it returns ErrSweepInProgress
// without doing anything.
func (e *Engine) Tick(ctx context.Context, now time.Time) (SweepReport, error) {
	if !e.sweepMu.TryLock() {
		return SweepReport{}, ErrSweepInProgress
	}
	defer e.sweepMu.Unlock()
	return e.SweepOverdue(ctx, now)
}

func (e *Engine) sweepPlan(ctx context.Context, id PlanID, now time.Time) (SweepResult, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	var res SweepResult
	err := e.store.WithTx(ctx, func(s Store) error {
		l, err := s.LoadLedger(ctx, id)
		if err != nil {
			return err
		}
		res, err = Sweep(l, now)
		if err != nil {
			return err
		}
		if !res.Changed() {
			return nil
		}
		return s.Apply(ctx, ChangesFor(res.Ledger, nil))
	})
	return res, err
}

// =============================================================================
// READ SIDE
// =============================================================================

func (e *Engine) GetPlan(ctx context.Context, id PlanID) (PlanLedger, error) {
	return e.store.LoadLedger(ctx, id)
}

func (e *Engine) ListPlans(ctx context.Context, f PlanFilter) ([]Plan, error) {
	return e.store.ListPlans(ctx, f)
}

// logFailure logs consistency errors loudly; business rejections are the
// caller's concern and only logged at debug.
func (e *Engine) logFailure(err error, id PlanID, op string) {
	entry := e.log.WithError(err).WithFields(logrus.Fields{"plan_id": id, "operation": op})
	switch {
	case errors.Is(err, ErrConsistency):
		entry.Error("ledger consistency check failed, operation aborted")
	case IsClientError(err), IsNotFound(err), IsPolicyViolation(err):
		entry.Debug("operation rejected")
	default:
		entry.Warn("operation failed")
	}
}

// =============================================================================
// PER-PLAN LOCKS
// =============================================================================

type planLocks struct {
	mu sync.Mutex
	m  map[PlanID]*planLock
}

type planLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until the caller is the only writer for id. The returned
// func releases it; entries are dropped once nobody holds or waits on them.
func (p *planLocks) lock(id PlanID) func() {
	p.mu.Lock()
	l, ok := p.m[id]
	if !ok {
		l = &planLock{}
		p.m[id] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.m, id)
		}
		p.mu.Unlock()
	}
}
