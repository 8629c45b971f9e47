/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines what the engine needs from the outside world:
  - Store / TxStore: load and save plan ledgers transactionally
  - CustomerDirectory: does the customer exist
  - Blacklist: may this customer open a plan at this store

WRITE MODEL:
  A plan ledger is inserted once (InsertLedger) and afterwards only changed
  through Apply(ChangeSet):
  - plan row: status, total payable, updated_at
  - obligations: upserted (status, amount, paid_at; new payoff marker)
  - settlement entries: appended, never updated or deleted

IMPLEMENTATIONS:
  - installment/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite
*/
package installment

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// ChangeSet is everything one operation wants written.
type ChangeSet struct {
	Plan        Plan
	Obligations []Obligation      // upserted; Entries field is ignored
	Entries     []SettlementEntry // appended
}

// ChangesFor builds a ChangeSet that rewrites every obligation of l and
// appends entries.
func ChangesFor(l PlanLedger, entries []SettlementEntry) ChangeSet {
	return ChangeSet{Plan: l.Plan, Obligations: l.Obligations, Entries: entries}
}

// PlanFilter narrows ListPlans. Zero values match everything.
type PlanFilter struct {
	CustomerID CustomerID
	StoreID    StoreID
	Status     PlanStatus
	Limit      int
}

// Store persists plan ledgers.
type Store interface {
	// InsertLedger writes a new plan and all its obligations.
	InsertLedger(ctx context.Context, l PlanLedger) error

	// LoadLedger returns the plan with obligations (due-date ascending) and
	// their entries. ErrPlanNotFound if missing.
	LoadLedger(ctx context.Context, id PlanID) (PlanLedger, error)

	// Apply writes a ChangeSet.
	Apply(ctx context.Context, cs ChangeSet) error

	// ListPlans returns plan headers without obligations.
	ListPlans(ctx context.Context, f PlanFilter) ([]Plan, error)

	// ListSweepCandidates returns plans with a pending obligation due on a
	// day before asOf, or active plans owning an overdue obligation.
	ListSweepCandidates(ctx context.Context, asOf time.Time) ([]PlanID, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction: rolled back if fn errors,
	// committed otherwise.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// CustomerDirectory resolves customers. Returns ErrCustomerNotFound.
type CustomerDirectory interface {
	Customer(ctx context.Context, id CustomerID) (Customer, error)
}

// AnyStore as a blacklist store id blocks the customer at every store.
const AnyStore StoreID = "*"

// Blacklist is consulted once, when a plan is created.
type Blacklist interface {
	IsBlacklisted(ctx context.Context, customerID CustomerID, storeID StoreID) (bool, error)
}

// BlacklistFunc adapts a function to Blacklist.
type BlacklistFunc func(ctx context.Context, customerID CustomerID, storeID StoreID) (bool, error)

func (f BlacklistFunc) IsBlacklisted(ctx context.Context, c CustomerID, s StoreID) (bool, error) {
	return f(ctx, c, s)
}
