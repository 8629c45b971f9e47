/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

PURPOSE:
  Persists plans, their obligations and settlement entries, plus the two
  collaborator tables the engine consults at plan creation (customers and
  the blacklist). In production the same schema ports to PostgreSQL with
  only minor dialect differences.

INTERFACES IMPLEMENTED:
  installment.TxStore:           plan ledger persistence with transactions
  installment.CustomerDirectory: customer lookup
  installment.Blacklist:         (customer, store) blacklist

APPEND-ONLY ENFORCEMENT:
  settlement_entries is never updated: a trigger aborts any UPDATE and the
  store only ever INSERTs into it. Obligations are upserted (status, amount,
  paid_at change over a plan's life); cancelled obligations are kept.

KEY TABLES:
  plans:              terms, derived totals and lifecycle status
  obligations:        one row per installment, plus the early-payoff marker
  settlement_entries: cash applied to one obligation, immutable
  customers:          customer directory
  blacklist:          blocked (customer, store) pairs; store '*' means all

MONEY:
  Stored as INTEGER minor units. Rates as decimal TEXT. Times as RFC3339 UTC
  text, so string comparison orders them.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  whole transaction and the transactional view only touches the *sql.Tx.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := installment.NewEngine(store, store, store)

SEE ALSO:
  - installment/store.go: Interface definitions
  - installment/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/installment-engine/installment"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		store_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blacklist (
		customer_id TEXT NOT NULL,
		store_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (customer_id, store_id)
	);

	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		store_id TEXT NOT NULL,
		product_price INTEGER NOT NULL,
		down_payment INTEGER NOT NULL,
		rate TEXT NOT NULL,
		months INTEGER NOT NULL CHECK (months > 0),
		formula TEXT NOT NULL,
		total_payable INTEGER NOT NULL,
		monthly_payment INTEGER NOT NULL,
		status TEXT NOT NULL,
		start_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_plans_customer ON plans(customer_id);
	CREATE INDEX IF NOT EXISTS idx_plans_store ON plans(store_id);
	CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);

	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL REFERENCES plans(id),
		sequence INTEGER NOT NULL,
		category TEXT NOT NULL,
		due_date TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount >= 0),
		status TEXT NOT NULL,
		paid_at TEXT
	);

	-- Ledger load order (hot path)
	CREATE INDEX IF NOT EXISTS idx_obligations_plan_due
		ON obligations(plan_id, due_date, sequence);

	-- Sweep candidate scan
	CREATE INDEX IF NOT EXISTS idx_obligations_status_due
		ON obligations(status, due_date);

	CREATE TABLE IF NOT EXISTS settlement_entries (
		id TEXT PRIMARY KEY,
		obligation_id TEXT NOT NULL REFERENCES obligations(id),
		amount INTEGER NOT NULL CHECK (amount > 0),
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_obligation
		ON settlement_entries(obligation_id);

	CREATE TRIGGER IF NOT EXISTS settlement_entries_append_only
	BEFORE UPDATE ON settlement_entries
	BEGIN
		SELECT RAISE(ABORT, 'settlement entries are append-only');
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PLAN LEDGER STORE (installment.Store interface)
// =============================================================================

func (s *Store) InsertLedger(ctx context.Context, l installment.PlanLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := insertLedger(ctx, sqlTx, l); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func insertLedger(ctx context.Context, q querier, l installment.PlanLedger) error {
	p := l.Plan
	_, err := q.ExecContext(ctx, `
		INSERT INTO plans
		(id, customer_id, store_id, product_price, down_payment, rate, months, formula,
		 total_payable, monthly_payment, status, start_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.CustomerID, p.StoreID,
		int64(p.Terms.ProductPrice), int64(p.Terms.DownPayment), p.Terms.Rate.String(),
		p.Terms.Months, p.Terms.Formula,
		int64(p.TotalPayable), int64(p.MonthlyPayment), p.Status,
		formatTime(p.StartDate), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &installment.ConsistencyError{PlanID: p.ID, Detail: "plan already exists"}
		}
		return fmt.Errorf("failed to insert plan: %w", err)
	}

	for _, o := range l.Obligations {
		if err := upsertObligation(ctx, q, o); err != nil {
			return err
		}
		for _, e := range o.Entries {
			if err := appendEntry(ctx, q, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) LoadLedger(ctx context.Context, id installment.PlanID) (installment.PlanLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadLedger(ctx, s.db, id)
}

func loadLedger(ctx context.Context, q querier, id installment.PlanID) (installment.PlanLedger, error) {
	row := q.QueryRowContext(ctx, planColumns+" FROM plans WHERE id = ?", id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return installment.PlanLedger{}, installment.ErrPlanNotFound
	}
	if err != nil {
		return installment.PlanLedger{}, err
	}

	l := installment.PlanLedger{Plan: p}
	rows, err := q.QueryContext(ctx, `
		SELECT id, plan_id, sequence, category, due_date, amount, status, paid_at
		FROM obligations
		WHERE plan_id = ?
		ORDER BY due_date ASC, sequence ASC
	`, id)
	if err != nil {
		return installment.PlanLedger{}, fmt.Errorf("failed to query obligations: %w", err)
	}
	defer rows.Close()

	index := make(map[installment.ObligationID]int)
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return installment.PlanLedger{}, err
		}
		index[o.ID] = len(l.Obligations)
		l.Obligations = append(l.Obligations, o)
	}
	if err := rows.Err(); err != nil {
		return installment.PlanLedger{}, err
	}
	rows.Close()

	entries, err := q.QueryContext(ctx, `
		SELECT e.id, e.obligation_id, e.amount, e.recorded_at
		FROM settlement_entries e
		JOIN obligations o ON o.id = e.obligation_id
		WHERE o.plan_id = ?
		ORDER BY e.recorded_at ASC, e.rowid ASC
	`, id)
	if err != nil {
		return installment.PlanLedger{}, fmt.Errorf("failed to query settlement entries: %w", err)
	}
	defer entries.Close()

	for entries.Next() {
		var (
			e          installment.SettlementEntry
			amount     int64
			recordedAt string
		)
		if err := entries.Scan(&e.ID, &e.ObligationID, &amount, &recordedAt); err != nil {
			return installment.PlanLedger{}, fmt.Errorf("failed to scan settlement entry: %w", err)
		}
		e.Amount = installment.Money(amount)
		e.RecordedAt = parseTime(recordedAt)
		i, ok := index[e.ObligationID]
		if !ok {
			return installment.PlanLedger{}, &installment.ConsistencyError{PlanID: id, Detail: "entry " + string(e.ID) + " has no obligation"}
		}
		l.Obligations[i].Entries = append(l.Obligations[i].Entries, e)
	}
	return l, entries.Err()
}

func (s *Store) Apply(ctx context.Context, cs installment.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := apply(ctx, sqlTx, cs); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func apply(ctx context.Context, q querier, cs installment.ChangeSet) error {
	p := cs.Plan
	res, err := q.ExecContext(ctx, `
		UPDATE plans SET status = ?, total_payable = ?, updated_at = ?
		WHERE id = ?
	`, p.Status, int64(p.TotalPayable), formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return installment.ErrPlanNotFound
	}

	for _, o := range cs.Obligations {
		if err := upsertObligation(ctx, q, o); err != nil {
			return err
		}
	}
	for _, e := range cs.Entries {
		if err := appendEntry(ctx, q, e); err != nil {
			return err
		}
	}
	return nil
}

func upsertObligation(ctx context.Context, q querier, o installment.Obligation) error {
	var paidAt sql.NullString
	if o.PaidAt != nil {
		paidAt = nullString(formatTime(*o.PaidAt))
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO obligations (id, plan_id, sequence, category, due_date, amount, status, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			status = excluded.status,
			paid_at = excluded.paid_at
	`,
		o.ID, o.PlanID, o.Sequence, o.Category, formatTime(o.DueDate),
		int64(o.Amount), o.Status, paidAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save obligation %s: %w", o.ID, err)
	}
	return nil
}

// appendEntry only ever inserts; a repeated entry id is ignored.
func appendEntry(ctx context.Context, q querier, e installment.SettlementEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO settlement_entries (id, obligation_id, amount, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.ObligationID, int64(e.Amount), formatTime(e.RecordedAt))
	if err != nil {
		return fmt.Errorf("failed to append settlement entry: %w", err)
	}
	return nil
}

func (s *Store) ListPlans(ctx context.Context, f installment.PlanFilter) ([]installment.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPlans(ctx, s.db, f)
}

func listPlans(ctx context.Context, q querier, f installment.PlanFilter) ([]installment.Plan, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.StoreID != "" {
		where = append(where, "store_id = ?")
		args = append(args, f.StoreID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := planColumns + " FROM plans"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var plans []installment.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (s *Store) ListSweepCandidates(ctx context.Context, asOf time.Time) ([]installment.PlanID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sweepCandidates(ctx, s.db, asOf)
}

// sweepCandidates mirrors installment.NeedsSweep. Due dates compare as text;
// a due date before the start of asOf's day has lapsed.
func sweepCandidates(ctx context.Context, q querier, asOf time.Time) ([]installment.PlanID, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT p.id
		FROM plans p
		JOIN obligations o ON o.plan_id = p.id
		WHERE (o.status = ? AND o.due_date < ?)
		   OR (o.status = ? AND p.status = ?)
		ORDER BY p.id
	`,
		installment.ObligationPending, formatTime(dayStart(asOf)),
		installment.ObligationOverdue, installment.PlanActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sweep candidates: %w", err)
	}
	defer rows.Close()

	var ids []installment.PlanID
	for rows.Next() {
		var id installment.PlanID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (installment.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store installment.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txStore := &txStore{tx: sqlTx}
	if err := fn(txStore); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) InsertLedger(ctx context.Context, l installment.PlanLedger) error {
	return insertLedger(ctx, ts.tx, l)
}

func (ts *txStore) LoadLedger(ctx context.Context, id installment.PlanID) (installment.PlanLedger, error) {
	return loadLedger(ctx, ts.tx, id)
}

func (ts *txStore) Apply(ctx context.Context, cs installment.ChangeSet) error {
	return apply(ctx, ts.tx, cs)
}

func (ts *txStore) ListPlans(ctx context.Context, f installment.PlanFilter) ([]installment.Plan, error) {
	return listPlans(ctx, ts.tx, f)
}

func (ts *txStore) ListSweepCandidates(ctx context.Context, asOf time.Time) ([]installment.PlanID, error) {
	return sweepCandidates(ctx, ts.tx, asOf)
}

// =============================================================================
// CUSTOMER DIRECTORY (installment.CustomerDirectory interface)
// =============================================================================

// SaveCustomer inserts or updates a customer.
func (s *Store) SaveCustomer(ctx context.Context, c installment.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO customers (id, store_id, name, phone, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			store_id = excluded.store_id,
			name = excluded.name,
			phone = excluded.phone
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.StoreID, c.Name, c.Phone,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// Customer retrieves a customer by ID.
func (s *Store) Customer(ctx context.Context, id installment.CustomerID) (installment.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c installment.Customer
	err := s.db.QueryRowContext(ctx,
		"SELECT id, store_id, name, phone FROM customers WHERE id = ?",
		id,
	).Scan(&c.ID, &c.StoreID, &c.Name, &c.Phone)

	if errors.Is(err, sql.ErrNoRows) {
		return installment.Customer{}, installment.ErrCustomerNotFound
	}
	if err != nil {
		return installment.Customer{}, err
	}
	return c, nil
}

// ListCustomers returns customers, optionally only those of one store.
func (s *Store) ListCustomers(ctx context.Context, storeID installment.StoreID) ([]installment.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, store_id, name, phone FROM customers"
	var args []any
	if storeID != "" {
		query += " WHERE store_id = ?"
		args = append(args, storeID)
	}
	query += " ORDER BY name, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []installment.Customer
	for rows.Next() {
		var c installment.Customer
		if err := rows.Scan(&c.ID, &c.StoreID, &c.Name, &c.Phone); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// =============================================================================
// BLACKLIST (installment.Blacklist interface)
// =============================================================================

// AddToBlacklist blocks a customer at a store, or everywhere with
// installment.AnyStore.
func (s *Store) AddToBlacklist(ctx context.Context, c installment.CustomerID, st installment.StoreID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blacklist (customer_id, store_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(customer_id, store_id) DO NOTHING
	`, c, st, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *Store) RemoveFromBlacklist(ctx context.Context, c installment.CustomerID, st installment.StoreID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM blacklist WHERE customer_id = ? AND store_id = ?", c, st)
	return err
}

func (s *Store) IsBlacklisted(ctx context.Context, c installment.CustomerID, st installment.StoreID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM blacklist WHERE customer_id = ? AND store_id IN (?, ?)",
		c, st, installment.AnyStore,
	).Scan(&count)

	return count > 0, err
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"settlement_entries", "obligations", "plans", "blacklist", "customers"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

const planColumns = `
	SELECT id, customer_id, store_id, product_price, down_payment, rate, months, formula,
	       total_payable, monthly_payment, status, start_date, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (installment.Plan, error) {
	var p installment.Plan
	var price, down, total, monthly int64
	var rate, startDate, createdAt, updatedAt string

	err := row.Scan(
		&p.ID, &p.CustomerID, &p.StoreID, &price, &down, &rate, &p.Terms.Months, &p.Terms.Formula,
		&total, &monthly, &p.Status, &startDate, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan plan: %w", err)
	}
	p.Terms.ProductPrice = installment.Money(price)
	p.Terms.DownPayment = installment.Money(down)
	p.Terms.Rate, err = decimal.NewFromString(rate)
	if err != nil {
		return p, fmt.Errorf("plan %s: bad rate %q: %w", p.ID, rate, err)
	}
	p.TotalPayable = installment.Money(total)
	p.MonthlyPayment = installment.Money(monthly)
	p.StartDate = parseTime(startDate)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func scanObligation(rows *sql.Rows) (installment.Obligation, error) {
	var (
		o       installment.Obligation
		dueDate string
		amount  int64
		paidAt  sql.NullString
	)
	err := rows.Scan(&o.ID, &o.PlanID, &o.Sequence, &o.Category, &dueDate, &amount, &o.Status, &paidAt)
	if err != nil {
		return o, fmt.Errorf("failed to scan obligation: %w", err)
	}
	o.DueDate = parseTime(dueDate)
	o.Amount = installment.Money(amount)
	if paidAt.Valid {
		t := parseTime(paidAt.String)
		o.PaidAt = &t
	}
	return o, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t.UTC()
}

func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
