// Package store provides in-memory installment.TxStore, customer directory
// and blacklist implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/installment-engine/installment"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	plans     map[installment.PlanID]installment.Plan
	obs       map[installment.PlanID][]installment.Obligation // entries stripped
	entries   map[installment.ObligationID][]installment.SettlementEntry
	entryIDs  map[installment.EntryID]bool
	customers map[installment.CustomerID]installment.Customer
	blacklist map[blacklistKey]bool
}

type blacklistKey struct {
	CustomerID installment.CustomerID
	StoreID    installment.StoreID
}

func NewMemory() *Memory {
	return &Memory{
		plans:     make(map[installment.PlanID]installment.Plan),
		obs:       make(map[installment.PlanID][]installment.Obligation),
		entries:   make(map[installment.ObligationID][]installment.SettlementEntry),
		entryIDs:  make(map[installment.EntryID]bool),
		customers: make(map[installment.CustomerID]installment.Customer),
		blacklist: make(map[blacklistKey]bool),
	}
}

func (m *Memory) InsertLedger(_ context.Context, l installment.PlanLedger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(l)
}

func (m *Memory) insertLocked(l installment.PlanLedger) error {
	if _, exists := m.plans[l.Plan.ID]; exists {
		return &installment.ConsistencyError{PlanID: l.Plan.ID, Detail: "plan already exists"}
	}
	m.plans[l.Plan.ID] = l.Plan
	for _, o := range l.Obligations {
		m.upsertObligationLocked(o)
		for _, e := range o.Entries {
			m.appendEntryLocked(e)
		}
	}
	return nil
}

func (m *Memory) LoadLedger(_ context.Context, id installment.PlanID) (installment.PlanLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(id)
}

func (m *Memory) loadLocked(id installment.PlanID) (installment.PlanLedger, error) {
	p, ok := m.plans[id]
	if !ok {
		return installment.PlanLedger{}, installment.ErrPlanNotFound
	}
	l := installment.PlanLedger{Plan: p}
	for _, o := range m.obs[id] {
		c := o
		c.Entries = append([]installment.SettlementEntry(nil), m.entries[o.ID]...)
		l.Obligations = append(l.Obligations, c)
	}
	sort.SliceStable(l.Obligations, func(i, j int) bool {
		a, b := l.Obligations[i], l.Obligations[j]
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		return a.Sequence < b.Sequence
	})
	return l.Clone(), nil
}

func (m *Memory) Apply(_ context.Context, cs installment.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(cs)
}

func (m *Memory) applyLocked(cs installment.ChangeSet) error {
	if _, ok := m.plans[cs.Plan.ID]; !ok {
		return installment.ErrPlanNotFound
	}
	m.plans[cs.Plan.ID] = cs.Plan
	for _, o := range cs.Obligations {
		m.upsertObligationLocked(o)
	}
	for _, e := range cs.Entries {
		m.appendEntryLocked(e)
	}
	return nil
}

func (m *Memory) upsertObligationLocked(o installment.Obligation) {
	o.Entries = nil
	if o.PaidAt != nil {
		t := *o.PaidAt
		o.PaidAt = &t
	}
	list := m.obs[o.PlanID]
	for i := range list {
		if list[i].ID == o.ID {
			list[i] = o
			return
		}
	}
	m.obs[o.PlanID] = append(list, o)
}

// appendEntryLocked is append-only; a repeated entry id is ignored.
func (m *Memory) appendEntryLocked(e installment.SettlementEntry) {
	if m.entryIDs[e.ID] {
		return
	}
	m.entryIDs[e.ID] = true
	m.entries[e.ObligationID] = append(m.entries[e.ObligationID], e)
}

func (m *Memory) ListPlans(_ context.Context, f installment.PlanFilter) ([]installment.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPlansLocked(f), nil
}

func (m *Memory) listPlansLocked(f installment.PlanFilter) []installment.Plan {
	var out []installment.Plan
	for _, p := range m.plans {
		if f.CustomerID != "" && p.CustomerID != f.CustomerID {
			continue
		}
		if f.StoreID != "" && p.StoreID != f.StoreID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (m *Memory) ListSweepCandidates(_ context.Context, asOf time.Time) ([]installment.PlanID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sweepCandidatesLocked(asOf)
}

func (m *Memory) sweepCandidatesLocked(asOf time.Time) ([]installment.PlanID, error) {
	var ids []installment.PlanID
	for id := range m.plans {
		l, err := m.loadLocked(id)
		if err != nil {
			return nil, err
		}
		if installment.NeedsSweep(l, asOf) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// =============================================================================
// COLLABORATORS
// =============================================================================

func (m *Memory) SaveCustomer(_ context.Context, c installment.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[c.ID] = c
	return nil
}

func (m *Memory) Customer(_ context.Context, id installment.CustomerID) (installment.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[id]
	if !ok {
		return installment.Customer{}, installment.ErrCustomerNotFound
	}
	return c, nil
}

// AddToBlacklist blocks a customer at a store, or everywhere with
// installment.AnyStore.
func (m *Memory) AddToBlacklist(_ context.Context, c installment.CustomerID, s installment.StoreID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklist[blacklistKey{c, s}] = true
	return nil
}

func (m *Memory) RemoveFromBlacklist(_ context.Context, c installment.CustomerID, s installment.StoreID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blacklist, blacklistKey{c, s})
	return nil
}

func (m *Memory) IsBlacklisted(_ context.Context, c installment.CustomerID, s installment.StoreID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blacklist[blacklistKey{c, s}] || m.blacklist[blacklistKey{c, installment.AnyStore}], nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory

	// FailApply, when set, makes Apply fail inside transactions for the
	// given plan. Used to exercise rollback and sweep error handling.
	FailApply func(installment.PlanID) error
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(installment.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	plans    map[installment.PlanID]installment.Plan
	obs      map[installment.PlanID][]installment.Obligation
	entries  map[installment.ObligationID][]installment.SettlementEntry
	entryIDs map[installment.EntryID]bool
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		plans:    make(map[installment.PlanID]installment.Plan, len(tm.plans)),
		obs:      make(map[installment.PlanID][]installment.Obligation, len(tm.obs)),
		entries:  make(map[installment.ObligationID][]installment.SettlementEntry, len(tm.entries)),
		entryIDs: make(map[installment.EntryID]bool, len(tm.entryIDs)),
	}
	for k, v := range tm.plans {
		s.plans[k] = v
	}
	for k, v := range tm.obs {
		s.obs[k] = append([]installment.Obligation{}, v...)
	}
	for k, v := range tm.entries {
		s.entries[k] = append([]installment.SettlementEntry{}, v...)
	}
	for k, v := range tm.entryIDs {
		s.entryIDs[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.plans = s.plans
	tm.obs = s.obs
	tm.entries = s.entries
	tm.entryIDs = s.entryIDs
}

type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) InsertLedger(_ context.Context, l installment.PlanLedger) error {
	return tv.parent.insertLocked(l)
}

func (tv *txMemoryView) LoadLedger(_ context.Context, id installment.PlanID) (installment.PlanLedger, error) {
	return tv.parent.loadLocked(id)
}

func (tv *txMemoryView) Apply(_ context.Context, cs installment.ChangeSet) error {
	if tv.parent.FailApply != nil {
		if err := tv.parent.FailApply(cs.Plan.ID); err != nil {
			return err
		}
	}
	return tv.parent.applyLocked(cs)
}

func (tv *txMemoryView) ListPlans(_ context.Context, f installment.PlanFilter) ([]installment.Plan, error) {
	return tv.parent.listPlansLocked(f), nil
}

func (tv *txMemoryView) ListSweepCandidates(_ context.Context, asOf time.Time) ([]installment.PlanID, error) {
	return tv.parent.sweepCandidatesLocked(asOf)
}
