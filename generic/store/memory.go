// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rsprolipsi/sigma-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.Store, generic.RecordStore and
// generic.ClosingStore behind one lock, so CommitRun is atomic.
type Memory struct {
	mu          sync.RWMutex
	entries     map[generic.MemberID][]generic.LedgerEntry
	byID        map[generic.EntryID]generic.MemberID
	status      map[generic.EntryID]generic.EntryStatus
	idempotency map[string]bool
	records     map[generic.MemberID][]generic.CycleRecord
	recordIDs   map[generic.CycleRecordID]bool
	runs        []generic.ClosingRun
	closed      map[runKey]bool
}

type runKey struct {
	Kind   generic.RunKind
	Member generic.MemberID
	Period generic.PeriodID
}

func NewMemory() *Memory {
	return &Memory{
		entries:     make(map[generic.MemberID][]generic.LedgerEntry),
		byID:        make(map[generic.EntryID]generic.MemberID),
		status:      make(map[generic.EntryID]generic.EntryStatus),
		idempotency: make(map[string]bool),
		records:     make(map[generic.MemberID][]generic.CycleRecord),
		recordIDs:   make(map[generic.CycleRecordID]bool),
		closed:      make(map[runKey]bool),
	}
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

// Append adds a single entry. Append-only.
func (m *Memory) Append(_ context.Context, e generic.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.IdempotencyKey != "" && m.idempotency[e.IdempotencyKey] {
		return generic.ErrDuplicateIdempotencyKey
	}
	m.appendLocked(e)
	return nil
}

// AppendBatch adds multiple entries atomically.
func (m *Memory) AppendBatch(_ context.Context, entries []generic.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkKeysLocked(entries); err != nil {
		return err
	}
	for _, e := range entries {
		m.appendLocked(e)
	}
	return nil
}

func (m *Memory) checkKeysLocked(entries []generic.LedgerEntry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IdempotencyKey == "" {
			continue
		}
		if m.idempotency[e.IdempotencyKey] || seen[e.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		seen[e.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) appendLocked(e generic.LedgerEntry) {
	if e.Status == "" {
		e.Status = generic.StatusPending
	}
	list := m.entries[e.Beneficiary]

	// Binary search for insertion point keeps entries chronological
	i := sort.Search(len(list), func(i int) bool {
		return list[i].EffectiveAt.After(e.EffectiveAt)
	})
	list = append(list, generic.LedgerEntry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	m.entries[e.Beneficiary] = list

	m.byID[e.ID] = e.Beneficiary
	m.status[e.ID] = e.Status
	if e.IdempotencyKey != "" {
		m.idempotency[e.IdempotencyKey] = true
	}
}

func (m *Memory) withStatus(e generic.LedgerEntry) generic.LedgerEntry {
	if s, ok := m.status[e.ID]; ok {
		e.Status = s
	}
	return e
}

func (m *Memory) Load(_ context.Context, member generic.MemberID) ([]generic.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]generic.LedgerEntry, 0, len(m.entries[member]))
	for _, e := range m.entries[member] {
		result = append(result, m.withStatus(e))
	}
	return result, nil
}

func (m *Memory) LoadPeriod(_ context.Context, period generic.PeriodID) ([]generic.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.LedgerEntry
	for _, list := range m.entries {
		for _, e := range list {
			if e.Period == period {
				result = append(result, m.withStatus(e))
			}
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].EffectiveAt.Equal(result[j].EffectiveAt) {
			return result[i].EffectiveAt.Before(result[j].EffectiveAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) Get(_ context.Context, id generic.EntryID) (generic.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	member, ok := m.byID[id]
	if !ok {
		return generic.LedgerEntry{}, generic.ErrEntryNotFound
	}
	for _, e := range m.entries[member] {
		if e.ID == id {
			return m.withStatus(e), nil
		}
	}
	return generic.LedgerEntry{}, generic.ErrEntryNotFound
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

func (m *Memory) AppendStatus(_ context.Context, id generic.EntryID, from, to generic.EntryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.status[id]
	if !ok {
		return generic.ErrEntryNotFound
	}
	if current != from {
		return &generic.TransitionError{EntryID: id, From: current, To: to}
	}
	m.status[id] = to
	return nil
}

// =============================================================================
// CYCLE RECORDS
// =============================================================================

func (m *Memory) Records(_ context.Context, member generic.MemberID) ([]generic.CycleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]generic.CycleRecord, len(m.records[member]))
	copy(result, m.records[member])
	return result, nil
}

func (m *Memory) RecordsInRange(_ context.Context, from, to generic.TimePoint) ([]generic.CycleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.CycleRecord
	for _, list := range m.records {
		for _, r := range list {
			if r.CompletedAt.AfterOrEqual(from) && r.CompletedAt.Before(to) {
				result = append(result, r)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CompletedAt.Equal(result[j].CompletedAt) {
			return result[i].CompletedAt.Before(result[j].CompletedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) AppendRecords(_ context.Context, records []generic.CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if m.recordIDs[r.ID] {
			continue
		}
		m.recordIDs[r.ID] = true
		list := append(m.records[r.Member], r)
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Level != list[j].Level {
				return list[i].Level < list[j].Level
			}
			return list[i].Sequence < list[j].Sequence
		})
		m.records[r.Member] = list
	}
	return nil
}

// =============================================================================
// CLOSING RUNS
// =============================================================================

func (m *Memory) IsClosed(_ context.Context, kind generic.RunKind, member generic.MemberID, period generic.PeriodID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed[runKey{Kind: kind, Member: member, Period: period}], nil
}

// CommitRun writes the run marker and entries under one lock.
func (m *Memory) CommitRun(_ context.Context, run generic.ClosingRun, entries []generic.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := runKey{Kind: run.Kind, Member: run.Member, Period: run.Period}
	if m.closed[k] {
		return generic.ErrAlreadyClosed
	}
	if err := m.checkKeysLocked(entries); err != nil {
		return err
	}
	for _, e := range entries {
		m.appendLocked(e)
	}
	run.Status = generic.RunCompleted
	m.closed[k] = true
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) RecordFailure(_ context.Context, run generic.ClosingRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.Status = generic.RunFailed
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) Runs(_ context.Context, period generic.PeriodID) ([]generic.ClosingRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.ClosingRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if period == "" || m.runs[i].Period == period {
			result = append(result, m.runs[i])
		}
	}
	return result, nil
}
