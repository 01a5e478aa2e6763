/*
store.go - Persistence interfaces for entries, cycle records and closing runs

PURPOSE:
  Defines the interface between the engine and the database.
  Stores handle persistence while maintaining append-only semantics.
  Different implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:        Ledger entry persistence (append, load, exists, status events)
  RecordStore:  Immutable cycle records produced by cycle accounting
  ClosingStore: At-most-once closing runs, committed with their entries

APPEND-ONLY CONTRACT:
  - Append()/AppendBatch(): Entry writes
  - AppendRecords(): Cycle record writes (existing IDs are kept as-is)
  - CommitRun(): Run + entries in one transaction
  - NO Update() or Delete() methods exist

ATOMIC CLOSING:
  CommitRun() writes the completed run marker and every entry it credits
  in one transaction. Either the member is closed for the period with all
  of its credits, or nothing is written. A second commit for the same
  member and period fails with ErrAlreadyClosed.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (same SQL runs on PostgreSQL)
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level interface using Store
  - compensation/engine.go: The only caller of CommitRun
*/
package generic

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Interface for ledger entry persistence (append-only)
// =============================================================================

// Store handles persistence of ledger entries.
// IMPORTANT: Store is APPEND-ONLY. Status moves are appended events.
type Store interface {
	// Append persists an entry. Returns ErrDuplicateIdempotencyKey if the key exists.
	Append(ctx context.Context, entry LedgerEntry) error

	// AppendBatch persists multiple entries atomically.
	AppendBatch(ctx context.Context, entries []LedgerEntry) error

	// Load returns all entries for a member, ordered by EffectiveAt.
	Load(ctx context.Context, member MemberID) ([]LedgerEntry, error)

	// LoadPeriod returns all entries credited in a closing period.
	LoadPeriod(ctx context.Context, period PeriodID) ([]LedgerEntry, error)

	// Get returns one entry with its current payout status.
	Get(ctx context.Context, id EntryID) (LedgerEntry, error)

	// Exists checks if an idempotency key already exists.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)

	// AppendStatus records a payout status move. Fails with
	// ErrInvalidTransition if the entry is no longer in status from.
	AppendStatus(ctx context.Context, id EntryID, from, to EntryStatus) error
}

// =============================================================================
// CYCLE RECORDS
// =============================================================================

// CycleRecord is one completed fill of a member's matrix at a depth level.
// A level-N record stands for 6^N qualifying activations. Records are
// immutable historical facts: a position vacated later never removes one.
type CycleRecord struct {
	ID          CycleRecordID
	Member      MemberID
	MatrixIndex int // 0 = first entry, 1.. = reentries
	Level       int
	Sequence    int // 1-based order of completion at this level
	People      int64
	CompletedAt TimePoint
}

// RecordStore persists cycle records.
type RecordStore interface {
	// Records returns a member's records ordered by level then sequence.
	Records(ctx context.Context, member MemberID) ([]CycleRecord, error)

	// RecordsInRange returns every member's records completed in [from, to).
	RecordsInRange(ctx context.Context, from, to TimePoint) ([]CycleRecord, error)

	// AppendRecords stores new records. A record whose ID already exists is
	// left untouched, so concurrent accountants converge on one history.
	AppendRecords(ctx context.Context, records []CycleRecord) error
}

// =============================================================================
// CLOSING RUNS
// =============================================================================

type RunKind string

const (
	RunMember  RunKind = "member"   // one member's credits for a period
	RunTopRank RunKind = "top_rank" // the period-wide rank distribution
)

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ClosingRun records one closing attempt.
type ClosingRun struct {
	ID          string
	Kind        RunKind
	Member      MemberID // empty for top-rank runs
	Period      PeriodID
	PlanVersion PlanVersion
	Status      RunStatus
	Entries     int
	Total       decimal.Decimal
	Error       string
	StartedAt   TimePoint
	CompletedAt TimePoint
}

// ClosingStore guarantees at-most-once closing per (kind, member, period).
type ClosingStore interface {
	// IsClosed reports whether a completed run exists.
	IsClosed(ctx context.Context, kind RunKind, member MemberID, period PeriodID) (bool, error)

	// CommitRun atomically writes a completed run and its entries.
	CommitRun(ctx context.Context, run ClosingRun, entries []LedgerEntry) error

	// RecordFailure stores a failed attempt; it never blocks a retry.
	RecordFailure(ctx context.Context, run ClosingRun) error

	// Runs lists runs for a period, most recent first. Empty period lists all.
	Runs(ctx context.Context, period PeriodID) ([]ClosingRun, error)
}
