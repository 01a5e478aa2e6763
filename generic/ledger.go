/*
ledger.go - Append-only bonus ledger

PURPOSE:
  The Ledger is the immutable source of truth for every credited bonus.
  Each depth, fidelity, career, top-rank and cycle payout credit is
  recorded here exactly once. Totals are always computed by summing
  entries - there's no separate "earned" field that can get out of sync.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, amounts and sources cannot be modified
  3. AUDITABLE: Every entry names its source record and plan version
  4. IDEMPOTENT: Same idempotency key = same entry (no double credit)

PAYOUT STATUS:
  The only thing that moves after an entry is written is its payout
  status, and only forward: pending → released → paid. Each move is an
  appended status event; the entry row itself is never rewritten.

EXAMPLE FLOW:
  1. Member completes a level-1 cycle: record c-1 (6 people)
  2. Closing credits depth:c-1 (6 × R$0.84 = R$5.04, pending)
  3. Payout processor releases it, then marks it paid
  4. Re-running the closing finds depth:c-1 already present → conflict

SEE ALSO:
  - store.go: Low-level persistence interface
  - compensation/engine.go: Builds the entries
*/
package generic

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER - Append-only entry log
// =============================================================================

// Ledger records bonus credits.
//
// INVARIANTS:
//   - Append-only: No Update, No Delete. EVER.
//   - Immutable: Once written, entries cannot be modified.
//   - Idempotent: a second write of the same key is a conflict.
type Ledger interface {
	// Append adds an entry. Fails with ErrDuplicateIdempotencyKey if the key exists.
	Append(ctx context.Context, entry LedgerEntry) error

	// AppendBatch adds multiple entries atomically. Either every entry is
	// recorded or none is; a single existing key rejects the batch.
	AppendBatch(ctx context.Context, entries []LedgerEntry) error

	// Entries returns all entries credited to a member, chronologically.
	Entries(ctx context.Context, member MemberID) ([]LedgerEntry, error)

	// EntriesInPeriod returns every entry credited by a closing period.
	EntriesInPeriod(ctx context.Context, period PeriodID) ([]LedgerEntry, error)

	// Exists reports whether an idempotency key was already credited.
	Exists(ctx context.Context, key string) (bool, error)

	// Transition moves an entry's payout status forward.
	Transition(ctx context.Context, id EntryID, to EntryStatus) error

	// TotalFor sums a member's entries, optionally filtered by type.
	TotalFor(ctx context.Context, member MemberID, types ...BonusType) (Amount, error)
}

// =============================================================================
// DETERMINISTIC IDS
// =============================================================================

// entryNamespace seeds name-based UUIDs so that the same idempotency key
// always maps to the same entry ID across processes and re-runs.
var entryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:sigma:ledger-entry"))

// EntryIDFor derives the entry ID from its idempotency key.
func EntryIDFor(idempotencyKey string) EntryID {
	return EntryID(uuid.NewSHA1(entryNamespace, []byte(idempotencyKey)).String())
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store Store
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, entry LedgerEntry) error {
	if entry.IdempotencyKey != "" {
		exists, err := l.Store.Exists(ctx, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.Append(ctx, entry)
}

func (l *DefaultLedger) AppendBatch(ctx context.Context, entries []LedgerEntry) error {
	// Check all idempotency keys first
	for _, e := range entries {
		if e.IdempotencyKey != "" {
			exists, err := l.Store.Exists(ctx, e.IdempotencyKey)
			if err != nil {
				return err
			}
			if exists {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	return l.Store.AppendBatch(ctx, entries)
}

func (l *DefaultLedger) Entries(ctx context.Context, member MemberID) ([]LedgerEntry, error) {
	return l.Store.Load(ctx, member)
}

func (l *DefaultLedger) EntriesInPeriod(ctx context.Context, period PeriodID) ([]LedgerEntry, error) {
	return l.Store.LoadPeriod(ctx, period)
}

func (l *DefaultLedger) Exists(ctx context.Context, key string) (bool, error) {
	return l.Store.Exists(ctx, key)
}

func (l *DefaultLedger) Transition(ctx context.Context, id EntryID, to EntryStatus) error {
	entry, err := l.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(entry.Status, to) {
		return &TransitionError{EntryID: id, From: entry.Status, To: to}
	}
	return l.Store.AppendStatus(ctx, id, entry.Status, to)
}

func (l *DefaultLedger) TotalFor(ctx context.Context, member MemberID, types ...BonusType) (Amount, error) {
	entries, err := l.Store.Load(ctx, member)
	if err != nil {
		return Amount{}, err
	}
	return SumEntries(entries, types...), nil
}

// SumEntries totals entries, keeping only the given types when any are passed.
func SumEntries(entries []LedgerEntry, types ...BonusType) Amount {
	total := ZeroAmount(UnitBRL)
	for _, e := range entries {
		if len(types) > 0 && !containsType(types, e.Type) {
			continue
		}
		total.Value = total.Value.Add(e.Amount.Value)
	}
	return total
}

// SumByType groups entry totals per bonus type.
func SumByType(entries []LedgerEntry) map[BonusType]decimal.Decimal {
	out := make(map[BonusType]decimal.Decimal, len(BonusTypes))
	for _, e := range entries {
		out[e.Type] = out[e.Type].Add(e.Amount.Value)
	}
	return out
}

func containsType(types []BonusType, t BonusType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// =============================================================================
// ERRORS
// =============================================================================
// Error types are defined in errors.go for centralized management.
// Key errors used by this package:
//   - ErrDuplicateIdempotencyKey
//   - ErrEntryNotFound
//   - ErrInvalidTransition
