/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the engine needs using SQLite.
  In production, the same SQL runs on PostgreSQL - only the driver and
  a few dialect details differ.

INTERFACES IMPLEMENTED:
  generic.Store:        Ledger entries and their payout status events
  generic.RecordStore:  Immutable cycle records
  generic.ClosingStore: At-most-once closing runs
  plan.VersionStore:    Published plan versions

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries or cycle_records
  - No DELETE statements anywhere
  - A payout status move is a new row in entry_status_events

KEY TABLES:
  ledger_entries:      Immutable bonus credits
  entry_status_events: pending → released → paid moves
  cycle_records:       Completed matrix fills per member and level
  closing_runs:        Completed and failed closing attempts
  plan_versions:       JSON body of every published plan

INDEXES:
  - ledger_entries.idempotency_key UNIQUE: no double credit
  - idx_closing_runs_completed: one completed run per kind, member, period
  - idx_status_events_once: each status is reached at most once per entry
  - idx_cycle_records_completed: period range scans (top rank)

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/sigma.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := generic.NewLedger(store)

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/ledger.go: Higher-level ledger using Store
  - generic/store/memory.go: In-memory implementation for testing
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
	"github.com/rsprolipsi/sigma-engine/generic"
)

// timeLayout has a fixed fraction width so stored instants sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
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

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		beneficiary_id TEXT NOT NULL,
		bonus_type TEXT NOT NULL,
		source_record_id TEXT,
		source_ref TEXT,
		period TEXT NOT NULL,
		level INTEGER NOT NULL,
		percent TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		amount_unit TEXT NOT NULL,
		status TEXT NOT NULL,
		plan_version TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		effective_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_beneficiary
		ON ledger_entries(beneficiary_id, effective_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_period
		ON ledger_entries(period);

	-- Payout status moves; the entry row keeps its initial status
	CREATE TABLE IF NOT EXISTS entry_status_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id TEXT NOT NULL REFERENCES ledger_entries(id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_status_events_once
		ON entry_status_events(entry_id, to_status);

	-- Cycle records (immutable history)
	CREATE TABLE IF NOT EXISTS cycle_records (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		matrix_index INTEGER NOT NULL,
		level INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		people INTEGER NOT NULL,
		completed_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cycle_records_member
		ON cycle_records(member_id, level, sequence);
	CREATE INDEX IF NOT EXISTS idx_cycle_records_completed
		ON cycle_records(completed_at);

	-- Closing runs
	CREATE TABLE IF NOT EXISTS closing_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		member_id TEXT NOT NULL DEFAULT '',
		period TEXT NOT NULL,
		plan_version TEXT NOT NULL,
		status TEXT NOT NULL,
		entries INTEGER NOT NULL DEFAULT 0,
		total TEXT NOT NULL DEFAULT '0',
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);

	-- CRITICAL: at most one completed run per member (or rank) and period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_closing_runs_completed
		ON closing_runs(kind, member_id, period)
		WHERE status = 'completed';

	CREATE INDEX IF NOT EXISTS idx_closing_runs_period
		ON closing_runs(period, completed_at DESC);

	-- Plan versions
	CREATE TABLE IF NOT EXISTS plan_versions (
		version TEXT PRIMARY KEY,
		effective_from TEXT NOT NULL UNIQUE,
		body TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER ENTRY STORE (generic.Store interface)
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append adds an entry to the ledger.
func (s *Store) Append(ctx context.Context, e generic.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendEntry(ctx, s.db, e)
}

func (s *Store) appendEntry(ctx context.Context, db execer, e generic.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries
		(id, beneficiary_id, bonus_type, source_record_id, source_ref, period, level, percent,
		 amount_value, amount_unit, status, plan_version, idempotency_key, effective_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	status := e.Status
	if status == "" {
		status = generic.StatusPending
	}
	_, err := db.ExecContext(ctx, query,
		e.ID,
		e.Beneficiary,
		e.Type,
		nullString(string(e.SourceRecordID)),
		nullString(e.SourceRef),
		e.Period,
		e.Level,
		e.Percent.String(),
		e.Amount.Value.String(),
		e.Amount.Unit,
		status,
		e.PlanVersion,
		e.IdempotencyKey,
		formatTime(e.EffectiveAt.Time),
		formatTime(time.Now()),
	)

	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return nil
}

// AppendBatch adds multiple entries atomically.
func (s *Store) AppendBatch(ctx context.Context, entries []generic.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := duplicateKeys(entries); err != nil {
		return err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, e := range entries {
		if err := s.appendEntry(ctx, sqlTx, e); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

func duplicateKeys(entries []generic.LedgerEntry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		seen[e.IdempotencyKey] = true
	}
	return nil
}

const entryColumns = `
	e.id, e.beneficiary_id, e.bonus_type, e.source_record_id, e.source_ref, e.period, e.level,
	e.percent, e.amount_value, e.amount_unit,
	COALESCE((SELECT ev.to_status FROM entry_status_events ev
	          WHERE ev.entry_id = e.id ORDER BY ev.seq DESC LIMIT 1), e.status),
	e.plan_version, e.idempotency_key, e.effective_at
`

// Load returns all entries for a member, oldest first.
func (s *Store) Load(ctx context.Context, member generic.MemberID) ([]generic.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + entryColumns + `
		FROM ledger_entries e
		WHERE e.beneficiary_id = ?
		ORDER BY e.effective_at ASC, e.idempotency_key ASC
	`
	return s.queryEntries(ctx, query, member)
}

// LoadPeriod returns every entry credited by a closing period.
func (s *Store) LoadPeriod(ctx context.Context, period generic.PeriodID) ([]generic.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + entryColumns + `
		FROM ledger_entries e
		WHERE e.period = ?
		ORDER BY e.effective_at ASC, e.id ASC
	`
	return s.queryEntries(ctx, query, period)
}

// Get returns one entry with its current payout status.
func (s *Store) Get(ctx context.Context, id generic.EntryID) (generic.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + entryColumns + ` FROM ledger_entries e WHERE e.id = ?`
	entries, err := s.queryEntries(ctx, query, id)
	if err != nil {
		return generic.LedgerEntry{}, err
	}
	if len(entries) == 0 {
		return generic.LedgerEntry{}, generic.ErrEntryNotFound
	}
	return entries[0], nil
}

// Exists checks if an idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)

	return count > 0, err
}

// AppendStatus records a payout status move if the entry is still in from.
func (s *Store) AppendStatus(ctx context.Context, id generic.EntryID, from, to generic.EntryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var current string
	err = sqlTx.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT to_status FROM entry_status_events
		                 WHERE entry_id = e.id ORDER BY seq DESC LIMIT 1), e.status)
		FROM ledger_entries e WHERE e.id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ErrEntryNotFound
	}
	if err != nil {
		return err
	}
	if generic.EntryStatus(current) != from {
		return &generic.TransitionError{EntryID: id, From: generic.EntryStatus(current), To: to}
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO entry_status_events (entry_id, from_status, to_status, created_at)
		VALUES (?, ?, ?, ?)`, id, from, to, formatTime(time.Now()))
	if err != nil {
		if isUniqueConstraintError(err) {
			return &generic.TransitionError{EntryID: id, From: from, To: to}
		}
		return fmt.Errorf("failed to record status event: %w", err)
	}

	return sqlTx.Commit()
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]generic.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []generic.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (generic.LedgerEntry, error) {
	var e generic.LedgerEntry
	var sourceRecord, sourceRef sql.NullString
	var percent, value, unit, status, effectiveAt string

	err := rows.Scan(
		&e.ID, &e.Beneficiary, &e.Type, &sourceRecord, &sourceRef, &e.Period, &e.Level,
		&percent, &value, &unit, &status, &e.PlanVersion, &e.IdempotencyKey, &effectiveAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	e.SourceRecordID = generic.CycleRecordID(sourceRecord.String)
	e.SourceRef = sourceRef.String
	e.Percent = generic.MustParseDecimal(percent)
	e.Amount = parseAmount(value, unit)
	e.Status = generic.EntryStatus(status)
	e.EffectiveAt = parseTime(effectiveAt)
	return e, nil
}

// =============================================================================
// CYCLE RECORD STORE (generic.RecordStore interface)
// =============================================================================

const recordColumns = `id, member_id, matrix_index, level, sequence, people, completed_at`

// Records returns a member's records ordered by level then sequence.
func (s *Store) Records(ctx context.Context, member generic.MemberID) ([]generic.CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM cycle_records
		WHERE member_id = ? ORDER BY level ASC, sequence ASC`, member)
}

// RecordsInRange returns every member's records completed in [from, to).
func (s *Store) RecordsInRange(ctx context.Context, from, to generic.TimePoint) ([]generic.CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM cycle_records
		WHERE completed_at >= ? AND completed_at < ?
		ORDER BY completed_at ASC, id ASC`,
		formatTime(from.Time), formatTime(to.Time))
}

// AppendRecords stores new records; an existing ID is left untouched.
func (s *Store) AppendRecords(ctx context.Context, records []generic.CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	now := formatTime(time.Now())
	for _, r := range records {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO cycle_records (`+recordColumns+`, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			r.ID, r.Member, r.MatrixIndex, r.Level, r.Sequence, r.People,
			formatTime(r.CompletedAt.Time), now,
		)
		if err != nil {
			return fmt.Errorf("failed to append cycle record %s: %w", r.ID, err)
		}
	}

	return sqlTx.Commit()
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]generic.CycleRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle records: %w", err)
	}
	defer rows.Close()

	var records []generic.CycleRecord
	for rows.Next() {
		var r generic.CycleRecord
		var completedAt string
		if err := rows.Scan(&r.ID, &r.Member, &r.MatrixIndex, &r.Level, &r.Sequence, &r.People, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cycle record: %w", err)
		}
		r.CompletedAt = parseTime(completedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// =============================================================================
// CLOSING RUN STORE (generic.ClosingStore interface)
// =============================================================================

// IsClosed checks if a completed run exists.
func (s *Store) IsClosed(ctx context.Context, kind generic.RunKind, member generic.MemberID, period generic.PeriodID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT COUNT(*) FROM closing_runs
		WHERE kind = ? AND member_id = ? AND period = ? AND status = 'completed'
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, kind, member, period).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// CommitRun writes the completed run and its entries in one transaction.
// The partial unique index turns a concurrent second commit into
// ErrAlreadyClosed.
func (s *Store) CommitRun(ctx context.Context, run generic.ClosingRun, entries []generic.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := duplicateKeys(entries); err != nil {
		return err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	run.Status = generic.RunCompleted
	if err := insertRun(ctx, sqlTx, run); err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrAlreadyClosed
		}
		return fmt.Errorf("failed to save closing run: %w", err)
	}
	for _, e := range entries {
		if err := s.appendEntry(ctx, sqlTx, e); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

// RecordFailure stores a failed attempt.
func (s *Store) RecordFailure(ctx context.Context, run generic.ClosingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run.Status = generic.RunFailed
	return insertRun(ctx, s.db, run)
}

func insertRun(ctx context.Context, db execer, run generic.ClosingRun) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO closing_runs (id, kind, member_id, period, plan_version, status,
			entries, total, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Kind, run.Member, run.Period, run.PlanVersion, run.Status,
		run.Entries, run.Total.String(), nullString(run.Error),
		formatTime(run.StartedAt.Time), formatTime(run.CompletedAt.Time),
	)
	return err
}

// Runs lists runs for a period, most recent first. Empty period lists all.
func (s *Store) Runs(ctx context.Context, period generic.PeriodID) ([]generic.ClosingRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, member_id, period, plan_version, status,
			entries, total, error, started_at, completed_at
		FROM closing_runs
	`
	var args []any
	if period != "" {
		query += ` WHERE period = ?`
		args = append(args, period)
	}
	query += ` ORDER BY completed_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []generic.ClosingRun
	for rows.Next() {
		var r generic.ClosingRun
		var total, startedAt, completedAt string
		var runErr sql.NullString
		if err := rows.Scan(
			&r.ID, &r.Kind, &r.Member, &r.Period, &r.PlanVersion, &r.Status,
			&r.Entries, &total, &runErr, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		r.Total = generic.MustParseDecimal(total)
		r.Error = runErr.String
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseTime(completedAt)
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// =============================================================================
// PLAN VERSION STORE (plan.VersionStore interface)
// =============================================================================

// SavePlanVersion persists a published plan body. Versions are never replaced.
func (s *Store) SavePlanVersion(ctx context.Context, version generic.PlanVersion, effectiveFrom generic.TimePoint, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_versions (version, effective_from, body, created_at)
		VALUES (?, ?, ?, ?)`,
		version, formatTime(effectiveFrom.Time), string(body), formatTime(time.Now()))
	if err != nil {
		if isUniqueConstraintError(err) {
			return &generic.PlanError{Version: version, Field: "version", Reason: "already published"}
		}
		return fmt.Errorf("failed to save plan version: %w", err)
	}
	return nil
}

// LoadPlanVersions returns every stored plan body, oldest effective date first.
func (s *Store) LoadPlanVersions(ctx context.Context) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT body FROM plan_versions ORDER BY effective_from ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bodies [][]byte
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		bodies = append(bodies, []byte(body))
	}
	return bodies, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseAmount(value, unit string) generic.Amount {
	return generic.Amount{
		Value: generic.MustParseDecimal(value),
		Unit:  generic.Unit(unit),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) generic.TimePoint {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return generic.TimePoint{}
	}
	return generic.At(t)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
