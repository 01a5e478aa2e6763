package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/plan"
	"github.com/rsprolipsi/sigma-engine/store/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "sigma.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(member, key string, amount string, at time.Time) generic.LedgerEntry {
	return generic.LedgerEntry{
		ID:             generic.EntryIDFor(key),
		Beneficiary:    generic.MemberID(member),
		Type:           generic.BonusDepth,
		SourceRecordID: "rec-1",
		Period:         "2025-03",
		Level:          1,
		Percent:        decimal.RequireFromString("7"),
		Amount:         generic.NewAmountFromDecimal(decimal.RequireFromString(amount), generic.UnitBRL),
		Status:         generic.StatusPending,
		PlanVersion:    plan.DefaultVersion,
		IdempotencyKey: key,
		EffectiveAt:    generic.At(at),
	}
}

var march = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func TestLedger_AppendLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	e := entry("m-1", "depth:rec-1", "5.04", march)
	require.NoError(t, s.Append(ctx, e))

	loaded, err := s.Load(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.SourceRecordID, got.SourceRecordID)
	assert.True(t, got.Amount.Value.Equal(decimal.RequireFromString("5.04")))
	assert.True(t, got.Percent.Equal(decimal.RequireFromString("7")))
	assert.True(t, got.EffectiveAt.Equal(e.EffectiveAt))
	assert.Equal(t, generic.StatusPending, got.Status)

	exists, err := s.Exists(ctx, "depth:rec-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLedger_DuplicateKeyRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Append(ctx, entry("m-1", "depth:rec-1", "5.04", march)))
	err := s.Append(ctx, entry("m-1", "depth:rec-1", "5.04", march))
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
}

func TestLedger_BatchIsAtomic(t *testing.T) {
	// GIVEN: An existing key
	// WHEN: Appending a batch that repeats it
	// THEN: Nothing from the batch is written

	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Append(ctx, entry("m-1", "depth:rec-1", "5.04", march)))

	err := s.AppendBatch(ctx, []generic.LedgerEntry{
		entry("m-1", "fidelity:rec-1", "0.90", march),
		entry("m-1", "depth:rec-1", "5.04", march),
	})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	loaded, err := s.Load(ctx, "m-1")
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestLedger_StatusEventsMoveForward(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	ledger := generic.NewLedger(s)
	e := entry("m-1", "depth:rec-1", "5.04", march)
	require.NoError(t, ledger.Append(ctx, e))

	require.NoError(t, ledger.Transition(ctx, e.ID, generic.StatusReleased))
	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusReleased, got.Status)

	err = ledger.Transition(ctx, e.ID, generic.StatusReleased)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	require.NoError(t, ledger.Transition(ctx, e.ID, generic.StatusPaid))
	got, err = s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPaid, got.Status)
	assert.True(t, got.Amount.Value.Equal(decimal.RequireFromString("5.04")), "amount never changes")
}

func TestLedger_StaleFromStatusRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := entry("m-1", "depth:rec-1", "5.04", march)
	require.NoError(t, s.Append(ctx, e))

	err := s.AppendStatus(ctx, e.ID, generic.StatusReleased, generic.StatusPaid)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrEntryNotFound)
}

func TestLedger_LoadPeriod(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	april := entry("m-2", "depth:rec-9", "1.00", march.AddDate(0, 1, 0))
	april.Period = "2025-04"
	require.NoError(t, s.AppendBatch(ctx, []generic.LedgerEntry{
		entry("m-1", "depth:rec-1", "5.04", march),
		entry("m-2", "depth:rec-2", "5.04", march.Add(time.Hour)),
		april,
	}))

	got, err := s.LoadPeriod(ctx, "2025-03")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, generic.MemberID("m-1"), got[0].Beneficiary)
}

// =============================================================================
// CYCLE RECORDS
// =============================================================================

func TestRecords_AppendIsFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	r := generic.CycleRecord{
		ID: "rec-1", Member: "m-1", Level: 1, Sequence: 1, People: 6,
		CompletedAt: generic.At(march),
	}
	require.NoError(t, s.AppendRecords(ctx, []generic.CycleRecord{r}))

	changed := r
	changed.People = 99
	require.NoError(t, s.AppendRecords(ctx, []generic.CycleRecord{changed}))

	got, err := s.Records(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(6), got[0].People)
	assert.True(t, got[0].CompletedAt.Equal(r.CompletedAt))
}

func TestRecords_InRangeIsHalfOpen(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	period, err := generic.ParsePeriod("2025-03")
	require.NoError(t, err)

	require.NoError(t, s.AppendRecords(ctx, []generic.CycleRecord{
		{ID: "a", Member: "m-1", Level: 1, Sequence: 1, People: 6, CompletedAt: period.Start},
		{ID: "b", Member: "m-2", Level: 1, Sequence: 1, People: 6, CompletedAt: period.LastInstant()},
		{ID: "c", Member: "m-3", Level: 1, Sequence: 1, People: 6, CompletedAt: period.End},
	}))

	got, err := s.RecordsInRange(ctx, period.Start, period.End)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, generic.CycleRecordID("a"), got[0].ID)
	assert.Equal(t, generic.CycleRecordID("b"), got[1].ID)
}

// =============================================================================
// CLOSING RUNS
// =============================================================================

func run(member string) generic.ClosingRun {
	return generic.ClosingRun{
		ID:          uuid.NewString(),
		Kind:        generic.RunMember,
		Member:      generic.MemberID(member),
		Period:      "2025-03",
		PlanVersion: plan.DefaultVersion,
		Total:       decimal.RequireFromString("5.04"),
		Entries:     1,
		StartedAt:   generic.At(march),
		CompletedAt: generic.At(march),
	}
}

func TestClosing_CommitOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CommitRun(ctx, run("m-1"), []generic.LedgerEntry{entry("m-1", "depth:rec-1", "5.04", march)}))

	closed, err := s.IsClosed(ctx, generic.RunMember, "m-1", "2025-03")
	require.NoError(t, err)
	assert.True(t, closed)

	err = s.CommitRun(ctx, run("m-1"), []generic.LedgerEntry{entry("m-1", "depth:rec-2", "5.04", march)})
	assert.ErrorIs(t, err, generic.ErrAlreadyClosed)

	exists, err := s.Exists(ctx, "depth:rec-2")
	require.NoError(t, err)
	assert.False(t, exists, "the rejected run wrote nothing")
}

func TestClosing_DuplicateEntryRollsBackRun(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Append(ctx, entry("m-1", "depth:rec-1", "5.04", march)))

	err := s.CommitRun(ctx, run("m-1"), []generic.LedgerEntry{entry("m-1", "depth:rec-1", "5.04", march)})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	closed, err := s.IsClosed(ctx, generic.RunMember, "m-1", "2025-03")
	require.NoError(t, err)
	assert.False(t, closed)
}

func TestClosing_FailuresDoNotBlockRetry(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	failed := run("m-1")
	failed.ID = "run-failed"
	failed.Error = "cycles: placement tree unavailable"
	require.NoError(t, s.RecordFailure(ctx, failed))
	require.NoError(t, s.CommitRun(ctx, run("m-1"), nil))

	runs, err := s.Runs(ctx, "2025-03")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	statuses := []generic.RunStatus{runs[0].Status, runs[1].Status}
	assert.ElementsMatch(t, []generic.RunStatus{generic.RunCompleted, generic.RunFailed}, statuses)

	all, err := s.Runs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// =============================================================================
// PLAN VERSIONS
// =============================================================================

func TestPlanVersions_PersistAndReload(t *testing.T) {
	// GIVEN: A provider that saved a second version
	// WHEN: A fresh provider loads from the same store
	// THEN: Both versions resolve by date

	ctx := context.Background()
	s := newStore(t)

	vp, err := plan.NewVersionedProvider()
	require.NoError(t, err)
	require.NoError(t, vp.PublishAndSave(ctx, s, plan.Default()))

	v2 := plan.Default()
	v2.Version = "sigma-2025.2"
	v2.EffectiveFrom = time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC)
	v2.CycleBase = decimal.RequireFromString("400")
	require.NoError(t, vp.PublishAndSave(ctx, s, v2))

	err = vp.PublishAndSave(ctx, s, plan.Default())
	assert.ErrorIs(t, err, generic.ErrPlanInvalid)

	reloaded, err := plan.NewVersionedProvider()
	require.NoError(t, err)
	require.NoError(t, reloaded.LoadFrom(ctx, s))

	p, err := reloaded.PlanAsOf(ctx, generic.Date(2025, time.March, 1))
	require.NoError(t, err)
	assert.Equal(t, plan.DefaultVersion, p.Version)

	p, err = reloaded.PlanAsOf(ctx, generic.Date(2025, time.August, 1))
	require.NoError(t, err)
	assert.True(t, p.CycleBase.Equal(decimal.RequireFromString("400")))
}
