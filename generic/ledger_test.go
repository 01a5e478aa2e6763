package generic_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/generic/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestLedger() (*generic.DefaultLedger, *store.Memory) {
	mem := store.NewMemory()
	return generic.NewLedger(mem), mem
}

func brl(s string) generic.Amount {
	return generic.NewAmountFromDecimal(decimal.RequireFromString(s), generic.UnitBRL)
}

func entry(member generic.MemberID, typ generic.BonusType, record string, amount string, at generic.TimePoint) generic.LedgerEntry {
	key := fmt.Sprintf("%s:%s", typ, record)
	return generic.LedgerEntry{
		ID:             generic.EntryIDFor(key),
		Beneficiary:    member,
		Type:           typ,
		SourceRecordID: generic.CycleRecordID(record),
		Period:         generic.PeriodFor(at).ID,
		Level:          1,
		Amount:         brl(amount),
		PlanVersion:    "v1",
		IdempotencyKey: key,
		EffectiveAt:    at,
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedger_DuplicateKeyIsConflict(t *testing.T) {
	// GIVEN: A depth credit for record c-1
	// WHEN: The same credit is appended again
	// THEN: The second write is rejected and only one entry exists

	ctx := context.Background()
	ledger, _ := newTestLedger()
	e := entry("ana", generic.BonusDepth, "c-1", "5.04", generic.Date(2025, time.March, 10))

	require.NoError(t, ledger.Append(ctx, e))
	err := ledger.Append(ctx, e)
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	assert.True(t, generic.IsConflict(err))

	entries, err := ledger.Entries(ctx, "ana")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, generic.StatusPending, entries[0].Status)
}

func TestLedger_BatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()
	at := generic.Date(2025, time.March, 10)

	require.NoError(t, ledger.Append(ctx, entry("ana", generic.BonusDepth, "c-1", "5.04", at)))

	err := ledger.AppendBatch(ctx, []generic.LedgerEntry{
		entry("ana", generic.BonusFidelity, "c-1", "2.70", at),
		entry("ana", generic.BonusDepth, "c-1", "5.04", at),
	})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	exists, err := ledger.Exists(ctx, "fidelity:c-1")
	require.NoError(t, err)
	assert.False(t, exists, "a rejected batch records nothing")
}

func TestLedger_EntriesAreChronological(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()

	require.NoError(t, ledger.Append(ctx, entry("ana", generic.BonusDepth, "c-2", "1.00", generic.Date(2025, time.March, 20))))
	require.NoError(t, ledger.Append(ctx, entry("ana", generic.BonusDepth, "c-1", "1.00", generic.Date(2025, time.March, 5))))
	require.NoError(t, ledger.Append(ctx, entry("ana", generic.BonusDepth, "c-3", "1.00", generic.Date(2025, time.March, 12))))

	entries, err := ledger.Entries(ctx, "ana")
	require.NoError(t, err)
	var order []generic.CycleRecordID
	for _, e := range entries {
		order = append(order, e.SourceRecordID)
	}
	assert.Equal(t, []generic.CycleRecordID{"c-1", "c-3", "c-2"}, order)
}

func TestLedger_TransitionsOnlyMoveForward(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()
	e := entry("ana", generic.BonusCompensation, "c-1", "10.80", generic.Date(2025, time.March, 10))
	require.NoError(t, ledger.Append(ctx, e))

	tests := []struct {
		name string
		to   generic.EntryStatus
		ok   bool
	}{
		{"pending to paid skips release", generic.StatusPaid, false},
		{"pending to released", generic.StatusReleased, true},
		{"released to released", generic.StatusReleased, false},
		{"released to paid", generic.StatusPaid, true},
		{"paid to pending", generic.StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ledger.Transition(ctx, e.ID, tt.to)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var te *generic.TransitionError
			require.True(t, errors.As(err, &te))
			assert.ErrorIs(t, err, generic.ErrInvalidTransition)
			assert.True(t, generic.IsClientError(err))
		})
	}

	entries, err := ledger.Entries(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPaid, entries[0].Status)

	assert.ErrorIs(t, ledger.Transition(ctx, "missing", generic.StatusReleased), generic.ErrEntryNotFound)
}

func TestLedger_Totals(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()
	at := generic.Date(2025, time.March, 10)

	require.NoError(t, ledger.AppendBatch(ctx, []generic.LedgerEntry{
		entry("ana", generic.BonusCompensation, "c-1", "108.00", at),
		entry("ana", generic.BonusDepth, "c-1", "10.30", at),
		entry("ana", generic.BonusFidelity, "c-1", "5.40", at),
		entry("bia", generic.BonusDepth, "c-9", "99.99", at),
	}))

	total, err := ledger.TotalFor(ctx, "ana")
	require.NoError(t, err)
	assert.True(t, total.Equal(brl("123.70")), total.String())

	bonuses, err := ledger.TotalFor(ctx, "ana", generic.BonusDepth, generic.BonusFidelity)
	require.NoError(t, err)
	assert.True(t, bonuses.Equal(brl("15.70")), bonuses.String())

	entries, err := ledger.EntriesInPeriod(ctx, "2025-03")
	require.NoError(t, err)
	byType := generic.SumByType(entries)
	assert.True(t, byType[generic.BonusDepth].Equal(decimal.RequireFromString("110.29")))
}

func TestEntryIDFor_IsDeterministic(t *testing.T) {
	assert.Equal(t, generic.EntryIDFor("depth:c-1"), generic.EntryIDFor("depth:c-1"))
	assert.NotEqual(t, generic.EntryIDFor("depth:c-1"), generic.EntryIDFor("fidelity:c-1"))
}

// =============================================================================
// PERIODS
// =============================================================================

func TestParsePeriod(t *testing.T) {
	p, err := generic.ParsePeriod("2024-12")
	require.NoError(t, err)

	assert.Equal(t, generic.Date(2024, time.December, 1), p.Start)
	assert.Equal(t, generic.Date(2025, time.January, 1), p.End)
	assert.Equal(t, generic.PeriodID("2025-01"), p.Next().ID)
	assert.Equal(t, generic.PeriodID("2024-11"), p.Previous().ID)

	assert.True(t, p.Contains(generic.Date(2024, time.December, 31)))
	assert.False(t, p.Contains(p.End), "end is exclusive")
	assert.True(t, p.Contains(p.LastInstant()))

	for _, bad := range []generic.PeriodID{"", "2024-13", "12-2024", "2024/12"} {
		_, err := generic.ParsePeriod(bad)
		assert.ErrorIs(t, err, generic.ErrInvalidPeriod, string(bad))
	}
}

func TestPeriod_Closed(t *testing.T) {
	march, err := generic.ParsePeriod("2025-03")
	require.NoError(t, err)

	assert.False(t, march.Closed(generic.Date(2025, time.March, 31)))
	assert.True(t, march.Closed(generic.Date(2025, time.April, 1)))
	assert.Equal(t, march.ID, generic.PeriodFor(generic.Date(2025, time.April, 2)).Previous().ID)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, generic.CanTransition(generic.StatusPending, generic.StatusReleased))
	assert.True(t, generic.CanTransition(generic.StatusReleased, generic.StatusPaid))
	assert.False(t, generic.CanTransition(generic.StatusPaid, generic.StatusReleased))
	assert.False(t, generic.CanTransition("", generic.StatusReleased))
}

// =============================================================================
// MEMORY STORE - Records and closing runs
// =============================================================================

func TestMemory_AppendRecordsKeepsFirstWrite(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	at := generic.Date(2025, time.March, 10)

	r1 := generic.CycleRecord{ID: "r-1", Member: "ana", Level: 1, Sequence: 1, People: 6, CompletedAt: at}
	r2 := generic.CycleRecord{ID: "r-2", Member: "ana", Level: 1, Sequence: 2, People: 6, CompletedAt: generic.At(at.Time.Add(time.Hour))}
	require.NoError(t, mem.AppendRecords(ctx, []generic.CycleRecord{r2, r1}))

	changed := r1
	changed.People = 36
	require.NoError(t, mem.AppendRecords(ctx, []generic.CycleRecord{changed}))

	records, err := mem.Records(ctx, "ana")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, r1, records[0])
	assert.Equal(t, r2, records[1])

	inRange, err := mem.RecordsInRange(ctx, at, generic.At(at.Time.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, []generic.CycleRecord{r1}, inRange, "range end is exclusive")
}

func TestMemory_CommitRunOnce(t *testing.T) {
	// GIVEN: A member closed for March
	// WHEN: The same closing is committed again
	// THEN: It is rejected as already closed and no entry is written twice

	ctx := context.Background()
	mem := store.NewMemory()
	at := generic.Date(2025, time.March, 10)
	run := generic.ClosingRun{ID: "run-1", Kind: generic.RunMember, Member: "ana", Period: "2025-03"}
	entries := []generic.LedgerEntry{entry("ana", generic.BonusDepth, "c-1", "5.04", at)}

	require.NoError(t, mem.CommitRun(ctx, run, entries))
	closed, err := mem.IsClosed(ctx, generic.RunMember, "ana", "2025-03")
	require.NoError(t, err)
	assert.True(t, closed)

	run.ID = "run-2"
	assert.ErrorIs(t, mem.CommitRun(ctx, run, entries), generic.ErrAlreadyClosed)

	require.NoError(t, mem.RecordFailure(ctx, generic.ClosingRun{ID: "run-3", Kind: generic.RunMember, Member: "bia", Period: "2025-03", Error: "placement tree unavailable"}))
	closed, err = mem.IsClosed(ctx, generic.RunMember, "bia", "2025-03")
	require.NoError(t, err)
	assert.False(t, closed, "a failure never blocks a retry")

	runs, err := mem.Runs(ctx, "2025-03")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, generic.RunFailed, runs[0].Status)
	assert.Equal(t, generic.RunCompleted, runs[1].Status)

	stored, err := mem.Load(ctx, "ana")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("compute ana: %w", generic.ErrPlacementUnavailable)
	assert.True(t, generic.IsUnavailable(wrapped))
	assert.False(t, generic.IsClientError(wrapped))

	planErr := &generic.PlanError{Version: "v1", Field: "depth", Reason: "sum exceeds 100"}
	assert.ErrorIs(t, planErr, generic.ErrPlanInvalid)
	assert.True(t, generic.IsClientError(planErr))

	cycleErr := &generic.CycleDataError{Member: "ana", Level: 2, Reason: "sequence gap"}
	assert.ErrorIs(t, cycleErr, generic.ErrInconsistentCycles)

	assert.True(t, generic.IsNotFound(fmt.Errorf("x: %w", generic.ErrMemberNotFound)))
	assert.True(t, generic.IsConflict(generic.ErrMemberExists))
}
