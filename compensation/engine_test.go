package compensation_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rsprolipsi/sigma-engine/compensation"
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/generic/store"
	"github.com/rsprolipsi/sigma-engine/network"
	"github.com/rsprolipsi/sigma-engine/observability/logging"
	"github.com/rsprolipsi/sigma-engine/observability/metrics"
	"github.com/rsprolipsi/sigma-engine/plan"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var march = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx      context.Context
	repo     *network.MemoryRepository
	store    *store.Memory
	provider *plan.VersionedProvider
	engine   *compensation.Engine
	n        int
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	provider, err := plan.NewVersionedProvider(plan.Default())
	require.NoError(t, err)

	f := &fixture{
		ctx:      context.Background(),
		repo:     network.NewMemoryRepository(6, 8),
		store:    store.NewMemory(),
		provider: provider,
	}
	f.engine = f.newEngine(t, f.repo, now)
	return f
}

func (f *fixture) newEngine(t *testing.T, repo network.Repository, now time.Time) *compensation.Engine {
	t.Helper()
	e, err := compensation.NewEngine(compensation.Config{
		Network: repo,
		Plans:   f.provider,
		Records: f.store,
		Ledger:  generic.NewLedger(f.store),
		Closing: f.store,
		Clock:   generic.FixedClock{T: generic.At(now)},
		Logger:  logging.Discard(),
		Metrics: metrics.Engine(),
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) member(t *testing.T, id, sponsor string) {
	t.Helper()
	require.NoError(t, f.repo.Enroll(f.ctx, network.Member{
		ID: generic.MemberID(id), Name: id, SponsorID: generic.MemberID(sponsor),
		Status: network.StatusActive, EnrolledAt: march,
	}))
}

// fill places count active recruits under owner starting at `at`.
func (f *fixture) fill(t *testing.T, owner string, count int, at time.Time) {
	t.Helper()
	for i := 0; i < count; i++ {
		f.n++
		id := fmt.Sprintf("%s-r%02d", owner, f.n)
		f.member(t, id, owner)
		_, _, err := f.repo.Place(f.ctx, generic.MemberID(owner), generic.MemberID(id), at.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
}

type unavailableRepo struct {
	*network.MemoryRepository
}

func (unavailableRepo) PlacementTree(context.Context, generic.MemberID) (*network.Tree, error) {
	return nil, fmt.Errorf("network service: %w", generic.ErrPlacementUnavailable)
}

func entryTypes(entries []generic.LedgerEntry) map[generic.BonusType]decimal.Decimal {
	return generic.SumByType(entries)
}

// =============================================================================
// EVALUATE
// =============================================================================

func TestEvaluate_OneCycle(t *testing.T) {
	// GIVEN: The Sigma plan (base 360) and one level-1 cycle in March
	// WHEN: Evaluating March
	// THEN: depth 6 × 1.71612 = 10.30, fidelity 6 × 0.90 = 5.40,
	//       cycle payout 108.00; no career reward below Bronze

	f := newFixture(t, time.Date(2025, time.April, 2, 0, 0, 0, 0, time.UTC))
	f.member(t, "owner", "")
	f.fill(t, "owner", 6, march)

	st, err := f.engine.Evaluate(f.ctx, "owner", "2025-03")
	require.NoError(t, err)

	assert.False(t, st.Partial())
	assert.Equal(t, plan.DefaultVersion, st.PlanVersion)
	require.Len(t, st.Entries, 3)

	byType := entryTypes(st.Entries)
	assert.True(t, byType[generic.BonusDepth].Equal(dec("10.30")), "depth %s", byType[generic.BonusDepth])
	assert.True(t, byType[generic.BonusFidelity].Equal(dec("5.40")))
	assert.True(t, byType[generic.BonusCompensation].Equal(dec("108")))
	assert.True(t, st.Total.Value.Equal(dec("123.70")), "total %s", st.Total.Value)

	for _, e := range st.Entries {
		assert.Equal(t, generic.EntryIDFor(e.IdempotencyKey), e.ID)
		assert.Equal(t, generic.StatusPending, e.Status)
		assert.Equal(t, generic.PeriodID("2025-03"), e.Period)
	}
}

func TestEvaluate_IdempotentOnRerun(t *testing.T) {
	// GIVEN: An immutable cycle record set
	// WHEN: Evaluating twice
	// THEN: Identical statements and ledger entries

	f := newFixture(t, time.Date(2025, time.April, 2, 0, 0, 0, 0, time.UTC))
	f.member(t, "owner", "")
	f.fill(t, "owner", 6, march)

	first, err := f.engine.Evaluate(f.ctx, "owner", "2025-03")
	require.NoError(t, err)
	second, err := f.engine.Evaluate(f.ctx, "owner", "2025-03")
	require.NoError(t, err)

	diff := cmp.Diff(first, second, cmpopts.IgnoreUnexported(compensation.Component{}))
	assert.Empty(t, diff)
}

func TestEvaluate_CyclesCompletedAfterPeriodAreNotCredited(t *testing.T) {
	// GIVEN: One level-1 cycle completed in April
	// WHEN: Evaluating March
	// THEN: The statement's cycle view shows the whole history while
	//       depth, fidelity and payout credit nothing

	f := newFixture(t, time.Date(2025, time.May, 2, 0, 0, 0, 0, time.UTC))
	f.member(t, "owner", "")
	f.fill(t, "owner", 6, time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC))

	st, err := f.engine.Evaluate(f.ctx, "owner", "2025-03")
	require.NoError(t, err)
	assert.Empty(t, st.Entries)
	require.NotNil(t, st.Cycles)
	assert.Equal(t, 1, st.Cycles.Cycles(), "the live count still shows the cycle")
	assert.Len(t, st.Cycles.Records, 1)
	assert.Equal(t, 0, st.Depth.Levels[0].Cycles)
	assert.Equal(t, 0, st.Fidelity.MaxCompletedLevel)
	assert.Empty(t, st.Payout)
}

func TestEvaluate_UnavailableTreeGivesPartialStatement(t *testing.T) {
	// GIVEN: A placement source that is down
	// WHEN: Evaluating
	// THEN: cycle-based components are "unavailable", career still completes

	f := newFixture(t, time.Date(2025, time.April, 2, 0, 0, 0, 0, time.UTC))
	f.member(t, "owner", "")
	require.NoError(t, f.repo.SetCumulativeCycles(f.ctx, "owner", 6))
	engine := f.newEngine(t, unavailableRepo{f.repo}, time.Date(2025, time.April, 2, 0, 0, 0, 0, time.UTC))

	st, err := engine.Evaluate(f.ctx, "owner", "2025-03")
	require.NoError(t, err)

	assert.True(t, st.Partial())
	statuses := map[string]compensation.ComponentStatus{}
	for _, c := range st.Components {
		statuses[c.Name] = c.Status
	}
	assert.Equal(t, compensation.ComponentUnavailable, statuses[compensation.ComponentCycles])
	assert.Equal(t, compensation.ComponentUnavailable, statuses[compensation.ComponentDepth])
	assert.Equal(t, compensation.ComponentUnavailable, statuses[compensation.ComponentFidelity])
	assert.Equal(t, compensation.ComponentOK, statuses[compensation.ComponentCareer])

	assert.Nil(t, st.Depth, "no depth numbers rather than zeros")
	require.NotNil(t, st.Career)
	assert.Equal(t, "bronze", st.Career.Current.Code)
	assert.ErrorIs(t, st.Err(), generic.ErrPlacementUnavailable)
}

func TestEvaluate_UnknownMember(t *testing.T) {
	f := newFixture(t, time.Date(2025, time.April, 2, 0, 0, 0, 0, time.UTC))
	_, err := f.engine.Evaluate(f.ctx, "ghost", "2025-03")
	assert.ErrorIs(t, err, generic.ErrMemberNotFound)
}

// =============================================================================
// LIVE OPERATIONS
// =============================================================================

func TestComputeOperations(t *testing.T) {
	f := newFixture(t, time.Date(2025, time.March, 20, 0, 0, 0, 0, time.UTC))
	f.member(t, "owner", "")
	f.fill(t, "owner", 6, march)

	summary, err := f.engine.ComputeCycles(f.ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Levels[0].Completed)

	depth, err := f.engine.ComputeDepthBonus(f.ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(6), depth.Levels[0].PeopleCompleted)

	fid, err := f.engine.ComputeFidelityBonus(f.ctx, "owner")
	require.NoError(t, err)
	assert.True(t, fid.Levels[0].Eligible)
	assert.False(t, fid.Levels[1].Eligible)

	career, err := f.engine.ComputeCareerStatus(f.ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, "iniciante", career.Current.Code)
	assert.Equal(t, "bronze", career.Next.Code)
	assert.True(t, career.Progress.Equal(dec("20")), "1 of 5 cycles, got %s", career.Progress)

	ranking, err := f.engine.ComputeTopRank(f.ctx, "2025-03")
	require.NoError(t, err)
	require.NotEmpty(t, ranking.Rows)
	assert.Equal(t, generic.MemberID("owner"), ranking.Rows[0].Member)
	assert.Equal(t, 1, ranking.Rows[0].Rank)
}

func TestComputeCycles_UnavailableIsNotZero(t *testing.T) {
	f := newFixture(t, march)
	f.member(t, "owner", "")
	engine := f.newEngine(t, unavailableRepo{f.repo}, march)

	s, err := engine.ComputeCycles(f.ctx, "owner")
	assert.ErrorIs(t, err, generic.ErrPlacementUnavailable)
	assert.False(t, s.Known)
}

func TestComputeTopRank_InvalidPeriod(t *testing.T) {
	f := newFixture(t, march)
	_, err := f.engine.ComputeTopRank(f.ctx, "March")
	assert.ErrorIs(t, err, generic.ErrInvalidPeriod)
}

func TestPlanVersions_PeriodUsesVersionInForce(t *testing.T) {
	// GIVEN: A second plan version effective from April with base 400
	// WHEN: Evaluating March and April
	// THEN: Each period is computed with its own version only

	f := newFixture(t, time.Date(2025, time.May, 2, 0, 0, 0, 0, time.UTC))
	v2 := plan.Default()
	v2.Version = "sigma-2025.2"
	v2.EffectiveFrom = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	v2.CycleBase = dec("400")
	require.NoError(t, f.provider.Publish(v2))

	f.member(t, "owner", "")
	f.fill(t, "owner", 6, march)

	mar, err := f.engine.Evaluate(f.ctx, "owner", "2025-03")
	require.NoError(t, err)
	apr, err := f.engine.Evaluate(f.ctx, "owner", "2025-04")
	require.NoError(t, err)

	assert.Equal(t, plan.DefaultVersion, mar.PlanVersion)
	assert.Equal(t, generic.PlanVersion("sigma-2025.2"), apr.PlanVersion)
	for _, e := range apr.Entries {
		assert.Equal(t, generic.PlanVersion("sigma-2025.2"), e.PlanVersion)
	}
	assert.True(t, entryTypes(apr.Entries)[generic.BonusCompensation].Equal(dec("120")))
}
