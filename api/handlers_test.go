/*
handlers_test.go - HTTP tests for the back-office API

Tests for:
- Calculation endpoints and pt-BR money display
- Unavailable placement trees (503 and partial statements, never zeros)
- Closing, conflicts and ledger status moves
- Plan publishing through the SQLite version store
- Demo scenarios
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rsprolipsi/sigma-engine/compensation"
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/generic/store"
	"github.com/rsprolipsi/sigma-engine/network"
	"github.com/rsprolipsi/sigma-engine/observability/logging"
	"github.com/rsprolipsi/sigma-engine/observability/metrics"
	"github.com/rsprolipsi/sigma-engine/plan"
	"github.com/rsprolipsi/sigma-engine/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	placedAt = time.Date(2025, time.March, 5, 9, 0, 0, 0, time.UTC)
	march    = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	april    = time.Date(2025, time.April, 2, 9, 0, 0, 0, time.UTC)
)

type unavailableRepo struct {
	*network.MemoryRepository
}

func (unavailableRepo) PlacementTree(_ context.Context, id generic.MemberID) (*network.Tree, error) {
	return nil, fmt.Errorf("tree of %s: %w", id, generic.ErrPlacementUnavailable)
}

type testAPI struct {
	handler *Handler
	router  http.Handler
}

func newTestAPI(t *testing.T, net network.Store, now time.Time, planStore plan.VersionStore) *testAPI {
	t.Helper()
	provider, err := plan.NewVersionedProvider(plan.Default())
	require.NoError(t, err)

	mem := store.NewMemory()
	engine, err := compensation.NewEngine(compensation.Config{
		Network: net,
		Plans:   provider,
		Records: mem,
		Ledger:  generic.NewLedger(mem),
		Closing: mem,
		Clock:   generic.FixedClock{T: generic.At(now)},
		Logger:  logging.Discard(),
		Metrics: metrics.Engine(),
	})
	require.NoError(t, err)

	h := NewHandler(engine, net, provider, planStore, logging.Discard())
	return &testAPI{
		handler: h,
		router:  NewRouter(h, RouterOptions{Scenarios: true}),
	}
}

// withOneCycle enrolls owner and six active members placed in March.
func withOneCycle(t *testing.T, now time.Time) *testAPI {
	t.Helper()
	repo := network.NewMemoryRepository(6, 8)
	seedCycle(t, repo, "owner", "m", placedAt)
	return newTestAPI(t, repo, now, nil)
}

func seedCycle(t *testing.T, repo *network.MemoryRepository, owner, prefix string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.Enroll(ctx, network.Member{ID: generic.MemberID(owner), Status: network.StatusActive, EnrolledAt: at}))
	for i := 0; i < 6; i++ {
		id := generic.MemberID(fmt.Sprintf("%s%d", prefix, i))
		require.NoError(t, repo.Enroll(ctx, network.Member{ID: id, SponsorID: generic.MemberID(owner), Status: network.StatusActive, EnrolledAt: at}))
		_, _, err := repo.Place(ctx, generic.MemberID(owner), id, at.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// CALCULATIONS
// =============================================================================

func TestGetCycles_OneCompletedCycle(t *testing.T) {
	api := withOneCycle(t, march)

	rec := api.do(t, http.MethodGet, "/api/members/owner/cycles", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	dto := decode[CyclesDTO](t, rec)
	assert.Equal(t, "ok", dto.Status)
	require.NotNil(t, dto.Cycles)
	assert.Equal(t, 1, *dto.Cycles)
	assert.Equal(t, 1, dto.MaxCompletedLevel)
	require.Len(t, dto.Records, 1)
}

func TestGetDepthBonus_DisplaysBrazilianMoney(t *testing.T) {
	// GIVEN: One level-1 cycle
	// WHEN: Reading the depth bonus
	// THEN: 6 people at 1.71612 each, 10.30 rounded, displayed as R$ 10,30

	api := withOneCycle(t, march)

	rec := api.do(t, http.MethodGet, "/api/members/owner/depth-bonus", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	dto := decode[DepthBonusDTO](t, rec)
	assert.Equal(t, "10.30", dto.Total.Amount)
	assert.Equal(t, "BRL", dto.Total.Currency)
	assert.Contains(t, dto.Total.Display, "R$")
	assert.Contains(t, dto.Total.Display, "10,30")
	require.NotEmpty(t, dto.Levels)
	assert.Equal(t, 6, int(dto.Levels[0].PeopleCompleted))
}

func TestGetFidelityAndCareer(t *testing.T) {
	api := withOneCycle(t, march)

	rec := api.do(t, http.MethodGet, "/api/members/owner/fidelity-bonus", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fid := decode[FidelityBonusDTO](t, rec)
	assert.Equal(t, "5.40", fid.Total.Amount)

	rec = api.do(t, http.MethodGet, "/api/members/owner/career", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	career := decode[CareerDTO](t, rec)
	assert.Equal(t, 1, career.Cycles)
	assert.Equal(t, "bronze", career.Next.Code)
	assert.Equal(t, "20.00", career.Progress)
}

func TestUnknownMember_NotFound(t *testing.T) {
	api := withOneCycle(t, march)

	for _, path := range []string{
		"/api/members/ghost",
		"/api/members/ghost/cycles",
		"/api/members/ghost/depth-bonus",
		"/api/members/ghost/ledger",
	} {
		rec := api.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestUnavailableTree_NeverAnswersZero(t *testing.T) {
	// GIVEN: A repository whose placement trees cannot be read
	// WHEN: Asking for cycles and the statement
	// THEN: 503 {"status":"unavailable"} for cycles; a partial statement
	//       with null cycles and an unavailable component

	repo := network.NewMemoryRepository(6, 8)
	seedCycle(t, repo, "owner", "m", placedAt)
	api := newTestAPI(t, unavailableRepo{repo}, march, nil)

	rec := api.do(t, http.MethodGet, "/api/members/owner/cycles", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[UnavailableResponse](t, rec)
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "owner", resp.Member)
	assert.NotContains(t, rec.Body.String(), `"cycles":0`)

	rec = api.do(t, http.MethodGet, "/api/members/owner/depth-bonus", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/members/owner/statement?period=2025-03", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[StatementDTO](t, rec)
	assert.True(t, st.Partial)
	assert.Nil(t, st.Cycles)
	assert.Nil(t, st.Depth)

	statuses := map[string]string{}
	for _, c := range st.Components {
		statuses[c.Name] = c.Status
	}
	assert.Equal(t, "unavailable", statuses[compensation.ComponentCycles])
	assert.Equal(t, "ok", statuses[compensation.ComponentCareer])
}

func TestGetStatement_DefaultsToCurrentPeriod(t *testing.T) {
	api := withOneCycle(t, march)

	rec := api.do(t, http.MethodGet, "/api/members/owner/statement", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	st := decode[StatementDTO](t, rec)
	assert.Equal(t, "2025-03", st.Period)
	assert.False(t, st.Partial)
	assert.Equal(t, "123.70", st.Total.Amount)
	assert.Equal(t, "108.00", st.ByType[string(generic.BonusCompensation)].Amount)
	assert.Len(t, st.Entries, 3)

	rec = api.do(t, http.MethodGet, "/api/members/owner/statement?period=March", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTopRank(t *testing.T) {
	api := withOneCycle(t, april)

	// Cycle records are written when cycles are first computed.
	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/members/owner/cycles", nil).Code)

	rec := api.do(t, http.MethodGet, "/api/periods/2025-03/top-rank", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	dto := decode[TopRankDTO](t, rec)
	assert.Equal(t, 1, dto.TotalCycles)
	assert.Equal(t, "16.20", dto.Pool.Amount)
	require.NotEmpty(t, dto.Rows)
	assert.Equal(t, "owner", dto.Rows[0].MemberID)
	assert.Equal(t, 1, dto.Rows[0].Rank)
	assert.Equal(t, "3.24", dto.Rows[0].Amount.Amount)
}

// =============================================================================
// CLOSING AND LEDGER
// =============================================================================

func TestCloseMember_CreditsOnceThenConflicts(t *testing.T) {
	api := withOneCycle(t, april)

	rec := api.do(t, http.MethodPost, "/api/members/owner/close?period=2025-03", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	closed := decode[CloseMemberDTO](t, rec)
	assert.Equal(t, "completed", closed.Run.Status)
	assert.Len(t, closed.Entries, 3)
	assert.Equal(t, "123.70", closed.Run.Total)

	rec = api.do(t, http.MethodPost, "/api/members/owner/close?period=2025-03", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/members/owner/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ledger := decode[LedgerDTO](t, rec)
	assert.Len(t, ledger.Entries, 3)
	assert.Equal(t, "123.70", ledger.Total.Amount)
}

func TestCloseMember_DefaultsToPreviousPeriod(t *testing.T) {
	api := withOneCycle(t, april)

	rec := api.do(t, http.MethodPost, "/api/members/owner/close", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "2025-03", decode[CloseMemberDTO](t, rec).Run.Period)
}

func TestCloseMember_OpenPeriodRejected(t *testing.T) {
	api := withOneCycle(t, march)

	rec := api.do(t, http.MethodPost, "/api/members/owner/close?period=2025-03", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransitionEntry_ForwardOnly(t *testing.T) {
	api := withOneCycle(t, april)

	rec := api.do(t, http.MethodPost, "/api/members/owner/close?period=2025-03", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	entry := decode[CloseMemberDTO](t, rec).Entries[0]
	path := "/api/ledger/" + entry.ID + "/status"

	rec = api.do(t, http.MethodPost, path, TransitionRequest{Status: "paid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "pending cannot jump to paid")

	rec = api.do(t, http.MethodPost, path, TransitionRequest{Status: "released"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, path, TransitionRequest{Status: "paid"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/api/ledger/nope/status", TransitionRequest{Status: "released"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/members/owner/ledger", nil)
	var paid int
	for _, e := range decode[LedgerDTO](t, rec).Entries {
		if e.Status == "paid" {
			paid++
		}
	}
	assert.Equal(t, 1, paid)
}

func TestClosePeriod_AndRuns(t *testing.T) {
	api := withOneCycle(t, april)

	rec := api.do(t, http.MethodPost, "/api/periods/2025-03/close", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[ClosePeriodDTO](t, rec)
	assert.Len(t, res.Closed, 7)
	assert.Empty(t, res.Failed)
	require.NotNil(t, res.TopRank)
	assert.Equal(t, "top_rank", res.TopRank.Kind)

	rec = api.do(t, http.MethodGet, "/api/runs?period=2025-03", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ClosingRunDTO](t, rec), 8)
}

// =============================================================================
// MEMBERS AND CYCLE IMPORT
// =============================================================================

func TestEnrollAndPlace(t *testing.T) {
	repo := network.NewMemoryRepository(6, 8)
	api := newTestAPI(t, repo, march, nil)

	rec := api.do(t, http.MethodPost, "/api/members", EnrollRequest{ID: "root", Name: "Root", Status: "active", CumulativeCycles: 5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 5, decode[MemberDTO](t, rec).CumulativeCycles)

	rec = api.do(t, http.MethodPost, "/api/members", EnrollRequest{ID: "root"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/members", EnrollRequest{ID: "kid", SponsorID: "root", Status: "active"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/members/root/placements", PlaceRequest{OccupantID: "kid"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	placed := decode[PlacementDTO](t, rec)
	assert.Equal(t, 0, placed.Matrix)
	assert.Equal(t, 1, placed.Depth)

	rec = api.do(t, http.MethodGet, "/api/members/root/career", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	career := decode[CareerDTO](t, rec)
	assert.True(t, career.Qualified)
	assert.Equal(t, "bronze", career.Current.Code)
	assert.Equal(t, "13.50", career.Current.Reward.Amount)

	rec = api.do(t, http.MethodPost, "/api/members", map[string]string{"id": "x", "colour": "blue"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestImportCycles(t *testing.T) {
	repo := network.NewMemoryRepository(6, 8)
	require.NoError(t, repo.Enroll(context.Background(), network.Member{ID: "legacy", Status: network.StatusActive}))
	api := newTestAPI(t, repo, march, nil)

	good := ImportCyclesRequest{Records: []CycleRecordDTO{
		{Level: 1, Sequence: 1, People: 6, CompletedAt: march.Add(-time.Hour)},
	}}
	rec := api.do(t, http.MethodPost, "/api/members/legacy/cycles", good)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	bad := ImportCyclesRequest{Records: []CycleRecordDTO{
		{MatrixIndex: 1, Level: 1, Sequence: 5, People: 6, CompletedAt: march},
	}}
	rec = api.do(t, http.MethodPost, "/api/members/legacy/cycles", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "sequence gap")

	foreign := ImportCyclesRequest{Records: []CycleRecordDTO{
		{ID: "legacy-001", MatrixIndex: 1, Level: 1, Sequence: 2, People: 6, CompletedAt: march},
	}}
	rec = api.do(t, http.MethodPost, "/api/members/legacy/cycles", foreign)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "ids are derived from member, matrix and level")
}

// =============================================================================
// PLANS, HEALTH, SCENARIOS
// =============================================================================

func TestPublishPlan_PersistsVersion(t *testing.T) {
	db, err := sqlite.New(filepath.Join(t.TempDir(), "sigma.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	api := newTestAPI(t, network.NewMemoryRepository(6, 8), march, db)

	next := plan.Default()
	next.Version = "sigma-2025.2"
	next.EffectiveFrom = time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC)
	body, err := plan.Marshal(next)
	require.NoError(t, err)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/plans", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		api.router.ServeHTTP(rec, req)
		return rec
	}

	rec := post()
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "sigma-2025.2", decode[PlanSummaryDTO](t, rec).Version)

	rec = post()
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a version is published once")

	rec = api.do(t, http.MethodGet, "/api/plans", nil)
	assert.Len(t, decode[[]PlanSummaryDTO](t, rec), 2)

	rec = api.do(t, http.MethodGet, "/api/plans/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), plan.DefaultVersion)

	rec = api.do(t, http.MethodGet, "/api/plans/sigma-1999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	reloaded, err := plan.NewVersionedProvider()
	require.NoError(t, err)
	require.NoError(t, reloaded.LoadFrom(context.Background(), db))
	_, err = reloaded.Version("sigma-2025.2")
	assert.NoError(t, err)
}

func TestPublishPlan_RejectsBadBodies(t *testing.T) {
	api := newTestAPI(t, network.NewMemoryRepository(6, 8), march, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/plans", strings.NewReader("<plan/>"))
	req.Header.Set("Content-Type", "application/xml")
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/plans", strings.NewReader(`{"version":"x","cycles_required":3}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, network.NewMemoryRepository(6, 8), march, nil)

	rec := api.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), plan.DefaultVersion)

	rec = api.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	before := newTestAPI(t, network.NewMemoryRepository(6, 8), time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	rec = before.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no plan in force before the first version")
}

func TestScenarios(t *testing.T) {
	api := newTestAPI(t, network.NewMemoryRepository(6, 8), march, nil)

	rec := api.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))

	rec = api.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "top-rank"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/members/tr-alpha/cycles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, *decode[CyclesDTO](t, rec).Cycles)

	rec = api.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "top-rank"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, api.handler.LoadScenarioByID(context.Background(), "career"))
	rec = api.do(t, http.MethodGet, "/api/members/cr-leader/career", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bronze", decode[CareerDTO](t, rec).Current.Code)
}

func TestPresenter_BrazilianFormatting(t *testing.T) {
	p := DefaultPresenter()

	m := p.Money(generic.NewAmount(1234.5, generic.UnitBRL))
	assert.Equal(t, "1234.50", m.Amount)
	assert.Contains(t, m.Display, "R$")
	assert.Contains(t, m.Display, "1.234,50")

	assert.Contains(t, p.Percent(generic.MustParseDecimal("6.81")), "6,81")
}
