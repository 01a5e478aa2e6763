/*
Package compensation is the aggregator of the engine.

PURPOSE:
  Wires the collaborators together (network repository, plan provider,
  cycle accountant, ledger and closing store) and exposes the
  operations presentation layers call:

    ComputeCycles(member)        per-level completed cycles
    ComputeDepthBonus(member)    per-level people and amounts
    ComputeFidelityBonus(member) per-level eligibility and amounts
    ComputeCareerStatus(member)  current / next pin and progress
    ComputeTopRank(period)       ranked members and amounts
    Evaluate(member, period)     all of the above as ledger entries
    Close(member, period)        credits the entries, at most once

SNAPSHOTS:
  One evaluation resolves the plan exactly once and passes that snapshot
  to every calculator, so a plan published mid-evaluation is never mixed
  with the previous one. Evaluations for a period resolve the plan at the
  period's last instant; live lookups resolve it at the clock's now.

SEE ALSO:
  - statement.go: Evaluate and ledger entry construction
  - closing.go: Close and ClosePeriod
*/
package compensation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rsprolipsi/sigma-engine/bonus"
	"github.com/rsprolipsi/sigma-engine/cycles"
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/network"
	"github.com/rsprolipsi/sigma-engine/observability/metrics"
	"github.com/rsprolipsi/sigma-engine/plan"
)

// =============================================================================
// ENGINE
// =============================================================================

type Config struct {
	Network network.Repository
	Plans   plan.Provider
	Records generic.RecordStore
	Ledger  generic.Ledger
	Closing generic.ClosingStore
	Clock   generic.Clock
	Logger  *slog.Logger
	Metrics *metrics.EngineMetrics
	// Concurrency bounds ClosePeriod fan-out. Defaults to 8.
	Concurrency int
}

type Engine struct {
	network    network.Repository
	plans      plan.Provider
	records    generic.RecordStore
	ledger     generic.Ledger
	closing    generic.ClosingStore
	clock      generic.Clock
	logger     *slog.Logger
	metrics    *metrics.EngineMetrics
	accountant *cycles.Accountant
	fanOut     int

	mu    sync.Mutex
	locks map[generic.MemberID]*sync.Mutex
}

func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Network == nil:
		return nil, errors.New("compensation: network repository is required")
	case cfg.Plans == nil:
		return nil, errors.New("compensation: plan provider is required")
	case cfg.Records == nil, cfg.Ledger == nil, cfg.Closing == nil:
		return nil, errors.New("compensation: record, ledger and closing stores are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = generic.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Engine{
		network:    cfg.Network,
		plans:      cfg.Plans,
		records:    cfg.Records,
		ledger:     cfg.Ledger,
		closing:    cfg.Closing,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		accountant: cycles.NewAccountant(cfg.Network, cfg.Records, cfg.Logger),
		fanOut:     cfg.Concurrency,
		locks:      make(map[generic.MemberID]*sync.Mutex),
	}, nil
}

func (e *Engine) lockFor(member generic.MemberID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[member]
	if !ok {
		l = &sync.Mutex{}
		e.locks[member] = l
	}
	return l
}

// Accountant exposes cycle record ingestion.
func (e *Engine) Accountant() *cycles.Accountant {
	return e.accountant
}

// Now is the engine clock's current instant.
func (e *Engine) Now() generic.TimePoint {
	return e.clock.Now()
}

// PlanNow returns the plan in force at the clock's now.
func (e *Engine) PlanNow(ctx context.Context) (*plan.Plan, error) {
	return e.plans.PlanAsOf(ctx, e.clock.Now())
}

// =============================================================================
// LIVE OPERATIONS
// =============================================================================

func (e *Engine) ComputeCycles(ctx context.Context, member generic.MemberID) (cycles.Summary, error) {
	p, err := e.PlanNow(ctx)
	if err != nil {
		return cycles.Summary{Member: member}, err
	}
	if _, err := e.network.Member(ctx, member); err != nil {
		return cycles.Summary{Member: member}, err
	}
	return e.accountant.Compute(ctx, member, p)
}

func (e *Engine) ComputeDepthBonus(ctx context.Context, member generic.MemberID) (bonus.DepthResult, error) {
	p, s, err := e.live(ctx, member)
	if err != nil {
		return bonus.DepthResult{}, err
	}
	return bonus.Depth(p, s)
}

func (e *Engine) ComputeFidelityBonus(ctx context.Context, member generic.MemberID) (bonus.FidelityResult, error) {
	p, s, err := e.live(ctx, member)
	if err != nil {
		return bonus.FidelityResult{}, err
	}
	return bonus.Fidelity(p, s)
}

func (e *Engine) ComputeCareerStatus(ctx context.Context, member generic.MemberID) (bonus.CareerStatus, error) {
	p, err := e.PlanNow(ctx)
	if err != nil {
		return bonus.CareerStatus{}, err
	}
	return e.career(ctx, member, p)
}

// ComputeTopRank ranks every member by level-1 cycles completed in the
// period. It reads recorded history only.
func (e *Engine) ComputeTopRank(ctx context.Context, id generic.PeriodID) (bonus.TopRankResult, error) {
	period, err := generic.ParsePeriod(id)
	if err != nil {
		return bonus.TopRankResult{}, err
	}
	p, err := e.plans.PlanAsOf(ctx, period.LastInstant())
	if err != nil {
		return bonus.TopRankResult{}, err
	}
	return e.topRank(ctx, period, p)
}

func (e *Engine) live(ctx context.Context, member generic.MemberID) (*plan.Plan, cycles.Summary, error) {
	p, err := e.PlanNow(ctx)
	if err != nil {
		return nil, cycles.Summary{}, err
	}
	if _, err := e.network.Member(ctx, member); err != nil {
		return nil, cycles.Summary{}, err
	}
	s, err := e.accountant.Compute(ctx, member, p)
	if err != nil {
		return nil, s, err
	}
	return p, s, nil
}

// career counts C as the larger of the member's cumulative cycles and the
// recorded level-1 history. It needs no placement tree.
func (e *Engine) career(ctx context.Context, member generic.MemberID, p *plan.Plan) (bonus.CareerStatus, error) {
	history, err := e.records.Records(ctx, member)
	if err != nil {
		return bonus.CareerStatus{}, fmt.Errorf("load cycle records for %s: %w", member, err)
	}
	return e.careerFrom(ctx, member, p, history, true)
}

// careerAt is the career a closing period may credit: only level-1 records
// completed before the period ended count. The cumulative count and the
// line totals are undated live values, so they apply to the current period
// and the one that just ended, never to an older catch-up period.
func (e *Engine) careerAt(ctx context.Context, member generic.MemberID, period generic.Period, p *plan.Plan) (bonus.CareerStatus, error) {
	history, err := e.records.Records(ctx, member)
	if err != nil {
		return bonus.CareerStatus{}, fmt.Errorf("load cycle records for %s: %w", member, err)
	}
	live := period.End.AfterOrEqual(generic.PeriodFor(e.clock.Now()).Start)
	return e.careerFrom(ctx, member, p, completedBefore(history, period.End), live)
}

func (e *Engine) careerFrom(ctx context.Context, member generic.MemberID, p *plan.Plan, history []generic.CycleRecord, live bool) (bonus.CareerStatus, error) {
	m, err := e.network.Member(ctx, member)
	if err != nil {
		return bonus.CareerStatus{}, err
	}
	c := cycles.Summarize(member, history, p).Cycles()
	if !live {
		return bonus.Career(p, c, nil)
	}
	if m.CumulativeCycles > c {
		c = m.CumulativeCycles
	}
	lines, err := network.LineCycles(ctx, e.network, member)
	if err != nil {
		return bonus.CareerStatus{}, fmt.Errorf("line cycles of %s: %w", member, err)
	}
	return bonus.Career(p, c, lines)
}

func (e *Engine) topRank(ctx context.Context, period generic.Period, p *plan.Plan) (bonus.TopRankResult, error) {
	members, err := e.network.Members(ctx)
	if err != nil {
		return bonus.TopRankResult{}, fmt.Errorf("list members: %w", err)
	}
	records, err := e.records.RecordsInRange(ctx, period.Start, period.End)
	if err != nil {
		return bonus.TopRankResult{}, fmt.Errorf("cycle records of %s: %w", period.ID, err)
	}

	byMember := make(map[generic.MemberID]*bonus.Contribution, len(members))
	contribs := make([]bonus.Contribution, 0, len(members))
	for _, m := range members {
		contribs = append(contribs, bonus.Contribution{Member: m.ID})
	}
	for i := range contribs {
		byMember[contribs[i].Member] = &contribs[i]
	}
	for _, r := range records {
		if r.Level != 1 {
			continue
		}
		c, ok := byMember[r.Member]
		if !ok {
			continue
		}
		c.Cycles++
		if r.CompletedAt.After(c.LastCompletion) {
			c.LastCompletion = r.CompletedAt
		}
	}
	return bonus.TopRank(p, period.ID, contribs)
}

// =============================================================================
// LEDGER PASS-THROUGH
// =============================================================================

func (e *Engine) Entries(ctx context.Context, member generic.MemberID) ([]generic.LedgerEntry, error) {
	return e.ledger.Entries(ctx, member)
}

// Transition applies an external payout status move.
func (e *Engine) Transition(ctx context.Context, id generic.EntryID, to generic.EntryStatus) error {
	if err := e.ledger.Transition(ctx, id, to); err != nil {
		return err
	}
	e.logger.Info("ledger entry status moved", "entry", id, "to", to)
	return nil
}

func (e *Engine) Runs(ctx context.Context, period generic.PeriodID) ([]generic.ClosingRun, error) {
	return e.closing.Runs(ctx, period)
}
