package compensation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// CLOSING - At-most-once crediting per member and period
// =============================================================================

// ClosingResult is what a successful Close committed.
type ClosingResult struct {
	Run     generic.ClosingRun
	Entries []generic.LedgerEntry
}

// Close credits a member's entries for an ended period.
//
// Order of operations:
//  1. Per-member lock, then reject if a completed run exists
//  2. Evaluate against the plan snapshot of the period
//  3. Any failed component: record a failed run, persist nothing
//  4. Drop entries whose key was credited by an earlier period
//  5. Abort if ctx is done
//  6. Commit the run and its entries in one transaction
//
// A second Close for the same member and period returns ErrAlreadyClosed.
func (e *Engine) Close(ctx context.Context, member generic.MemberID, id generic.PeriodID) (*ClosingResult, error) {
	period, err := generic.ParsePeriod(id)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	if !period.Closed(now) {
		return nil, fmt.Errorf("close %s for %s: %w", period.ID, member, generic.ErrPeriodOpen)
	}

	lock := e.lockFor(member)
	lock.Lock()
	defer lock.Unlock()

	closed, err := e.closing.IsClosed(ctx, generic.RunMember, member, period.ID)
	if err != nil {
		return nil, err
	}
	if closed {
		return nil, fmt.Errorf("close %s for %s: %w", period.ID, member, generic.ErrAlreadyClosed)
	}

	started := time.Now()
	st, err := e.Evaluate(ctx, member, period.ID)
	if err != nil {
		return nil, err
	}

	run := generic.ClosingRun{
		ID:          uuid.NewString(),
		Kind:        generic.RunMember,
		Member:      member,
		Period:      period.ID,
		PlanVersion: st.PlanVersion,
		StartedAt:   now,
	}

	if st.Partial() {
		cause := st.Err()
		run.Error = cause.Error()
		run.CompletedAt = e.clock.Now()
		if err := e.closing.RecordFailure(ctx, run); err != nil {
			e.logger.Error("record failed closing run", "member", member, "period", period.ID, "error", err)
		}
		e.metrics.ObserveClosing(string(run.Kind), string(generic.RunFailed), time.Since(started))
		return nil, fmt.Errorf("close %s for %s: %w", period.ID, member, cause)
	}

	fresh, err := e.uncredited(ctx, st.Entries)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("close %s for %s: %w", period.ID, member, err)
	}

	run.Entries = len(fresh)
	run.Total = sum(fresh)
	run.CompletedAt = e.clock.Now()
	if err := e.closing.CommitRun(ctx, run, fresh); err != nil {
		return nil, fmt.Errorf("close %s for %s: %w", period.ID, member, err)
	}
	run.Status = generic.RunCompleted

	for _, entry := range fresh {
		e.metrics.ObserveLedgerEntry(string(entry.Type), entry.Amount.Value.InexactFloat64())
	}
	e.metrics.ObserveClosing(string(run.Kind), string(run.Status), time.Since(started))
	e.logger.Info("member closed",
		"member", member, "period", period.ID, "plan", run.PlanVersion,
		"entries", run.Entries, "total", run.Total.StringFixed(generic.MoneyPlaces))

	return &ClosingResult{Run: run, Entries: fresh}, nil
}

func (e *Engine) uncredited(ctx context.Context, entries []generic.LedgerEntry) ([]generic.LedgerEntry, error) {
	out := make([]generic.LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		exists, err := e.ledger.Exists(ctx, entry.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if !exists {
			out = append(out, entry)
		}
	}
	return out, nil
}

func sum(entries []generic.LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount.Value)
	}
	return total
}

// =============================================================================
// PERIOD CLOSING
// =============================================================================

type PeriodResult struct {
	Period  generic.PeriodID            `json:"period"`
	Closed  []generic.MemberID          `json:"closed"`
	Skipped []generic.MemberID          `json:"skipped"` // already closed
	Failed  map[generic.MemberID]string `json:"failed"`
	TopRank *generic.ClosingRun         `json:"top_rank,omitempty"`
}

// ClosePeriod closes every member with bounded concurrency, then credits
// the period's top-rank distribution once. A failing member does not stop
// the others; their failures are listed in the result.
func (e *Engine) ClosePeriod(ctx context.Context, id generic.PeriodID) (*PeriodResult, error) {
	period, err := generic.ParsePeriod(id)
	if err != nil {
		return nil, err
	}
	if !period.Closed(e.clock.Now()) {
		return nil, fmt.Errorf("close %s: %w", period.ID, generic.ErrPeriodOpen)
	}
	members, err := e.network.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	res := &PeriodResult{Period: period.ID, Failed: make(map[generic.MemberID]string)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fanOut)
	for _, m := range members {
		member := m.ID
		g.Go(func() error {
			_, err := e.Close(gctx, member, period.ID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Closed = append(res.Closed, member)
			case errors.Is(err, generic.ErrAlreadyClosed):
				res.Skipped = append(res.Skipped, member)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				res.Failed[member] = err.Error()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	run, err := e.closeTopRank(ctx, period)
	switch {
	case errors.Is(err, generic.ErrAlreadyClosed):
	case err != nil:
		return res, err
	default:
		res.TopRank = run
	}

	e.logger.Info("period closed", "period", period.ID,
		"closed", len(res.Closed), "skipped", len(res.Skipped), "failed", len(res.Failed))
	return res, nil
}

func (e *Engine) closeTopRank(ctx context.Context, period generic.Period) (*generic.ClosingRun, error) {
	closed, err := e.closing.IsClosed(ctx, generic.RunTopRank, "", period.ID)
	if err != nil {
		return nil, err
	}
	if closed {
		return nil, generic.ErrAlreadyClosed
	}

	started := time.Now()
	p, err := e.plans.PlanAsOf(ctx, period.LastInstant())
	if err != nil {
		return nil, err
	}
	run := generic.ClosingRun{
		ID:          uuid.NewString(),
		Kind:        generic.RunTopRank,
		Period:      period.ID,
		PlanVersion: p.Version,
		StartedAt:   e.clock.Now(),
	}

	ranking, err := e.topRank(ctx, period, p)
	if err != nil {
		run.Error = err.Error()
		run.CompletedAt = e.clock.Now()
		if ferr := e.closing.RecordFailure(ctx, run); ferr != nil {
			e.logger.Error("record failed closing run", "period", period.ID, "error", ferr)
		}
		e.metrics.ObserveClosing(string(run.Kind), string(generic.RunFailed), time.Since(started))
		return nil, err
	}

	var entries []generic.LedgerEntry
	for _, row := range ranking.Rows {
		amount := row.Amount.Round()
		if !row.Ranked || !amount.IsPositive() {
			continue
		}
		key := TopRankKey(period.ID, row.Member)
		entries = append(entries, generic.LedgerEntry{
			ID:             generic.EntryIDFor(key),
			Beneficiary:    row.Member,
			Type:           generic.BonusTopRank,
			SourceRef:      string(period.ID),
			Period:         period.ID,
			Level:          row.Rank,
			Percent:        row.Percent,
			Amount:         amount,
			Status:         generic.StatusPending,
			PlanVersion:    p.Version,
			IdempotencyKey: key,
			EffectiveAt:    period.LastInstant(),
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	run.Entries = len(entries)
	run.Total = sum(entries)
	run.CompletedAt = e.clock.Now()
	if err := e.closing.CommitRun(ctx, run, entries); err != nil {
		return nil, err
	}
	run.Status = generic.RunCompleted

	for _, entry := range entries {
		e.metrics.ObserveLedgerEntry(string(entry.Type), entry.Amount.Value.InexactFloat64())
	}
	e.metrics.ObserveClosing(string(run.Kind), string(run.Status), time.Since(started))
	e.logger.Info("top rank credited", "period", period.ID, "entries", run.Entries,
		"pool", ranking.Pool.Value.StringFixed(generic.MoneyPlaces))
	return &run, nil
}
