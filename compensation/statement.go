package compensation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rsprolipsi/sigma-engine/bonus"
	"github.com/rsprolipsi/sigma-engine/cycles"
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/plan"
)

// =============================================================================
// STATEMENT - One member's evaluation for a period
// =============================================================================

type ComponentStatus string

const (
	ComponentOK          ComponentStatus = "ok"
	ComponentFailed      ComponentStatus = "failed"
	ComponentUnavailable ComponentStatus = "unavailable"
)

const (
	ComponentCycles       = "cycles"
	ComponentDepth        = "depth"
	ComponentFidelity     = "fidelity"
	ComponentCareer       = "career"
	ComponentCompensation = "compensation"
)

type Component struct {
	Name   string          `json:"name"`
	Status ComponentStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
	err    error
}

// Statement is the aggregated result of one evaluation. A failed
// component leaves its section nil; the others are still filled in.
type Statement struct {
	Member      generic.MemberID      `json:"member_id"`
	Period      generic.PeriodID      `json:"period"`
	PlanVersion generic.PlanVersion   `json:"plan_version"`
	Cycles      *cycles.Summary       `json:"-"`
	Depth       *bonus.DepthResult    `json:"depth,omitempty"`
	Fidelity    *bonus.FidelityResult `json:"fidelity,omitempty"`
	Career      *bonus.CareerStatus   `json:"career,omitempty"`
	Payout      []bonus.Credit        `json:"payout,omitempty"`
	Components  []Component           `json:"components"`
	Entries     []generic.LedgerEntry `json:"-"`
	Total       generic.Amount        `json:"total"`
}

// Partial reports whether any component did not complete.
func (s *Statement) Partial() bool {
	for _, c := range s.Components {
		if c.Status != ComponentOK {
			return true
		}
	}
	return false
}

// Err joins the errors of every failed component, or nil.
func (s *Statement) Err() error {
	var errs []error
	for _, c := range s.Components {
		if c.Status != ComponentOK {
			errs = append(errs, &generic.ComponentError{Component: c.Name, Err: c.err})
		}
	}
	return errors.Join(errs...)
}

func (s *Statement) component(name string, err error) {
	c := Component{Name: name, Status: ComponentOK}
	if err != nil {
		c.Status = ComponentFailed
		if generic.IsUnavailable(err) {
			c.Status = ComponentUnavailable
		}
		c.Error = err.Error()
		c.err = err
	}
	s.Components = append(s.Components, c)
}

// Evaluate runs every calculator for a member against the plan in force
// at the end of the period. A failing calculator is reported in
// Components; the statement is returned with whatever did complete.
// Only a missing plan or member fails the whole evaluation.
func (e *Engine) Evaluate(ctx context.Context, member generic.MemberID, id generic.PeriodID) (*Statement, error) {
	period, err := generic.ParsePeriod(id)
	if err != nil {
		return nil, err
	}
	p, err := e.plans.PlanAsOf(ctx, period.LastInstant())
	if err != nil {
		return nil, err
	}
	if _, err := e.network.Member(ctx, member); err != nil {
		return nil, err
	}

	st := e.evaluate(ctx, member, period, p)
	switch {
	case len(st.Components) > 0 && allFailed(st.Components):
		e.metrics.ObserveEvaluation("failed")
	case st.Partial():
		e.metrics.ObserveEvaluation("partial")
	default:
		e.metrics.ObserveEvaluation("complete")
	}
	for _, c := range st.Components {
		if c.Status != ComponentOK {
			e.metrics.ObserveComponentFailure(c.Name)
			e.logger.Warn("bonus component did not complete",
				"member", member, "period", period.ID, "component", c.Name, "status", c.Status, "error", c.Error)
		}
	}
	return st, nil
}

func allFailed(cs []Component) bool {
	for _, c := range cs {
		if c.Status == ComponentOK {
			return false
		}
	}
	return true
}

func (e *Engine) evaluate(ctx context.Context, member generic.MemberID, period generic.Period, p *plan.Plan) *Statement {
	st := &Statement{
		Member:      member,
		Period:      period.ID,
		PlanVersion: p.Version,
		Total:       generic.ZeroAmount(p.Currency),
	}
	b := entryBuilder{member: member, period: period, plan: p}

	summary, err := e.accountant.Compute(ctx, member, p)
	st.component(ComponentCycles, err)
	if err == nil {
		// The statement shows the whole history; the period credits only
		// cycles completed before it ended.
		st.Cycles = &summary
		inPeriod := inPeriodOrBefore(summary, period, p)

		if depth, err := bonus.Depth(p, inPeriod); err == nil {
			st.Depth = &depth
			b.credits(generic.BonusDepth, depth.Credits, inPeriod.Records)
			st.component(ComponentDepth, nil)
		} else {
			st.component(ComponentDepth, err)
		}

		if fid, err := bonus.Fidelity(p, inPeriod); err == nil {
			st.Fidelity = &fid
			b.credits(generic.BonusFidelity, fid.Credits, inPeriod.Records)
			st.component(ComponentFidelity, nil)
		} else {
			st.component(ComponentFidelity, err)
		}

		st.Payout = bonus.CyclePayout(p, inPeriod.Records)
		b.credits(generic.BonusCompensation, st.Payout, inPeriod.Records)
		st.component(ComponentCompensation, nil)
	} else {
		dep := fmt.Errorf("cycles: %w", err)
		st.component(ComponentDepth, dep)
		st.component(ComponentFidelity, dep)
		st.component(ComponentCompensation, dep)
	}

	career, err := e.careerAt(ctx, member, period, p)
	st.component(ComponentCareer, err)
	if err == nil {
		st.Career = &career
		b.pins(career.Reached)
	}

	st.Entries = b.sorted()
	for _, entry := range st.Entries {
		st.Total = st.Total.Add(entry.Amount)
	}
	return st
}

func inPeriodOrBefore(s cycles.Summary, period generic.Period, p *plan.Plan) cycles.Summary {
	return cycles.Summarize(s.Member, completedBefore(s.Records, period.End), p)
}

func completedBefore(records []generic.CycleRecord, end generic.TimePoint) []generic.CycleRecord {
	var kept []generic.CycleRecord
	for _, r := range records {
		if r.CompletedAt.Before(end) {
			kept = append(kept, r)
		}
	}
	return kept
}

// =============================================================================
// ENTRY CONSTRUCTION
// =============================================================================

// Idempotency keys:
//
//	depth:{record}  fidelity:{record}  compensation:{record}
//	career:{member}:{pin code}
//	top_rank:{period}:{member}
//
// Entry IDs are derived from the key, so re-running an evaluation over
// the same records produces identical entries.
func RecordKey(t generic.BonusType, record generic.CycleRecordID) string {
	return fmt.Sprintf("%s:%s", t, record)
}

func CareerKey(member generic.MemberID, pinCode string) string {
	return fmt.Sprintf("%s:%s:%s", generic.BonusCareer, member, pinCode)
}

func TopRankKey(period generic.PeriodID, member generic.MemberID) string {
	return fmt.Sprintf("%s:%s:%s", generic.BonusTopRank, period, member)
}

type entryBuilder struct {
	member  generic.MemberID
	period  generic.Period
	plan    *plan.Plan
	entries []generic.LedgerEntry
}

func (b *entryBuilder) add(e generic.LedgerEntry) {
	e.Amount = e.Amount.Round()
	if !e.Amount.IsPositive() {
		return
	}
	e.ID = generic.EntryIDFor(e.IdempotencyKey)
	e.Beneficiary = b.member
	e.Period = b.period.ID
	e.Status = generic.StatusPending
	e.PlanVersion = b.plan.Version
	b.entries = append(b.entries, e)
}

func (b *entryBuilder) credits(t generic.BonusType, credits []bonus.Credit, records []generic.CycleRecord) {
	completed := make(map[generic.CycleRecordID]generic.TimePoint, len(records))
	for _, r := range records {
		completed[r.ID] = r.CompletedAt
	}
	for _, c := range credits {
		b.add(generic.LedgerEntry{
			Type:           t,
			SourceRecordID: c.Record,
			Level:          c.Level,
			Percent:        c.Percent,
			Amount:         c.Amount,
			IdempotencyKey: RecordKey(t, c.Record),
			EffectiveAt:    completed[c.Record],
		})
	}
}

func (b *entryBuilder) pins(reached []plan.Pin) {
	for _, pin := range reached {
		b.add(generic.LedgerEntry{
			Type:           generic.BonusCareer,
			SourceRef:      pin.Code,
			Level:          pin.Order,
			Amount:         generic.NewAmountFromDecimal(pin.Reward, b.plan.Currency),
			IdempotencyKey: CareerKey(b.member, pin.Code),
			EffectiveAt:    b.period.LastInstant(),
		})
	}
}

func (b *entryBuilder) sorted() []generic.LedgerEntry {
	sort.SliceStable(b.entries, func(i, j int) bool {
		x, y := b.entries[i], b.entries[j]
		if !x.EffectiveAt.Equal(y.EffectiveAt) {
			return x.EffectiveAt.Before(y.EffectiveAt)
		}
		return x.IdempotencyKey < y.IdempotencyKey
	})
	return b.entries
}
