/*
Package bonus holds the pure bonus calculators of the compensation plan.

PURPOSE:
  Each calculator maps (plan, cycle data) to monetary amounts. None of
  them touch storage, the network or the clock: the same inputs always
  produce the same outputs, which is what makes ledger re-runs
  reproducible.

CALCULATORS:
  Depth:       base × depth pool% × level% per qualifying person
  Fidelity:    base × fidelity pool% × band% per person, gated by the
               deepest completed level
  Career:      current / next pin and progress; rewards per pin reached
  TopRank:     period pool split by rank table
  CyclePayout: base × payout% per completed cycle

FAILURES:
  A calculator that cannot run returns an error and no partial result.
  Empty tables are *generic.PlanError; an unknown cycle summary is
  generic.ErrPlacementUnavailable. The aggregator decides how to present
  a failed component.

SEE ALSO:
  - plan/plan.go: Derived per-person values
  - compensation/engine.go: Turns Credits into ledger entries
*/
package bonus

import (
	"fmt"

	"github.com/rsprolipsi/sigma-engine/cycles"
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/plan"
	"github.com/shopspring/decimal"
)

// Credit is one amount attributable to one cycle record.
type Credit struct {
	Record  generic.CycleRecordID `json:"record_id"`
	Level   int                   `json:"level"`
	People  int64                 `json:"people"`
	Percent decimal.Decimal       `json:"percent"`
	Amount  generic.Amount        `json:"amount"`
}

func requireKnown(s cycles.Summary) error {
	if !s.Known {
		return fmt.Errorf("cycles of %s: %w", s.Member, generic.ErrPlacementUnavailable)
	}
	return nil
}

func tableError(p *plan.Plan, field string) error {
	return &generic.PlanError{Version: p.Version, Field: field, Reason: "table is empty"}
}
