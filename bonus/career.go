package bonus

import (
	"fmt"

	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/plan"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CAREER PROGRESSION
// =============================================================================

// CareerStatus is derived on every evaluation, never stored. Qualified is
// false when the member has not reached even the lowest pin; Current is
// then the lowest pin anyway.
type CareerStatus struct {
	Cycles    int             `json:"cycles"`
	Current   plan.Pin        `json:"current_pin"`
	Qualified bool            `json:"qualified"`
	Next      plan.Pin        `json:"next_pin"`
	Counted   int             `json:"counted_cycles"` // toward Next
	Progress  decimal.Decimal `json:"progress_percent"`
	AtCeiling bool            `json:"at_ceiling"`
	// Reached lists every pin up to and including Current, lowest first.
	Reached []plan.Pin `json:"reached"`
}

var (
	hundred = decimal.NewFromInt(100)
)

// CountedCycles is the cycle count a pin is judged on. Pins without line
// rules use the member's cycles. Pins with line rules use the direct
// lines: fewer than MinLines active lines counts nothing, and each line
// contributes at most the largest VMEC share of the lines' total.
//
// Example (VMEC 60/40, lines 80 and 20):
//
//	limit = floor(100 × 60%) = 60
//	count = min(80, 60) + min(20, 60) = 80
func CountedCycles(pin plan.Pin, cycles int, lines []int) int {
	if pin.MinLines == 0 || len(pin.VMEC) == 0 {
		return cycles
	}

	total, active := 0, 0
	for _, n := range lines {
		if n > 0 {
			total += n
			active++
		}
	}
	if active < pin.MinLines {
		return 0
	}

	largest := pin.VMEC[0]
	for _, c := range pin.VMEC[1:] {
		if c.GreaterThan(largest) {
			largest = c
		}
	}
	limit := int(generic.Percent(decimal.NewFromInt(int64(total)), largest).Floor().IntPart())

	counted := 0
	for _, n := range lines {
		if n <= 0 {
			continue
		}
		if n > limit {
			n = limit
		}
		counted += n
	}
	return counted
}

// Career derives the current pin, the next pin and the progress between
// them.
//
//	progress = clamp(0, 100, (C − current) / (next − current) × 100)
//
// At the top pin, Next equals Current and progress is 100.
func Career(p *plan.Plan, cycles int, lines []int) (CareerStatus, error) {
	pins := p.Career.Pins
	if len(pins) == 0 {
		return CareerStatus{}, tableError(p, "career.pins")
	}
	if cycles < 0 {
		return CareerStatus{}, &generic.CycleDataError{Reason: fmt.Sprintf("negative cycle count %d", cycles)}
	}

	current := -1
	for i, pin := range pins {
		if CountedCycles(pin, cycles, lines) >= pin.Threshold {
			current = i
		}
	}

	st := CareerStatus{Cycles: cycles, Qualified: current >= 0}
	if current < 0 {
		st.Current = pins[0]
	} else {
		st.Current = pins[current]
		st.Reached = append([]plan.Pin(nil), pins[:current+1]...)
	}

	last := len(pins) - 1
	if current == last {
		st.Next = st.Current
		st.Counted = CountedCycles(st.Current, cycles, lines)
		st.Progress = hundred
		st.AtCeiling = true
		return st, nil
	}

	nextIdx, from := current+1, st.Current.Threshold
	switch {
	case current < 0 && last > 0:
		nextIdx = 1
	case current < 0:
		from = 0 // single-pin table, not reached yet
	}
	st.Next = pins[nextIdx]
	st.Counted = CountedCycles(st.Next, cycles, lines)
	st.Progress = progress(st.Counted, from, st.Next.Threshold)
	return st, nil
}

func progress(counted, from, to int) decimal.Decimal {
	span := to - from
	if span <= 0 {
		return hundred
	}
	pct := decimal.NewFromInt(int64(counted - from)).Mul(hundred).DivRound(decimal.NewFromInt(int64(span)), 2)
	switch {
	case pct.IsNegative():
		return decimal.Zero
	case pct.GreaterThan(hundred):
		return hundred
	}
	return pct
}
