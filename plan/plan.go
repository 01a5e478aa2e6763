/*
Package plan is the configuration provider of the compensation engine.

PURPOSE:
  A Plan is the versioned set of constants every calculator reads: the
  cycle base value, the percentage pool of each bonus type, the per-level
  depth table, the fidelity cycle bands, the top-rank table and the
  career pin table. Plans are read-only during an evaluation; changing
  the plan publishes a new version instead of mutating the old one, so
  past ledger entries stay reproducible.

VALIDATION:
  A plan that cannot be evaluated fails loudly. Empty tables, missing
  levels, percentages outside (0, 100] and pool inconsistencies are
  errors, never silent zeros:

    Depth:     Σ level% ≤ 100, and = 100 when every level 1..MaxDepth
               has an entry (the table distributes the whole pool)
    Fidelity:  bands ordered by level, contiguous cycle ranges, only
               the last band may be open-ended
    Top rank:  Σ rank% + TailRanks × TailPercent ≤ 100
    Career:    thresholds strictly ascending, VMEC caps sum to 100

EXAMPLE:
  p := plan.Default()
  perPerson := p.DepthPerPerson(1) // base × pool% × level1%

SEE ALSO:
  - presets.go: Built-in plan versions
  - loader.go: JSON / YAML / TOML plan files
  - provider.go: Version lookup by date
*/
package plan

import (
	"fmt"
	"math"
	"time"

	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// PLAN TYPES
// =============================================================================

type Plan struct {
	Version       generic.PlanVersion `json:"version" yaml:"version" toml:"version"`
	EffectiveFrom time.Time           `json:"effective_from" yaml:"effective_from" toml:"effective_from"`
	Currency      generic.Unit        `json:"currency" yaml:"currency" toml:"currency"`

	// CycleBase is the value one cycle is worth; every pool is a share of it.
	CycleBase   decimal.Decimal `json:"cycle_base" yaml:"cycle_base" toml:"cycle_base"`
	MatrixWidth int             `json:"matrix_width" yaml:"matrix_width" toml:"matrix_width"`
	MaxDepth    int             `json:"max_depth" yaml:"max_depth" toml:"max_depth"`

	// CyclePayoutPercent is paid to the owner of each completed matrix.
	CyclePayoutPercent decimal.Decimal `json:"cycle_payout_percent" yaml:"cycle_payout_percent" toml:"cycle_payout_percent"`

	Depth    DepthTable    `json:"depth" yaml:"depth" toml:"depth"`
	Fidelity FidelityTable `json:"fidelity" yaml:"fidelity" toml:"fidelity"`
	TopRank  TopRankTable  `json:"top_rank" yaml:"top_rank" toml:"top_rank"`
	Career   CareerTable   `json:"career" yaml:"career" toml:"career"`
}

type DepthTable struct {
	PoolPercent decimal.Decimal `json:"pool_percent" yaml:"pool_percent" toml:"pool_percent"`
	Levels      []LevelPercent  `json:"levels" yaml:"levels" toml:"levels"`
}

type LevelPercent struct {
	Level   int             `json:"level" yaml:"level" toml:"level"`
	Percent decimal.Decimal `json:"percent" yaml:"percent" toml:"percent"`
}

// FidelityTable is indexed by cycle-number bands, not depth: level L pays
// the percent of the band listed at position L ("1st cycle", "3rd-4th").
type FidelityTable struct {
	PoolPercent decimal.Decimal `json:"pool_percent" yaml:"pool_percent" toml:"pool_percent"`
	Bands       []FidelityBand  `json:"bands" yaml:"bands" toml:"bands"`
	// Levels above the ceiling unlock once the ceiling level is unlocked.
	EligibilityCeiling int `json:"eligibility_ceiling" yaml:"eligibility_ceiling" toml:"eligibility_ceiling"`
}

type FidelityBand struct {
	Level     int             `json:"level" yaml:"level" toml:"level"`
	FromCycle int             `json:"from_cycle" yaml:"from_cycle" toml:"from_cycle"`
	ToCycle   int             `json:"to_cycle" yaml:"to_cycle" toml:"to_cycle"` // 0 = open-ended
	Percent   decimal.Decimal `json:"percent" yaml:"percent" toml:"percent"`
}

type TopRankTable struct {
	PoolPercent decimal.Decimal `json:"pool_percent" yaml:"pool_percent" toml:"pool_percent"`
	Ranks       []RankPercent   `json:"ranks" yaml:"ranks" toml:"ranks"`
	// TailRanks positions after the explicit table each get TailPercent.
	TailRanks   int             `json:"tail_ranks" yaml:"tail_ranks" toml:"tail_ranks"`
	TailPercent decimal.Decimal `json:"tail_percent" yaml:"tail_percent" toml:"tail_percent"`
}

type RankPercent struct {
	Rank    int             `json:"rank" yaml:"rank" toml:"rank"`
	Percent decimal.Decimal `json:"percent" yaml:"percent" toml:"percent"`
}

type CareerTable struct {
	Pins []Pin `json:"pins" yaml:"pins" toml:"pins"`
}

// Pin is one career tier. When MinLines and VMEC are set, the pin counts
// line cycles instead of the member's own: at least MinLines direct lines
// must have cycles, and no line counts for more than the largest VMEC
// share of the lines' total.
type Pin struct {
	Code      string            `json:"code" yaml:"code" toml:"code"`
	Name      string            `json:"name" yaml:"name" toml:"name"`
	Threshold int               `json:"threshold" yaml:"threshold" toml:"threshold"`
	MinLines  int               `json:"min_lines" yaml:"min_lines" toml:"min_lines"`
	VMEC      []decimal.Decimal `json:"vmec,omitempty" yaml:"vmec,omitempty" toml:"vmec,omitempty"`
	Reward    decimal.Decimal   `json:"reward" yaml:"reward" toml:"reward"`
	Order     int               `json:"order" yaml:"order" toml:"order"`
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// PeopleAt is the number of positions at a depth level: width^level.
func (p *Plan) PeopleAt(level int) int64 {
	return int64(math.Pow(float64(p.MatrixWidth), float64(level)))
}

// Base returns the cycle base as an Amount in the plan currency.
func (p *Plan) Base() generic.Amount {
	return generic.NewAmountFromDecimal(p.CycleBase, p.Currency)
}

// DepthPercent returns the level percentage, or false if the table has no row.
func (p *Plan) DepthPercent(level int) (decimal.Decimal, bool) {
	for _, l := range p.Depth.Levels {
		if l.Level == level {
			return l.Percent, true
		}
	}
	return decimal.Zero, false
}

// DepthPerPerson = base × pool% × level% (unrounded).
func (p *Plan) DepthPerPerson(level int) generic.Amount {
	pct, _ := p.DepthPercent(level)
	return p.Base().Pct(p.Depth.PoolPercent).Pct(pct)
}

// FidelityBand returns the band paying a fidelity level.
func (p *Plan) FidelityBand(level int) (FidelityBand, bool) {
	for _, b := range p.Fidelity.Bands {
		if b.Level == level {
			return b, true
		}
	}
	return FidelityBand{}, false
}

// FidelityPerPerson = base × pool% × band%.
func (p *Plan) FidelityPerPerson(level int) generic.Amount {
	b, _ := p.FidelityBand(level)
	return p.Base().Pct(p.Fidelity.PoolPercent).Pct(b.Percent)
}

// RankPercent returns the share of the top pool for a 1-based rank.
// Ranks past the explicit table and tail get false.
func (p *Plan) RankPercent(rank int) (decimal.Decimal, bool) {
	for _, r := range p.TopRank.Ranks {
		if r.Rank == rank {
			return r.Percent, true
		}
	}
	last := len(p.TopRank.Ranks)
	if rank > last && rank <= last+p.TopRank.TailRanks {
		return p.TopRank.TailPercent, true
	}
	return decimal.Zero, false
}

// RankedPositions is the number of paid top-rank positions.
func (p *Plan) RankedPositions() int {
	return len(p.TopRank.Ranks) + p.TopRank.TailRanks
}

// PinByCode looks up a pin.
func (p *Plan) PinByCode(code string) (Pin, bool) {
	for _, pin := range p.Career.Pins {
		if pin.Code == code {
			return pin, true
		}
	}
	return Pin{}, false
}

// Clone returns a deep copy so callers can't mutate a published version.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Depth.Levels = append([]LevelPercent(nil), p.Depth.Levels...)
	c.Fidelity.Bands = append([]FidelityBand(nil), p.Fidelity.Bands...)
	c.TopRank.Ranks = append([]RankPercent(nil), p.TopRank.Ranks...)
	c.Career.Pins = make([]Pin, len(p.Career.Pins))
	for i, pin := range p.Career.Pins {
		pin.VMEC = append([]decimal.Decimal(nil), pin.VMEC...)
		c.Career.Pins[i] = pin
	}
	return &c
}

// =============================================================================
// VALIDATION
// =============================================================================

var (
	hundred = decimal.NewFromInt(100)
)

func validPercent(d decimal.Decimal) bool {
	return d.IsPositive() && d.LessThanOrEqual(hundred)
}

// Validate checks that the plan can be evaluated. The first violation is
// returned as a *generic.PlanError wrapping generic.ErrPlanInvalid.
func (p *Plan) Validate() error {
	fail := func(field, format string, args ...any) error {
		return &generic.PlanError{Version: p.Version, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	if p.Version == "" {
		return fail("version", "must be set")
	}
	if p.Currency == "" {
		return fail("currency", "must be set")
	}
	if !p.CycleBase.IsPositive() {
		return fail("cycle_base", "must be positive, got %s", p.CycleBase)
	}
	if p.MatrixWidth < 2 {
		return fail("matrix_width", "must be at least 2, got %d", p.MatrixWidth)
	}
	if p.MaxDepth < 1 || p.MaxDepth > 12 {
		return fail("max_depth", "must be within 1..12, got %d", p.MaxDepth)
	}
	if p.CyclePayoutPercent.IsNegative() || p.CyclePayoutPercent.GreaterThan(hundred) {
		return fail("cycle_payout_percent", "must be within 0..100, got %s", p.CyclePayoutPercent)
	}
	if err := p.validateDepth(fail); err != nil {
		return err
	}
	if err := p.validateFidelity(fail); err != nil {
		return err
	}
	if err := p.validateTopRank(fail); err != nil {
		return err
	}
	return p.validateCareer(fail)
}

type failFunc func(field, format string, args ...any) error

func (p *Plan) validateDepth(fail failFunc) error {
	if !validPercent(p.Depth.PoolPercent) {
		return fail("depth.pool_percent", "must be within (0, 100], got %s", p.Depth.PoolPercent)
	}
	if len(p.Depth.Levels) == 0 {
		return fail("depth.levels", "table is empty")
	}
	sum := decimal.Zero
	seen := make(map[int]bool)
	for i, l := range p.Depth.Levels {
		if l.Level < 1 || l.Level > p.MaxDepth {
			return fail(fmt.Sprintf("depth.levels[%d]", i), "level %d outside 1..%d", l.Level, p.MaxDepth)
		}
		if seen[l.Level] {
			return fail(fmt.Sprintf("depth.levels[%d]", i), "level %d listed twice", l.Level)
		}
		seen[l.Level] = true
		if !validPercent(l.Percent) {
			return fail(fmt.Sprintf("depth.levels[%d]", i), "percent must be within (0, 100], got %s", l.Percent)
		}
		sum = sum.Add(l.Percent)
	}
	if sum.GreaterThan(hundred) {
		return fail("depth.levels", "percentages sum to %s%%, more than the whole pool", sum)
	}
	if len(p.Depth.Levels) == p.MaxDepth && !sum.Equal(hundred) {
		return fail("depth.levels", "fully populated table sums to %s%%, must distribute exactly 100%%", sum)
	}
	return nil
}

func (p *Plan) validateFidelity(fail failFunc) error {
	f := p.Fidelity
	if !validPercent(f.PoolPercent) {
		return fail("fidelity.pool_percent", "must be within (0, 100], got %s", f.PoolPercent)
	}
	if len(f.Bands) == 0 {
		return fail("fidelity.bands", "table is empty")
	}
	if f.EligibilityCeiling < 1 || f.EligibilityCeiling > p.MaxDepth {
		return fail("fidelity.eligibility_ceiling", "must be within 1..%d, got %d", p.MaxDepth, f.EligibilityCeiling)
	}
	nextCycle := 1
	for i, b := range f.Bands {
		field := fmt.Sprintf("fidelity.bands[%d]", i)
		if b.Level != i+1 {
			return fail(field, "levels must run 1..n in order, got %d", b.Level)
		}
		if b.Level > p.MaxDepth {
			return fail(field, "level %d beyond max depth %d", b.Level, p.MaxDepth)
		}
		if b.FromCycle != nextCycle {
			return fail(field, "band must start at cycle %d, got %d", nextCycle, b.FromCycle)
		}
		last := i == len(f.Bands)-1
		switch {
		case b.ToCycle == 0 && !last:
			return fail(field, "only the last band may be open-ended")
		case b.ToCycle != 0 && b.ToCycle < b.FromCycle:
			return fail(field, "band ends (%d) before it starts (%d)", b.ToCycle, b.FromCycle)
		}
		if !validPercent(b.Percent) {
			return fail(field, "percent must be within (0, 100], got %s", b.Percent)
		}
		nextCycle = b.ToCycle + 1
	}
	return nil
}

func (p *Plan) validateTopRank(fail failFunc) error {
	t := p.TopRank
	if !validPercent(t.PoolPercent) {
		return fail("top_rank.pool_percent", "must be within (0, 100], got %s", t.PoolPercent)
	}
	if len(t.Ranks) == 0 {
		return fail("top_rank.ranks", "table is empty")
	}
	sum := decimal.Zero
	for i, r := range t.Ranks {
		field := fmt.Sprintf("top_rank.ranks[%d]", i)
		if r.Rank != i+1 {
			return fail(field, "ranks must run 1..n in order, got %d", r.Rank)
		}
		if !validPercent(r.Percent) {
			return fail(field, "percent must be within (0, 100], got %s", r.Percent)
		}
		if i > 0 && r.Percent.GreaterThan(t.Ranks[i-1].Percent) {
			return fail(field, "rank %d pays more than rank %d", r.Rank, r.Rank-1)
		}
		sum = sum.Add(r.Percent)
	}
	if t.TailRanks < 0 {
		return fail("top_rank.tail_ranks", "must not be negative")
	}
	if t.TailRanks > 0 {
		if !validPercent(t.TailPercent) {
			return fail("top_rank.tail_percent", "must be within (0, 100], got %s", t.TailPercent)
		}
		sum = sum.Add(t.TailPercent.Mul(decimal.NewFromInt(int64(t.TailRanks))))
	}
	if sum.GreaterThan(hundred) {
		return fail("top_rank", "rank shares sum to %s%% of the pool", sum)
	}
	return nil
}

func (p *Plan) validateCareer(fail failFunc) error {
	pins := p.Career.Pins
	if len(pins) == 0 {
		return fail("career.pins", "table is empty")
	}
	codes := make(map[string]bool)
	for i, pin := range pins {
		field := fmt.Sprintf("career.pins[%d]", i)
		if pin.Code == "" || pin.Name == "" {
			return fail(field, "code and name are required")
		}
		if codes[pin.Code] {
			return fail(field, "code %q listed twice", pin.Code)
		}
		codes[pin.Code] = true
		if pin.Threshold < 0 || pin.MinLines < 0 {
			return fail(field, "threshold and min_lines must not be negative")
		}
		if pin.Reward.IsNegative() {
			return fail(field, "reward must not be negative")
		}
		if pin.Order != i+1 {
			return fail(field, "order must run 1..n, got %d", pin.Order)
		}
		if i > 0 && pin.Threshold <= pins[i-1].Threshold {
			return fail(field, "threshold %d not above previous %d", pin.Threshold, pins[i-1].Threshold)
		}
		if len(pin.VMEC) > 0 {
			if len(pin.VMEC) < pin.MinLines {
				return fail(field, "vmec lists %d caps for %d required lines", len(pin.VMEC), pin.MinLines)
			}
			sum := decimal.Zero
			for _, c := range pin.VMEC {
				if !validPercent(c) {
					return fail(field, "vmec cap must be within (0, 100], got %s", c)
				}
				sum = sum.Add(c)
			}
			if !sum.Equal(hundred) {
				return fail(field, "vmec caps sum to %s%%, must be 100%%", sum)
			}
		}
	}
	return nil
}
