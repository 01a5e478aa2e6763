package bonus

import (
	"sort"

	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/plan"
	"github.com/shopspring/decimal"
)

// =============================================================================
// TOP RANK
// =============================================================================

// Contribution is a member's cycle activity inside one closing period.
type Contribution struct {
	Member generic.MemberID
	Cycles int
	// LastCompletion is the time of the member's last cycle in the period.
	LastCompletion generic.TimePoint
}

// RankRow is one member's position. Ranked=false with Rank 0 means the
// member is outside the paid table (or had no cycles); the amount is zero
// either way but the two cases stay distinguishable through Cycles.
type RankRow struct {
	Member  generic.MemberID `json:"member_id"`
	Cycles  int              `json:"cycles"`
	Rank    int              `json:"rank"`
	Ranked  bool             `json:"ranked"`
	Percent decimal.Decimal  `json:"percent"`
	Amount  generic.Amount   `json:"amount"`
}

type TopRankResult struct {
	Period      generic.PeriodID `json:"period"`
	TotalCycles int              `json:"total_cycles"`
	Pool        generic.Amount   `json:"pool"`
	Rows        []RankRow        `json:"rows"`
}

// SortContributions orders members by cycles descending. Ties go to the
// member whose last cycle completed first, then to the lower member ID.
func SortContributions(cs []Contribution) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Cycles != b.Cycles {
			return a.Cycles > b.Cycles
		}
		if !a.LastCompletion.Equal(b.LastCompletion) {
			return a.LastCompletion.Before(b.LastCompletion)
		}
		return a.Member < b.Member
	})
}

// TopRank distributes base × total cycles × top pool% across the rank
// table. Shares left unassigned (fewer ranked members than positions)
// stay in the pool.
func TopRank(p *plan.Plan, period generic.PeriodID, contributions []Contribution) (TopRankResult, error) {
	if len(p.TopRank.Ranks) == 0 {
		return TopRankResult{}, tableError(p, "top_rank.ranks")
	}

	cs := append([]Contribution(nil), contributions...)
	total := 0
	for _, c := range cs {
		if c.Cycles < 0 {
			return TopRankResult{}, &generic.CycleDataError{Member: c.Member, Reason: "negative cycle count"}
		}
		total += c.Cycles
	}
	SortContributions(cs)

	res := TopRankResult{
		Period:      period,
		TotalCycles: total,
		Pool:        p.Base().MulInt(int64(total)).Pct(p.TopRank.PoolPercent),
	}

	rank := 0
	for _, c := range cs {
		row := RankRow{Member: c.Member, Cycles: c.Cycles, Amount: generic.ZeroAmount(p.Currency)}
		if c.Cycles > 0 {
			rank++
			if pct, ok := p.RankPercent(rank); ok {
				row.Rank = rank
				row.Ranked = true
				row.Percent = pct
				row.Amount = res.Pool.Pct(pct)
			}
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}
