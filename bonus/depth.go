package bonus

import (
	"github.com/rsprolipsi/sigma-engine/cycles"
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/plan"
	"github.com/shopspring/decimal"
)

// =============================================================================
// DEPTH BONUS
// =============================================================================

type DepthLevel struct {
	Level           int             `json:"level"`
	Percent         decimal.Decimal `json:"percent"`
	PerPerson       generic.Amount  `json:"per_person"`
	Cycles          int             `json:"cycles"`
	PeopleCompleted int64           `json:"people_completed"`
	Amount          generic.Amount  `json:"amount"`
}

type DepthResult struct {
	Levels  []DepthLevel   `json:"levels"`
	Total   generic.Amount `json:"total"`
	Credits []Credit       `json:"-"`
}

// Depth computes the depth bonus for every level 1..MaxDepth. Levels the
// table does not list pay nothing.
//
// Example (base 60, pool 20%, level 1 at 7%, one level-1 cycle):
//
//	per person = 60 × 0.20 × 0.07 = 0.84
//	level 1    = 6 × 0.84        = 5.04
func Depth(p *plan.Plan, s cycles.Summary) (DepthResult, error) {
	if len(p.Depth.Levels) == 0 {
		return DepthResult{}, tableError(p, "depth.levels")
	}
	if err := requireKnown(s); err != nil {
		return DepthResult{}, err
	}

	res := DepthResult{Total: generic.ZeroAmount(p.Currency)}
	for level := 1; level <= p.MaxDepth; level++ {
		pct, _ := p.DepthPercent(level)
		row := DepthLevel{
			Level:     level,
			Percent:   pct,
			PerPerson: p.DepthPerPerson(level),
			Amount:    generic.ZeroAmount(p.Currency),
		}
		for _, r := range s.Records {
			if r.Level != level {
				continue
			}
			row.Cycles++
			row.PeopleCompleted += r.People
			if pct.IsZero() {
				continue
			}
			res.Credits = append(res.Credits, Credit{
				Record:  r.ID,
				Level:   level,
				People:  r.People,
				Percent: pct,
				Amount:  row.PerPerson.MulInt(r.People),
			})
		}
		row.Amount = row.PerPerson.MulInt(row.PeopleCompleted)
		res.Total = res.Total.Add(row.Amount)
		res.Levels = append(res.Levels, row)
	}
	return res, nil
}
