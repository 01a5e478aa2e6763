package bonus

import (
	"fmt"

	"github.com/rsprolipsi/sigma-engine/cycles"
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/plan"
	"github.com/shopspring/decimal"
)

// =============================================================================
// FIDELITY BONUS
// =============================================================================

// FidelityLevel is one row of the fidelity table for a member.
// Eligible=false means locked; Eligible=true with a zero Amount means the
// level is unlocked but nobody qualified yet.
type FidelityLevel struct {
	Level           int             `json:"level"`
	Band            string          `json:"band"`
	Percent         decimal.Decimal `json:"percent"`
	PerPerson       generic.Amount  `json:"per_person"`
	Eligible        bool            `json:"eligible"`
	PeopleCompleted int64           `json:"people_completed"`
	Amount          generic.Amount  `json:"amount"`
}

type FidelityResult struct {
	MaxCompletedLevel int             `json:"max_completed_level"`
	Levels            []FidelityLevel `json:"levels"`
	Total             generic.Amount  `json:"total"`
	Credits           []Credit        `json:"-"`
}

// FidelityEligible reports whether a level is unlocked. Up to the ceiling a
// level needs that level completed; beyond it, the ceiling suffices.
func FidelityEligible(p *plan.Plan, level, maxCompleted int) bool {
	ceiling := p.Fidelity.EligibilityCeiling
	if level <= ceiling {
		return maxCompleted >= level
	}
	return maxCompleted >= ceiling
}

// BandLabel renders a band as "3-4", "1" or "11+".
func BandLabel(b plan.FidelityBand) string {
	switch {
	case b.ToCycle == 0:
		return fmt.Sprintf("%d+", b.FromCycle)
	case b.ToCycle == b.FromCycle:
		return fmt.Sprintf("%d", b.FromCycle)
	default:
		return fmt.Sprintf("%d-%d", b.FromCycle, b.ToCycle)
	}
}

// Fidelity computes one row per band of the fidelity table.
func Fidelity(p *plan.Plan, s cycles.Summary) (FidelityResult, error) {
	if len(p.Fidelity.Bands) == 0 {
		return FidelityResult{}, tableError(p, "fidelity.bands")
	}
	if err := requireKnown(s); err != nil {
		return FidelityResult{}, err
	}

	res := FidelityResult{MaxCompletedLevel: s.MaxCompletedLevel, Total: generic.ZeroAmount(p.Currency)}
	for _, band := range p.Fidelity.Bands {
		row := FidelityLevel{
			Level:     band.Level,
			Band:      BandLabel(band),
			Percent:   band.Percent,
			PerPerson: p.FidelityPerPerson(band.Level),
			Eligible:  FidelityEligible(p, band.Level, s.MaxCompletedLevel),
			Amount:    generic.ZeroAmount(p.Currency),
		}
		if row.Eligible {
			for _, r := range s.Records {
				if r.Level != band.Level {
					continue
				}
				row.PeopleCompleted += r.People
				res.Credits = append(res.Credits, Credit{
					Record:  r.ID,
					Level:   r.Level,
					People:  r.People,
					Percent: band.Percent,
					Amount:  row.PerPerson.MulInt(r.People),
				})
			}
			row.Amount = row.PerPerson.MulInt(row.PeopleCompleted)
		}
		res.Total = res.Total.Add(row.Amount)
		res.Levels = append(res.Levels, row)
	}
	return res, nil
}
