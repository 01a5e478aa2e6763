package bonus

import (
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/plan"
)

// CyclePayout pays the matrix owner base × payout% for every completed
// level-1 cycle (R$108.00 of R$360.00 in the Sigma plan).
func CyclePayout(p *plan.Plan, records []generic.CycleRecord) []Credit {
	if p.CyclePayoutPercent.IsZero() {
		return nil
	}
	perCycle := p.Base().Pct(p.CyclePayoutPercent)

	var out []Credit
	for _, r := range records {
		if r.Level != 1 {
			continue
		}
		out = append(out, Credit{
			Record:  r.ID,
			Level:   r.Level,
			People:  r.People,
			Percent: p.CyclePayoutPercent,
			Amount:  perCycle,
		})
	}
	return out
}
