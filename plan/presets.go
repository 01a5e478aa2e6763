/*
presets.go - Built-in plan versions

PURPOSE:
  Provides ready-to-use plan configurations. Deployments usually start
  from SigmaCore and publish adjusted versions through plan files or the
  admin API.

AVAILABLE PLANS:
  SigmaCore:
    - Cycle value R$360.00, 30% cycle payout (R$108.00)
    - Depth pool 6.81% over levels 1-6 (7/8/10/15/25/35)
    - Fidelity pool 1.25%, cycle bands 1st, 2nd, 3rd-4th, 5th-7th,
      8th-10th, 11th+ (ceiling at level 5)
    - Top rank pool 4.5%, 12 ranked positions plus 3 tail positions
    - 14 career pins from Iniciante to Diamante Black with VMEC caps

PIN CODES:
  Codes are derived from the display name: accents stripped, lowercase,
  words joined by "-" ("Topázio" → "topazio", "Duplo Diamante" →
  "duplo-diamante"). Ledger idempotency keys use the code, so renaming a
  pin's display name never re-fires its reward.

SEE ALSO:
  - plan.go: Plan type and validation
  - loader.go: File-based plans
*/
package plan

import (
	"strings"
	"time"
	"unicode"

	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultVersion is the version published at startup when no plan file is given.
const DefaultVersion generic.PlanVersion = "sigma-2025.1"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Default returns the plan in force when nothing else is configured.
func Default() *Plan {
	return SigmaCore()
}

// SigmaCore is the production compensation plan.
func SigmaCore() *Plan {
	levels := []string{"7", "8", "10", "15", "25", "35"}
	depth := make([]LevelPercent, len(levels))
	for i, pct := range levels {
		depth[i] = LevelPercent{Level: i + 1, Percent: d(pct)}
	}

	ranks := []string{"20", "15", "12", "10", "8", "7", "6", "5", "4", "3", "2.5", "2"}
	rankTable := make([]RankPercent, len(ranks))
	for i, pct := range ranks {
		rankTable[i] = RankPercent{Rank: i + 1, Percent: d(pct)}
	}

	return &Plan{
		Version:            DefaultVersion,
		EffectiveFrom:      time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		Currency:           generic.UnitBRL,
		CycleBase:          d("360.00"),
		MatrixWidth:        6,
		MaxDepth:           8,
		CyclePayoutPercent: d("30"),
		Depth: DepthTable{
			PoolPercent: d("6.81"),
			Levels:      depth,
		},
		Fidelity: FidelityTable{
			PoolPercent: d("1.25"),
			Bands: []FidelityBand{
				{Level: 1, FromCycle: 1, ToCycle: 1, Percent: d("20")},
				{Level: 2, FromCycle: 2, ToCycle: 2, Percent: d("25")},
				{Level: 3, FromCycle: 3, ToCycle: 4, Percent: d("30")},
				{Level: 4, FromCycle: 5, ToCycle: 7, Percent: d("35")},
				{Level: 5, FromCycle: 8, ToCycle: 10, Percent: d("40")},
				{Level: 6, FromCycle: 11, ToCycle: 0, Percent: d("50")},
			},
			EligibilityCeiling: 5,
		},
		TopRank: TopRankTable{
			PoolPercent: d("4.5"),
			Ranks:       rankTable,
			TailRanks:   3,
			TailPercent: d("1.5"),
		},
		Career: CareerTable{Pins: sigmaPins()},
	}
}

func sigmaPins() []Pin {
	type row struct {
		name      string
		threshold int
		minLines  int
		vmec      string
		reward    string
	}
	rows := []row{
		{"Iniciante", 0, 0, "", "0"},
		{"Bronze", 5, 0, "", "13.50"},
		{"Prata", 15, 1, "100", "40.50"},
		{"Ouro", 70, 1, "100", "189.00"},
		{"Safira", 150, 2, "60/40", "405.00"},
		{"Esmeralda", 300, 2, "60/40", "810.00"},
		{"Topázio", 500, 2, "60/40", "1350.00"},
		{"Rubi", 750, 3, "50/30/20", "2025.00"},
		{"Diamante", 1500, 3, "50/30/20", "4050.00"},
		{"Duplo Diamante", 3000, 4, "40/30/20/10", "18450.00"},
		{"Triplo Diamante", 5000, 5, "35/25/20/10/10", "36450.00"},
		{"Diamante Red", 15000, 6, "30/20/18/12/10/10", "67500.00"},
		{"Diamante Blue", 25000, 6, "30/20/18/12/10/10", "105300.00"},
		{"Diamante Black", 50000, 6, "30/20/18/12/10/10", "135000.00"},
	}

	pins := make([]Pin, len(rows))
	for i, r := range rows {
		pins[i] = Pin{
			Code:      PinCode(r.name),
			Name:      r.name,
			Threshold: r.threshold,
			MinLines:  r.minLines,
			VMEC:      parseVMEC(r.vmec),
			Reward:    d(r.reward),
			Order:     i + 1,
		}
	}
	return pins
}

func parseVMEC(s string) []decimal.Decimal {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "/")
	out := make([]decimal.Decimal, len(parts))
	for i, p := range parts {
		out[i] = d(strings.TrimSpace(p))
	}
	return out
}

// PinCode derives the stable code of a pin from its display name.
func PinCode(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, name)
	if err != nil {
		plain = name
	}
	return strings.Join(strings.Fields(strings.ToLower(plain)), "-")
}
