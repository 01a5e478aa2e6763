/*
Package generic provides the core primitives of the compensation engine.

PURPOSE:
  This package contains the domain-agnostic types shared by every bonus
  calculator: money amounts, identifiers, ledger entries and closing
  periods. Calculators produce values of these types, the aggregator
  turns them into ledger entries, and stores persist them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A monetary value with a currency unit (R$ by default)
  - LedgerEntry: An immutable credit attributable to one source event
  - BonusType: Which calculator produced a ledger entry
  - EntryStatus: Payout lifecycle (pending → released → paid)

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only appended
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing member/period IDs
  4. Reproducibility: Every entry names the plan version it was computed with

USAGE:
  perPerson := generic.NewAmount(0.84, generic.UnitBRL)
  entry := generic.LedgerEntry{
      Beneficiary: "m-100",
      Type:        generic.BonusDepth,
      Amount:      perPerson.MulInt(6),
  }

SEE ALSO:
  - ledger.go: Append-only ledger interface
  - period.go: Closing periods
  - errors.go: Sentinel and structured errors
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Monetary value with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitBRL Unit = "BRL"
)

// MoneyPlaces is the precision ledger amounts are rounded to when recorded.
const MoneyPlaces = 2

var hundred = decimal.NewFromInt(100)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromDecimal(value decimal.Decimal, unit Unit) Amount {
	return Amount{Value: value, Unit: unit}
}

func ZeroAmount(unit Unit) Amount {
	return Amount{Value: decimal.Zero, Unit: unit}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Percent returns value × pct / 100.
func Percent(value, pct decimal.Decimal) decimal.Decimal {
	return value.Mul(pct).Div(hundred)
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.Unit} }
func (a Amount) MulInt(n int64) Amount        { return a.Mul(decimal.NewFromInt(n)) }
func (a Amount) Pct(p decimal.Decimal) Amount { return Amount{Value: Percent(a.Value, p), Unit: a.Unit} }
func (a Amount) Round() Amount                { return Amount{Value: a.Value.Round(MoneyPlaces), Unit: a.Unit} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Unit == b.Unit && a.Value.Equal(b.Value) }
func (a Amount) String() string               { return fmt.Sprintf("%s %s", a.Unit, a.Value.StringFixed(MoneyPlaces)) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type EntryID string
type CycleRecordID string
type PlanVersion string

// =============================================================================
// LEDGER ENTRY - Immutable bonus credit
// =============================================================================

// BonusType identifies which calculator produced an entry.
type BonusType string

const (
	BonusDepth        BonusType = "depth"
	BonusFidelity     BonusType = "fidelity"
	BonusCareer       BonusType = "career"
	BonusTopRank      BonusType = "top_rank"
	BonusCompensation BonusType = "compensation" // cycle payout
)

// BonusTypes lists every bonus type in reporting order.
var BonusTypes = []BonusType{BonusCompensation, BonusDepth, BonusFidelity, BonusCareer, BonusTopRank}

func (t BonusType) Valid() bool {
	for _, bt := range BonusTypes {
		if bt == t {
			return true
		}
	}
	return false
}

// EntryStatus is driven by external payout processing.
type EntryStatus string

const (
	StatusPending  EntryStatus = "pending"
	StatusReleased EntryStatus = "released"
	StatusPaid     EntryStatus = "paid"
)

// CanTransition reports whether a payout status may move from → to.
// Only pending → released → paid is allowed.
func CanTransition(from, to EntryStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusReleased
	case StatusReleased:
		return to == StatusPaid
	default:
		return false
	}
}

// LedgerEntry is a monetary credit attributable to exactly one source:
// a cycle record (depth, fidelity, compensation), a career pin, or a
// rank period (top rank).
type LedgerEntry struct {
	ID             EntryID
	Beneficiary    MemberID
	Type           BonusType
	SourceRecordID CycleRecordID // empty for career and top-rank entries
	SourceRef      string        // pin code or rank period
	Period         PeriodID      // closing period the entry was credited in
	Level          int
	Percent        decimal.Decimal // percentage applied
	Amount         Amount
	Status         EntryStatus
	PlanVersion    PlanVersion
	IdempotencyKey string
	EffectiveAt    TimePoint
}
