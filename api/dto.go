/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the back-office API. These types keep
  the engine's domain types (decimal amounts, TimePoints, plan snapshots)
  out of the wire contract.

NAMING CONVENTION:
  - *DTO:      Response types returned to clients
  - *Request:  Request body types from clients
  - *Response: Wrappers (errors, unavailable)

MONEY:
  Every amount is a MoneyDTO: "amount" is a plain decimal string with two
  places for machines, "display" is the pt-BR rendering for people.

UNAVAILABLE:
  A calculation that could not read the placement tree answers with
  {"status": "unavailable"} and never with zeros. Cycle counts are
  pointers so an unknown count is null, not 0.

SEE ALSO:
  - handlers.go: Uses these types
  - present.go: Locale formatting
*/
package api

import (
	"time"

	"github.com/rsprolipsi/sigma-engine/bonus"
	"github.com/rsprolipsi/sigma-engine/compensation"
	"github.com/rsprolipsi/sigma-engine/cycles"
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/network"
	"github.com/rsprolipsi/sigma-engine/plan"
)

// =============================================================================
// COMMON
// =============================================================================

type MoneyDTO struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Display  string `json:"display"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// UnavailableResponse is returned with 503 when the placement tree could
// not be read.
type UnavailableResponse struct {
	Status  string `json:"status"`
	Member  string `json:"member_id,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// MEMBERS
// =============================================================================

type MemberDTO struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	SponsorID        string    `json:"sponsor_id,omitempty"`
	EnrolledAt       time.Time `json:"enrolled_at"`
	Status           string    `json:"status"`
	CumulativeCycles int       `json:"cumulative_cycles"`
	GroupVolume      string    `json:"group_volume"`
}

type EnrollRequest struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	SponsorID        string     `json:"sponsor_id"`
	Status           string     `json:"status"`
	EnrolledAt       *time.Time `json:"enrolled_at,omitempty"`
	CumulativeCycles int        `json:"cumulative_cycles"`
}

type PlaceRequest struct {
	OccupantID string     `json:"occupant_id"`
	PlacedAt   *time.Time `json:"placed_at,omitempty"`
}

type PlacementDTO struct {
	Owner    string `json:"owner_id"`
	Occupant string `json:"occupant_id"`
	Matrix   int    `json:"matrix_index"`
	Depth    int    `json:"depth"`
	Index    int    `json:"index"`
}

// =============================================================================
// CYCLES
// =============================================================================

type CycleRecordDTO struct {
	ID          string    `json:"id"`
	MatrixIndex int       `json:"matrix_index"`
	Level       int       `json:"level"`
	Sequence    int       `json:"sequence"`
	People      int64     `json:"people"`
	CompletedAt time.Time `json:"completed_at"`
}

type CyclesDTO struct {
	MemberID          string              `json:"member_id"`
	Status            string              `json:"status"`
	Cycles            *int                `json:"cycles"`
	MaxCompletedLevel int                 `json:"max_completed_level"`
	Levels            []cycles.LevelCount `json:"levels"`
	Records           []CycleRecordDTO    `json:"records"`
}

// ImportCyclesRequest carries cycle records produced outside the engine,
// for example by a legacy placement system.
type ImportCyclesRequest struct {
	Records []CycleRecordDTO `json:"records"`
}

// =============================================================================
// BONUSES
// =============================================================================

type DepthLevelDTO struct {
	Level           int      `json:"level"`
	Percent         string   `json:"percent"`
	PerPerson       MoneyDTO `json:"per_person"`
	Cycles          int      `json:"cycles"`
	PeopleCompleted int64    `json:"people_completed"`
	Amount          MoneyDTO `json:"amount"`
}

type DepthBonusDTO struct {
	MemberID string          `json:"member_id"`
	Levels   []DepthLevelDTO `json:"levels"`
	Total    MoneyDTO        `json:"total"`
}

type FidelityLevelDTO struct {
	Level           int      `json:"level"`
	Band            string   `json:"band"`
	Percent         string   `json:"percent"`
	PerPerson       MoneyDTO `json:"per_person"`
	Eligible        bool     `json:"eligible"`
	PeopleCompleted int64    `json:"people_completed"`
	Amount          MoneyDTO `json:"amount"`
}

type FidelityBonusDTO struct {
	MemberID          string             `json:"member_id"`
	MaxCompletedLevel int                `json:"max_completed_level"`
	Levels            []FidelityLevelDTO `json:"levels"`
	Total             MoneyDTO           `json:"total"`
}

type PinDTO struct {
	Code      string   `json:"code"`
	Name      string   `json:"name"`
	Threshold int      `json:"threshold"`
	Reward    MoneyDTO `json:"reward"`
}

type CareerDTO struct {
	MemberID  string   `json:"member_id"`
	Cycles    int      `json:"cycles"`
	Qualified bool     `json:"qualified"`
	Current   PinDTO   `json:"current_pin"`
	Next      PinDTO   `json:"next_pin"`
	Counted   int      `json:"counted_cycles"`
	Progress  string   `json:"progress_percent"`
	AtCeiling bool     `json:"at_ceiling"`
	Reached   []string `json:"reached"`
}

type RankRowDTO struct {
	MemberID string   `json:"member_id"`
	Cycles   int      `json:"cycles"`
	Rank     int      `json:"rank"`
	Ranked   bool     `json:"ranked"`
	Percent  string   `json:"percent"`
	Amount   MoneyDTO `json:"amount"`
}

type TopRankDTO struct {
	Period      string       `json:"period"`
	TotalCycles int          `json:"total_cycles"`
	Pool        MoneyDTO     `json:"pool"`
	Rows        []RankRowDTO `json:"rows"`
}

// =============================================================================
// STATEMENT AND LEDGER
// =============================================================================

type ComponentDTO struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type StatementDTO struct {
	MemberID    string              `json:"member_id"`
	Period      string              `json:"period"`
	PlanVersion string              `json:"plan_version"`
	Partial     bool                `json:"partial"`
	Components  []ComponentDTO      `json:"components"`
	Cycles      *int                `json:"cycles"`
	Depth       *DepthBonusDTO      `json:"depth,omitempty"`
	Fidelity    *FidelityBonusDTO   `json:"fidelity,omitempty"`
	Career      *CareerDTO          `json:"career,omitempty"`
	Entries     []LedgerEntryDTO    `json:"entries"`
	ByType      map[string]MoneyDTO `json:"by_type"`
	Total       MoneyDTO            `json:"total"`
}

type LedgerEntryDTO struct {
	ID             string    `json:"id"`
	Beneficiary    string    `json:"beneficiary_id"`
	Type           string    `json:"type"`
	SourceRecordID string    `json:"source_record_id,omitempty"`
	SourceRef      string    `json:"source_ref,omitempty"`
	Period         string    `json:"period"`
	Level          int       `json:"level,omitempty"`
	Percent        string    `json:"percent"`
	Amount         MoneyDTO  `json:"amount"`
	Status         string    `json:"status"`
	PlanVersion    string    `json:"plan_version"`
	IdempotencyKey string    `json:"idempotency_key"`
	EffectiveAt    time.Time `json:"effective_at"`
}

type LedgerDTO struct {
	MemberID string           `json:"member_id"`
	Entries  []LedgerEntryDTO `json:"entries"`
	Total    MoneyDTO         `json:"total"`
}

type TransitionRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// CLOSING
// =============================================================================

type ClosingRunDTO struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	MemberID    string    `json:"member_id,omitempty"`
	Period      string    `json:"period"`
	PlanVersion string    `json:"plan_version"`
	Status      string    `json:"status"`
	Entries     int       `json:"entries"`
	Total       string    `json:"total"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

type CloseMemberDTO struct {
	Run     ClosingRunDTO    `json:"run"`
	Entries []LedgerEntryDTO `json:"entries"`
}

type ClosePeriodDTO struct {
	Period  string            `json:"period"`
	Closed  []string          `json:"closed"`
	Skipped []string          `json:"skipped"`
	Failed  map[string]string `json:"failed"`
	TopRank *ClosingRunDTO    `json:"top_rank,omitempty"`
}

// =============================================================================
// PLANS AND SCENARIOS
// =============================================================================

type PlanSummaryDTO struct {
	Version       string    `json:"version"`
	EffectiveFrom time.Time `json:"effective_from"`
	Currency      string    `json:"currency"`
	CycleBase     MoneyDTO  `json:"cycle_base"`
	MatrixWidth   int       `json:"matrix_width"`
	MaxDepth      int       `json:"max_depth"`
	Pins          int       `json:"pins"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func toMemberDTO(m network.Member) MemberDTO {
	return MemberDTO{
		ID:               string(m.ID),
		Name:             m.Name,
		SponsorID:        string(m.SponsorID),
		EnrolledAt:       m.EnrolledAt,
		Status:           string(m.Status),
		CumulativeCycles: m.CumulativeCycles,
		GroupVolume:      m.GroupVolume.StringFixed(generic.MoneyPlaces),
	}
}

func toCycleRecordDTOs(records []generic.CycleRecord) []CycleRecordDTO {
	out := make([]CycleRecordDTO, 0, len(records))
	for _, r := range records {
		out = append(out, CycleRecordDTO{
			ID:          string(r.ID),
			MatrixIndex: r.MatrixIndex,
			Level:       r.Level,
			Sequence:    r.Sequence,
			People:      r.People,
			CompletedAt: r.CompletedAt.Time,
		})
	}
	return out
}

func fromCycleRecordDTOs(member generic.MemberID, records []CycleRecordDTO) []generic.CycleRecord {
	out := make([]generic.CycleRecord, 0, len(records))
	for _, r := range records {
		id := generic.CycleRecordID(r.ID)
		if id == "" {
			id = cycles.RecordID(member, r.MatrixIndex, r.Level)
		}
		out = append(out, generic.CycleRecord{
			ID:          id,
			Member:      member,
			MatrixIndex: r.MatrixIndex,
			Level:       r.Level,
			Sequence:    r.Sequence,
			People:      r.People,
			CompletedAt: generic.At(r.CompletedAt),
		})
	}
	return out
}

func toCyclesDTO(s cycles.Summary) CyclesDTO {
	dto := CyclesDTO{
		MemberID: string(s.Member),
		Status:   "ok",
		Levels:   s.Levels,
		Records:  toCycleRecordDTOs(s.Records),
	}
	if !s.Known {
		dto.Status = "unavailable"
		return dto
	}
	n := s.Cycles()
	dto.Cycles = &n
	dto.MaxCompletedLevel = s.MaxCompletedLevel
	return dto
}

func (p *Presenter) depthDTO(member generic.MemberID, r bonus.DepthResult) DepthBonusDTO {
	dto := DepthBonusDTO{MemberID: string(member), Total: p.Money(r.Total)}
	for _, l := range r.Levels {
		dto.Levels = append(dto.Levels, DepthLevelDTO{
			Level:           l.Level,
			Percent:         p.Percent(l.Percent),
			PerPerson:       p.Money(l.PerPerson),
			Cycles:          l.Cycles,
			PeopleCompleted: l.PeopleCompleted,
			Amount:          p.Money(l.Amount),
		})
	}
	return dto
}

func (p *Presenter) fidelityDTO(member generic.MemberID, r bonus.FidelityResult) FidelityBonusDTO {
	dto := FidelityBonusDTO{
		MemberID:          string(member),
		MaxCompletedLevel: r.MaxCompletedLevel,
		Total:             p.Money(r.Total),
	}
	for _, l := range r.Levels {
		dto.Levels = append(dto.Levels, FidelityLevelDTO{
			Level:           l.Level,
			Band:            l.Band,
			Percent:         p.Percent(l.Percent),
			PerPerson:       p.Money(l.PerPerson),
			Eligible:        l.Eligible,
			PeopleCompleted: l.PeopleCompleted,
			Amount:          p.Money(l.Amount),
		})
	}
	return dto
}

func (p *Presenter) pinDTO(pin plan.Pin, unit generic.Unit) PinDTO {
	return PinDTO{
		Code:      pin.Code,
		Name:      pin.Name,
		Threshold: pin.Threshold,
		Reward:    p.Money(generic.NewAmountFromDecimal(pin.Reward, unit)),
	}
}

func (p *Presenter) careerDTO(member generic.MemberID, c bonus.CareerStatus, unit generic.Unit) CareerDTO {
	dto := CareerDTO{
		MemberID:  string(member),
		Cycles:    c.Cycles,
		Qualified: c.Qualified,
		Current:   p.pinDTO(c.Current, unit),
		Next:      p.pinDTO(c.Next, unit),
		Counted:   c.Counted,
		Progress:  c.Progress.StringFixed(2),
		AtCeiling: c.AtCeiling,
		Reached:   make([]string, 0, len(c.Reached)),
	}
	for _, pin := range c.Reached {
		dto.Reached = append(dto.Reached, pin.Code)
	}
	return dto
}

func (p *Presenter) topRankDTO(r bonus.TopRankResult) TopRankDTO {
	dto := TopRankDTO{
		Period:      string(r.Period),
		TotalCycles: r.TotalCycles,
		Pool:        p.Money(r.Pool),
		Rows:        make([]RankRowDTO, 0, len(r.Rows)),
	}
	for _, row := range r.Rows {
		dto.Rows = append(dto.Rows, RankRowDTO{
			MemberID: string(row.Member),
			Cycles:   row.Cycles,
			Rank:     row.Rank,
			Ranked:   row.Ranked,
			Percent:  p.Percent(row.Percent),
			Amount:   p.Money(row.Amount),
		})
	}
	return dto
}

func (p *Presenter) entryDTOs(entries []generic.LedgerEntry) []LedgerEntryDTO {
	out := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerEntryDTO{
			ID:             string(e.ID),
			Beneficiary:    string(e.Beneficiary),
			Type:           string(e.Type),
			SourceRecordID: string(e.SourceRecordID),
			SourceRef:      e.SourceRef,
			Period:         string(e.Period),
			Level:          e.Level,
			Percent:        p.Percent(e.Percent),
			Amount:         p.Money(e.Amount),
			Status:         string(e.Status),
			PlanVersion:    string(e.PlanVersion),
			IdempotencyKey: e.IdempotencyKey,
			EffectiveAt:    e.EffectiveAt.Time,
		})
	}
	return out
}

func (p *Presenter) statementDTO(st *compensation.Statement, unit generic.Unit) StatementDTO {
	dto := StatementDTO{
		MemberID:    string(st.Member),
		Period:      string(st.Period),
		PlanVersion: string(st.PlanVersion),
		Partial:     st.Partial(),
		Entries:     p.entryDTOs(st.Entries),
		ByType:      make(map[string]MoneyDTO),
		Total:       p.Money(st.Total),
	}
	for _, c := range st.Components {
		dto.Components = append(dto.Components, ComponentDTO{Name: c.Name, Status: string(c.Status), Error: c.Error})
	}
	if st.Cycles != nil && st.Cycles.Known {
		n := st.Cycles.Cycles()
		dto.Cycles = &n
	}
	if st.Depth != nil {
		d := p.depthDTO(st.Member, *st.Depth)
		dto.Depth = &d
	}
	if st.Fidelity != nil {
		f := p.fidelityDTO(st.Member, *st.Fidelity)
		dto.Fidelity = &f
	}
	if st.Career != nil {
		c := p.careerDTO(st.Member, *st.Career, unit)
		dto.Career = &c
	}
	for t, v := range generic.SumByType(st.Entries) {
		dto.ByType[string(t)] = p.Money(generic.NewAmountFromDecimal(v, unit))
	}
	return dto
}

func toRunDTO(r generic.ClosingRun) ClosingRunDTO {
	return ClosingRunDTO{
		ID:          r.ID,
		Kind:        string(r.Kind),
		MemberID:    string(r.Member),
		Period:      string(r.Period),
		PlanVersion: string(r.PlanVersion),
		Status:      string(r.Status),
		Entries:     r.Entries,
		Total:       r.Total.StringFixed(generic.MoneyPlaces),
		Error:       r.Error,
		StartedAt:   r.StartedAt.Time,
		CompletedAt: r.CompletedAt.Time,
	}
}

func toClosePeriodDTO(res *compensation.PeriodResult) ClosePeriodDTO {
	dto := ClosePeriodDTO{
		Period:  string(res.Period),
		Closed:  make([]string, 0, len(res.Closed)),
		Skipped: make([]string, 0, len(res.Skipped)),
		Failed:  make(map[string]string, len(res.Failed)),
	}
	for _, m := range res.Closed {
		dto.Closed = append(dto.Closed, string(m))
	}
	for _, m := range res.Skipped {
		dto.Skipped = append(dto.Skipped, string(m))
	}
	for m, msg := range res.Failed {
		dto.Failed[string(m)] = msg
	}
	if res.TopRank != nil {
		run := toRunDTO(*res.TopRank)
		dto.TopRank = &run
	}
	return dto
}

func (p *Presenter) planSummary(pl *plan.Plan) PlanSummaryDTO {
	return PlanSummaryDTO{
		Version:       string(pl.Version),
		EffectiveFrom: pl.EffectiveFrom,
		Currency:      string(pl.Currency),
		CycleBase:     p.Money(pl.Base()),
		MatrixWidth:   pl.MatrixWidth,
		MaxDepth:      pl.MaxDepth,
		Pins:          len(pl.Career.Pins),
	}
}
