package cycles

import (
	"context"
	"fmt"
	"sort"

	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/plan"
)

// ValidateRecords checks records produced outside the accountant (imports,
// migrations) before they are stored. Nothing is corrected: the first bad
// record rejects the batch with a *generic.CycleDataError.
//
// existing is the member history already stored; sequences in records must
// continue it without gaps. A record's ID must be RecordID of its member,
// matrix and level, and each (member, matrix, level) completion is recorded
// once, so an imported cycle is the same record Compute would derive.
func ValidateRecords(p *plan.Plan, existing, records []generic.CycleRecord) error {
	type key struct {
		member generic.MemberID
		level  int
	}
	type slot struct {
		member generic.MemberID
		matrix int
		level  int
	}
	next := make(map[key]int)
	ids := make(map[generic.CycleRecordID]bool)
	slots := make(map[slot]bool)
	for _, r := range existing {
		k := key{r.Member, r.Level}
		if r.Sequence >= next[k] {
			next[k] = r.Sequence + 1
		}
		ids[r.ID] = true
		slots[slot{r.Member, r.MatrixIndex, r.Level}] = true
	}

	sorted := append([]generic.CycleRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Member != sorted[j].Member {
			return sorted[i].Member < sorted[j].Member
		}
		if sorted[i].Level != sorted[j].Level {
			return sorted[i].Level < sorted[j].Level
		}
		return sorted[i].Sequence < sorted[j].Sequence
	})

	for _, r := range sorted {
		bad := func(format string, args ...any) error {
			return &generic.CycleDataError{Member: r.Member, Level: r.Level, Reason: fmt.Sprintf(format, args...)}
		}
		switch {
		case r.ID == "" || r.Member == "":
			return bad("record id and member are required")
		case ids[r.ID]:
			return bad("record %s listed twice", r.ID)
		case r.Level < 1 || r.Level > p.MaxDepth:
			return bad("level outside 1..%d", p.MaxDepth)
		case r.MatrixIndex < 0:
			return bad("negative matrix index %d", r.MatrixIndex)
		case r.People < 0:
			return bad("negative people count %d", r.People)
		case r.People != p.PeopleAt(r.Level):
			return bad("people %d, a level-%d cycle has %d", r.People, r.Level, p.PeopleAt(r.Level))
		case r.CompletedAt.IsZero():
			return bad("completion time is required")
		case r.ID != RecordID(r.Member, r.MatrixIndex, r.Level):
			return bad("id %s does not identify matrix %d level %d", r.ID, r.MatrixIndex, r.Level)
		case slots[slot{r.Member, r.MatrixIndex, r.Level}]:
			return bad("matrix %d level %d already recorded", r.MatrixIndex, r.Level)
		}

		k := key{r.Member, r.Level}
		want := next[k]
		if want == 0 {
			want = 1
		}
		if r.Sequence != want {
			return bad("sequence %d, expected %d", r.Sequence, want)
		}
		next[k] = want + 1
		ids[r.ID] = true
		slots[slot{r.Member, r.MatrixIndex, r.Level}] = true
	}
	return nil
}

// Import validates and stores records for one member.
func (a *Accountant) Import(ctx context.Context, member generic.MemberID, p *plan.Plan, records []generic.CycleRecord) error {
	lock := a.lockFor(member)
	lock.Lock()
	defer lock.Unlock()

	for _, r := range records {
		if r.Member != member {
			return &generic.CycleDataError{Member: r.Member, Level: r.Level,
				Reason: fmt.Sprintf("record belongs to another member than %s", member)}
		}
	}
	existing, err := a.records.Records(ctx, member)
	if err != nil {
		return fmt.Errorf("load cycle records for %s: %w", member, err)
	}
	if err := ValidateRecords(p, existing, records); err != nil {
		return err
	}
	if err := a.records.AppendRecords(ctx, records); err != nil {
		return fmt.Errorf("import cycle records for %s: %w", member, err)
	}
	a.logger.Info("cycle records imported", "member", member, "records", len(records))
	return nil
}
