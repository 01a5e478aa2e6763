/*
accounting.go - Cycle accounting over placement trees

PURPOSE:
  Determines, for a member, how many cycles have completed at each depth
  level. A level-N cycle of one matrix instance completes when every one
  of the width^N positions at depth N is occupied by an active member.

HISTORY, NOT LIVE STATE:
  Completions are turned into immutable CycleRecords the first time they
  are observed. Counts are read back from the record history, so a
  position vacated (or a member deactivated) after a cycle was counted
  never decrements anything:

    observed now:   matrix 0 level 1 complete, matrix 1 level 1 complete
    history:        matrix 0 level 1
    → append:       matrix 1 level 1 (seq 2)
    → count:        level 1 = 2

  Records are keyed by (member, matrix, level) and their IDs are derived
  from that key, so two accountants racing on the same member converge on
  the same history.

UNKNOWN VS ZERO:
  When the placement tree cannot be read, Compute returns a Summary with
  Known=false together with the error. Callers must not read it as zero.

SEE ALSO:
  - validate.go: Ingestion checks for externally produced records
  - network/types.go: Matrix layout
  - generic/store.go: RecordStore
*/
package cycles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/network"
	"github.com/rsprolipsi/sigma-engine/plan"
)

// =============================================================================
// SUMMARY
// =============================================================================

// LevelCount is the number of cycles completed at one depth level.
type LevelCount struct {
	Level     int   `json:"level"`
	Completed int   `json:"completed_cycles"`
	People    int64 `json:"people_completed"` // Σ qualifying people over those cycles
}

type Summary struct {
	Member generic.MemberID
	Known  bool
	Levels []LevelCount // one row per level 1..MaxDepth
	// Records is the member's full history, ordered by level then sequence.
	Records []generic.CycleRecord
	// MaxCompletedLevel is the deepest level with at least one cycle.
	MaxCompletedLevel int
}

// Cycles is the member's cycle count: completed level-1 fills.
func (s Summary) Cycles() int {
	return s.Completed(1)
}

func (s Summary) Completed(level int) int {
	for _, l := range s.Levels {
		if l.Level == level {
			return l.Completed
		}
	}
	return 0
}

// LastCompletion is the time of the most recent level-1 record.
func (s Summary) LastCompletion() generic.TimePoint {
	var last generic.TimePoint
	for _, r := range s.Records {
		if r.Level == 1 && r.CompletedAt.After(last) {
			last = r.CompletedAt
		}
	}
	return last
}

// =============================================================================
// ACCOUNTANT
// =============================================================================

type Accountant struct {
	repo    network.Repository
	records generic.RecordStore
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[generic.MemberID]*sync.Mutex
}

func NewAccountant(repo network.Repository, records generic.RecordStore, logger *slog.Logger) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accountant{
		repo:    repo,
		records: records,
		logger:  logger,
		locks:   make(map[generic.MemberID]*sync.Mutex),
	}
}

func (a *Accountant) lockFor(member generic.MemberID) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[member]
	if !ok {
		l = &sync.Mutex{}
		a.locks[member] = l
	}
	return l
}

// Compute observes the member's placement tree, records new completions
// and returns the counts per level.
func (a *Accountant) Compute(ctx context.Context, member generic.MemberID, p *plan.Plan) (Summary, error) {
	unknown := Summary{Member: member}

	lock := a.lockFor(member)
	lock.Lock()
	defer lock.Unlock()

	tree, err := a.repo.PlacementTree(ctx, member)
	if err != nil {
		if errors.Is(err, generic.ErrPlacementUnavailable) {
			a.logger.Warn("placement tree unavailable", "member", member, "error", err)
		}
		return unknown, err
	}

	history, err := a.records.Records(ctx, member)
	if err != nil {
		return unknown, fmt.Errorf("load cycle records for %s: %w", member, err)
	}

	observed, err := a.observe(ctx, member, tree, p)
	if err != nil {
		return unknown, err
	}

	fresh := newRecords(member, history, observed, p)
	if len(fresh) > 0 {
		if err := a.records.AppendRecords(ctx, fresh); err != nil {
			return unknown, fmt.Errorf("append cycle records for %s: %w", member, err)
		}
		a.logger.Info("cycles completed", "member", member, "new_records", len(fresh))

		history, err = a.records.Records(ctx, member)
		if err != nil {
			return unknown, fmt.Errorf("reload cycle records for %s: %w", member, err)
		}
	}

	return Summarize(member, history, p), nil
}

// Summarize builds the per-level view of a record history.
func Summarize(member generic.MemberID, history []generic.CycleRecord, p *plan.Plan) Summary {
	s := Summary{Member: member, Known: true, Records: history}
	s.Levels = make([]LevelCount, p.MaxDepth)
	for i := range s.Levels {
		s.Levels[i].Level = i + 1
	}
	for _, r := range history {
		if r.Level < 1 || r.Level > p.MaxDepth {
			continue
		}
		lc := &s.Levels[r.Level-1]
		lc.Completed++
		lc.People += r.People
		if r.Level > s.MaxCompletedLevel {
			s.MaxCompletedLevel = r.Level
		}
	}
	return s
}

// =============================================================================
// OBSERVATION
// =============================================================================

// completion is a filled depth seen in the live tree.
type completion struct {
	matrix int
	level  int
	at     time.Time // latest placement among the positions
}

func (a *Accountant) observe(ctx context.Context, owner generic.MemberID, tree *network.Tree, p *plan.Plan) ([]completion, error) {
	statuses := make(map[generic.MemberID]bool)
	active := func(id generic.MemberID) (bool, error) {
		if ok, seen := statuses[id]; seen {
			return ok, nil
		}
		st, err := a.repo.ActivationStatus(ctx, id)
		if err != nil {
			return false, fmt.Errorf("activation status of %s: %w", id, err)
		}
		statuses[id] = st == network.StatusActive
		return statuses[id], nil
	}

	var out []completion
	for _, m := range tree.Matrices {
		if m.Width != p.MatrixWidth {
			return nil, &generic.CycleDataError{Member: owner,
				Reason: fmt.Sprintf("matrix %d has width %d, plan expects %d", m.Index, m.Width, p.MatrixWidth)}
		}
		depths := p.MaxDepth
		if m.MaxDepth < depths {
			depths = m.MaxDepth
		}
		for level := 1; level <= depths; level++ {
			if m.FilledAt(level) < m.Capacity(level) {
				break
			}
			c := completion{matrix: m.Index, level: level}
			complete := true
			for slot, node := range m.Nodes {
				if slot.Depth != level {
					continue
				}
				ok, err := active(node.Occupant)
				if err != nil {
					return nil, err
				}
				if !ok {
					complete = false
					break
				}
				if node.PlacedAt.After(c.at) {
					c.at = node.PlacedAt
				}
			}
			if !complete {
				continue
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// recordNamespace seeds record IDs derived from (member, matrix, level).
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:sigma:cycle-record"))

// RecordID is the deterministic ID of a member's level completion in one matrix.
func RecordID(member generic.MemberID, matrix, level int) generic.CycleRecordID {
	key := fmt.Sprintf("%s:%d:%d", member, matrix, level)
	return generic.CycleRecordID(uuid.NewSHA1(recordNamespace, []byte(key)).String())
}

// newRecords turns completions absent from history into records,
// numbering them after the existing sequence at each level. A completion is
// known by its (matrix, level), whatever ID the stored record carries.
func newRecords(member generic.MemberID, history []generic.CycleRecord, observed []completion, p *plan.Plan) []generic.CycleRecord {
	type slot struct{ matrix, level int }
	known := make(map[slot]bool, len(history))
	nextSeq := make(map[int]int)
	for _, r := range history {
		known[slot{r.MatrixIndex, r.Level}] = true
		if r.Sequence >= nextSeq[r.Level] {
			nextSeq[r.Level] = r.Sequence + 1
		}
	}

	sort.Slice(observed, func(i, j int) bool {
		if observed[i].level != observed[j].level {
			return observed[i].level < observed[j].level
		}
		return observed[i].matrix < observed[j].matrix
	})

	var out []generic.CycleRecord
	for _, c := range observed {
		if known[slot{c.matrix, c.level}] {
			continue
		}
		if nextSeq[c.level] == 0 {
			nextSeq[c.level] = 1
		}
		out = append(out, generic.CycleRecord{
			ID:          RecordID(member, c.matrix, c.level),
			Member:      member,
			MatrixIndex: c.matrix,
			Level:       c.level,
			Sequence:    nextSeq[c.level],
			People:      p.PeopleAt(c.level),
			CompletedAt: generic.At(c.at),
		})
		nextSeq[c.level]++
	}
	return out
}
