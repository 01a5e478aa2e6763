/*
Package network is the member and placement repository of the engine.

PURPOSE:
  Supplies, for any member, their direct recruits (the sponsor tree) and
  their placement tree: the fixed-width matrices used for cycle counting.
  The sponsor tree and the placement tree are different structures. A
  recruit always sits under their sponsor in the sponsor tree, but may be
  placed deeper in someone's matrix by spillover.

PLACEMENT TREE:
  A member owns an ordered list of matrix instances. Index 0 is the
  entry matrix; each later index is an automatic reentry opened once the
  previous matrix could take no more placements. Every matrix is a
  width-ary tree (6 in the Sigma plan) whose positions are addressed as
  (depth, index), with depth 1..MaxDepth and index 0..width^depth-1:

                    owner
         ┌──────┬───┴──┬───── ... (6)
      (1,0)  (1,1)  (1,2)        depth 1: 6 positions
       │
    (2,0)..(2,5)                 depth 2: 36 positions, children of (1,0)

  The parent of (d, i) is (d-1, i/width), so no position can ever have
  more than width children. Positions are filled breadth-first and are
  never moved once assigned.

SEE ALSO:
  - repository.go: Repository interfaces and the in-memory implementation
  - cycles/accounting.go: Counts filled depths
  - store/gormdb: Relational repository
*/
package network

import (
	"fmt"
	"time"

	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMBER
// =============================================================================

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusPending  Status = "pending"
)

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive || s == StatusPending
}

// Member is never deleted, only deactivated.
type Member struct {
	ID               generic.MemberID `json:"id"`
	Name             string           `json:"name"`
	SponsorID        generic.MemberID `json:"sponsor_id,omitempty"`
	EnrolledAt       time.Time        `json:"enrolled_at"`
	Status           Status           `json:"status"`
	CumulativeCycles int              `json:"cumulative_cycles"`
	GroupVolume      decimal.Decimal  `json:"group_volume"`
}

// NetworkActive reports whether the member fills a placement position.
// Pending members have not completed activation and do not qualify.
func (m Member) NetworkActive() bool {
	return m.Status == StatusActive
}

// =============================================================================
// PLACEMENT TREE
// =============================================================================

// Slot addresses a position inside one matrix.
type Slot struct {
	Depth int `json:"depth"`
	Index int `json:"index"`
}

// Parent returns the slot above s; depth-1 slots hang from the owner.
func (s Slot) Parent(width int) (Slot, bool) {
	if s.Depth <= 1 {
		return Slot{}, false
	}
	return Slot{Depth: s.Depth - 1, Index: s.Index / width}, true
}

// Node is an occupied position.
type Node struct {
	Slot     Slot             `json:"slot"`
	Occupant generic.MemberID `json:"occupant"`
	PlacedAt time.Time        `json:"placed_at"`
}

// Matrix is one instance of a member's fixed-width tree.
type Matrix struct {
	Index    int           `json:"index"`
	Width    int           `json:"width"`
	MaxDepth int           `json:"max_depth"`
	Nodes    map[Slot]Node `json:"-"`
}

func NewMatrix(index, width, maxDepth int) *Matrix {
	return &Matrix{Index: index, Width: width, MaxDepth: maxDepth, Nodes: make(map[Slot]Node)}
}

// Capacity is the number of positions at a depth.
func (m *Matrix) Capacity(depth int) int {
	n := 1
	for i := 0; i < depth; i++ {
		n *= m.Width
	}
	return n
}

// OccupantsAt lists the members placed at a depth.
func (m *Matrix) OccupantsAt(depth int) []generic.MemberID {
	var out []generic.MemberID
	for slot, node := range m.Nodes {
		if slot.Depth == depth {
			out = append(out, node.Occupant)
		}
	}
	return out
}

// FilledAt counts occupied positions at a depth.
func (m *Matrix) FilledAt(depth int) int {
	n := 0
	for slot := range m.Nodes {
		if slot.Depth == depth {
			n++
		}
	}
	return n
}

// NextFree returns the first empty slot in breadth-first order whose parent
// is occupied, or false if the matrix is full down to MaxDepth.
func (m *Matrix) NextFree() (Slot, bool) {
	for depth := 1; depth <= m.MaxDepth; depth++ {
		capacity := m.Capacity(depth)
		if m.FilledAt(depth) == capacity {
			continue
		}
		for i := 0; i < capacity; i++ {
			slot := Slot{Depth: depth, Index: i}
			if _, taken := m.Nodes[slot]; taken {
				continue
			}
			if parent, ok := slot.Parent(m.Width); ok {
				if _, filled := m.Nodes[parent]; !filled {
					continue
				}
			}
			return slot, true
		}
	}
	return Slot{}, false
}

// Place assigns an occupant to a slot. Placement is immutable: a taken
// slot, a slot outside the matrix or an orphan slot are rejected.
func (m *Matrix) Place(slot Slot, occupant generic.MemberID, at time.Time) error {
	if slot.Depth < 1 || slot.Depth > m.MaxDepth || slot.Index < 0 || slot.Index >= m.Capacity(slot.Depth) {
		return &PlacementError{Slot: slot, Reason: "outside the matrix"}
	}
	if _, taken := m.Nodes[slot]; taken {
		return &PlacementError{Slot: slot, Reason: "already occupied"}
	}
	if parent, ok := slot.Parent(m.Width); ok {
		if _, filled := m.Nodes[parent]; !filled {
			return &PlacementError{Slot: slot, Reason: "parent position is empty"}
		}
	}
	m.Nodes[slot] = Node{Slot: slot, Occupant: occupant, PlacedAt: at}
	return nil
}

// Tree is a member's ordered list of matrix instances.
type Tree struct {
	Owner    generic.MemberID `json:"owner"`
	Matrices []*Matrix        `json:"matrices"`
}

// Occupants returns every distinct member placed anywhere in the tree.
func (t *Tree) Occupants() []generic.MemberID {
	seen := make(map[generic.MemberID]bool)
	var out []generic.MemberID
	for _, m := range t.Matrices {
		for _, n := range m.Nodes {
			if !seen[n.Occupant] {
				seen[n.Occupant] = true
				out = append(out, n.Occupant)
			}
		}
	}
	return out
}

// PlacementError is returned by Matrix.Place.
type PlacementError struct {
	Slot   Slot
	Reason string
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("placement (%d,%d): %s", e.Slot.Depth, e.Slot.Index, e.Reason)
}
