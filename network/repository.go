package network

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rsprolipsi/sigma-engine/generic"
)

// =============================================================================
// REPOSITORY INTERFACES
// =============================================================================

// Repository is what the engine reads. Implementations must not return a
// partial tree: when the placement source cannot answer, PlacementTree
// returns an error wrapping generic.ErrPlacementUnavailable.
type Repository interface {
	Member(ctx context.Context, id generic.MemberID) (Member, error)
	Members(ctx context.Context) ([]Member, error)
	DirectRecruits(ctx context.Context, id generic.MemberID) ([]Member, error)
	PlacementTree(ctx context.Context, id generic.MemberID) (*Tree, error)
	ActivationStatus(ctx context.Context, id generic.MemberID) (Status, error)
}

// Writer is used by enrollment flows and demo scenarios.
type Writer interface {
	Enroll(ctx context.Context, m Member) error
	Place(ctx context.Context, owner, occupant generic.MemberID, at time.Time) (int, Slot, error)
	SetStatus(ctx context.Context, id generic.MemberID, status Status) error
	SetCumulativeCycles(ctx context.Context, id generic.MemberID, cycles int) error
}

// Store is a repository that can also be written.
type Store interface {
	Repository
	Writer
}

// =============================================================================
// LINE CYCLES - Per-line totals for career qualification
// =============================================================================

// LineCycles returns, for each direct recruit of id, the cumulative cycles
// of that recruit's whole sponsor subtree, strongest line first.
func LineCycles(ctx context.Context, repo Repository, id generic.MemberID) ([]int, error) {
	recruits, err := repo.DirectRecruits(ctx, id)
	if err != nil {
		return nil, err
	}
	lines := make([]int, 0, len(recruits))
	for _, r := range recruits {
		total, err := subtreeCycles(ctx, repo, r)
		if err != nil {
			return nil, err
		}
		lines = append(lines, total)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(lines)))
	return lines, nil
}

func subtreeCycles(ctx context.Context, repo Repository, root Member) (int, error) {
	total := 0
	queue := []Member{root}
	seen := map[generic.MemberID]bool{root.ID: true}
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		total += m.CumulativeCycles

		children, err := repo.DirectRecruits(ctx, m.ID)
		if err != nil {
			return 0, err
		}
		for _, c := range children {
			if !seen[c.ID] {
				seen[c.ID] = true
				queue = append(queue, c)
			}
		}
	}
	return total, nil
}

// =============================================================================
// MEMORY REPOSITORY - In-memory implementation (for testing/dev)
// =============================================================================

type MemoryRepository struct {
	mu       sync.RWMutex
	width    int
	maxDepth int
	members  map[generic.MemberID]Member
	order    []generic.MemberID
	trees    map[generic.MemberID]*Tree
}

func NewMemoryRepository(width, maxDepth int) *MemoryRepository {
	return &MemoryRepository{
		width:    width,
		maxDepth: maxDepth,
		members:  make(map[generic.MemberID]Member),
		trees:    make(map[generic.MemberID]*Tree),
	}
}

func (r *MemoryRepository) Enroll(_ context.Context, m Member) error {
	if m.ID == "" {
		return fmt.Errorf("enroll: member id is required")
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if !m.Status.Valid() {
		return fmt.Errorf("enroll %s: invalid status %q", m.ID, m.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.members[m.ID]; exists {
		return fmt.Errorf("enroll %s: %w", m.ID, generic.ErrMemberExists)
	}
	if m.SponsorID != "" {
		if _, ok := r.members[m.SponsorID]; !ok {
			return fmt.Errorf("enroll %s: sponsor %s: %w", m.ID, m.SponsorID, generic.ErrMemberNotFound)
		}
	}
	r.members[m.ID] = m
	r.order = append(r.order, m.ID)
	return nil
}

// Place puts occupant in owner's current matrix, opening a reentry matrix
// when the current one is full.
func (r *MemoryRepository) Place(_ context.Context, owner, occupant generic.MemberID, at time.Time) (int, Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[owner]; !ok {
		return 0, Slot{}, fmt.Errorf("place under %s: %w", owner, generic.ErrMemberNotFound)
	}
	if _, ok := r.members[occupant]; !ok {
		return 0, Slot{}, fmt.Errorf("place %s: %w", occupant, generic.ErrMemberNotFound)
	}

	tree := r.treeLocked(owner)
	current := tree.Matrices[len(tree.Matrices)-1]
	slot, ok := current.NextFree()
	if !ok {
		current = NewMatrix(len(tree.Matrices), r.width, r.maxDepth)
		tree.Matrices = append(tree.Matrices, current)
		slot = Slot{Depth: 1, Index: 0}
	}
	if err := current.Place(slot, occupant, at); err != nil {
		return 0, Slot{}, err
	}
	return current.Index, slot, nil
}

// Reenter opens a new matrix instance for owner.
func (r *MemoryRepository) Reenter(_ context.Context, owner generic.MemberID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[owner]; !ok {
		return 0, fmt.Errorf("reenter %s: %w", owner, generic.ErrMemberNotFound)
	}
	tree := r.treeLocked(owner)
	m := NewMatrix(len(tree.Matrices), r.width, r.maxDepth)
	tree.Matrices = append(tree.Matrices, m)
	return m.Index, nil
}

func (r *MemoryRepository) treeLocked(owner generic.MemberID) *Tree {
	tree, ok := r.trees[owner]
	if !ok {
		tree = &Tree{Owner: owner, Matrices: []*Matrix{NewMatrix(0, r.width, r.maxDepth)}}
		r.trees[owner] = tree
	}
	return tree
}

func (r *MemoryRepository) SetStatus(_ context.Context, id generic.MemberID, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("set status %s: invalid status %q", id, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return fmt.Errorf("set status %s: %w", id, generic.ErrMemberNotFound)
	}
	m.Status = status
	r.members[id] = m
	return nil
}

func (r *MemoryRepository) SetCumulativeCycles(_ context.Context, id generic.MemberID, cycles int) error {
	if cycles < 0 {
		return &generic.CycleDataError{Member: id, Reason: fmt.Sprintf("negative cumulative cycles %d", cycles)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return fmt.Errorf("set cycles %s: %w", id, generic.ErrMemberNotFound)
	}
	if cycles < m.CumulativeCycles {
		return &generic.CycleDataError{Member: id, Reason: fmt.Sprintf("cumulative cycles cannot decrease (%d → %d)", m.CumulativeCycles, cycles)}
	}
	m.CumulativeCycles = cycles
	r.members[id] = m
	return nil
}

func (r *MemoryRepository) Member(_ context.Context, id generic.MemberID) (Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[id]
	if !ok {
		return Member{}, fmt.Errorf("member %s: %w", id, generic.ErrMemberNotFound)
	}
	return m, nil
}

func (r *MemoryRepository) Members(_ context.Context) ([]Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Member, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id])
	}
	return out, nil
}

func (r *MemoryRepository) DirectRecruits(_ context.Context, id generic.MemberID) ([]Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.members[id]; !ok {
		return nil, fmt.Errorf("recruits of %s: %w", id, generic.ErrMemberNotFound)
	}
	var out []Member
	for _, mid := range r.order {
		if m := r.members[mid]; m.SponsorID == id {
			out = append(out, m)
		}
	}
	return out, nil
}

// PlacementTree returns a deep copy; callers own the snapshot.
func (r *MemoryRepository) PlacementTree(_ context.Context, id generic.MemberID) (*Tree, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.members[id]; !ok {
		return nil, fmt.Errorf("tree of %s: %w", id, generic.ErrMemberNotFound)
	}
	tree, ok := r.trees[id]
	if !ok {
		return &Tree{Owner: id, Matrices: []*Matrix{NewMatrix(0, r.width, r.maxDepth)}}, nil
	}
	out := &Tree{Owner: id, Matrices: make([]*Matrix, len(tree.Matrices))}
	for i, m := range tree.Matrices {
		cp := NewMatrix(m.Index, m.Width, m.MaxDepth)
		for slot, node := range m.Nodes {
			cp.Nodes[slot] = node
		}
		out.Matrices[i] = cp
	}
	return out, nil
}

func (r *MemoryRepository) ActivationStatus(_ context.Context, id generic.MemberID) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[id]
	if !ok {
		return "", fmt.Errorf("status of %s: %w", id, generic.ErrMemberNotFound)
	}
	return m.Status, nil
}
