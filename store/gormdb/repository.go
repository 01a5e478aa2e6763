/*
Package gormdb is the relational network repository.

PURPOSE:
  Persists members, matrix instances and placements with gorm so the
  engine can read a hosted network database (Postgres in production,
  SQLite for local runs and tests). It implements network.Store with the
  same rules as network.MemoryRepository:

    - placements fill breadth-first and are never moved or removed
    - a full matrix opens the next instance (reentry)
    - cumulative cycle counts never decrease

UNAVAILABILITY:
  A database error while reading a placement tree is reported as
  generic.ErrPlacementUnavailable. Callers render "unavailable", never
  zero cycles.

SEE ALSO:
  - network/repository.go: Interfaces and the in-memory implementation
  - models.go: Table definitions
*/
package gormdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/network"
	"gorm.io/gorm"
)

type Repository struct {
	db       *gorm.DB
	width    int
	maxDepth int
}

var _ network.Store = (*Repository)(nil)

// New migrates the network tables and returns a repository whose new
// matrices have the given shape.
func New(db *gorm.DB, width, maxDepth int) (*Repository, error) {
	if width < 1 || maxDepth < 1 {
		return nil, fmt.Errorf("gormdb: invalid matrix shape %dx%d", width, maxDepth)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("gormdb: migrate: %w", err)
	}
	return &Repository{db: db, width: width, maxDepth: maxDepth}, nil
}

// =============================================================================
// WRITER
// =============================================================================

func (r *Repository) Enroll(ctx context.Context, m network.Member) error {
	if m.ID == "" {
		return fmt.Errorf("enroll: member id is required")
	}
	if m.Status == "" {
		m.Status = network.StatusPending
	}
	if !m.Status.Valid() {
		return fmt.Errorf("enroll %s: invalid status %q", m.ID, m.Status)
	}
	if m.EnrolledAt.IsZero() {
		m.EnrolledAt = time.Now()
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&MemberRow{}).Where("id = ?", string(m.ID)).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("enroll %s: %w", m.ID, generic.ErrMemberExists)
		}
		if m.SponsorID != "" {
			if err := tx.Model(&MemberRow{}).Where("id = ?", string(m.SponsorID)).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("enroll %s: sponsor %s: %w", m.ID, m.SponsorID, generic.ErrMemberNotFound)
			}
		}
		row := toRow(m)
		return tx.Create(&row).Error
	})
}

// Place puts occupant in owner's latest matrix, opening a reentry matrix
// when that one is full.
func (r *Repository) Place(ctx context.Context, owner, occupant generic.MemberID, at time.Time) (int, network.Slot, error) {
	var (
		index int
		slot  network.Slot
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range []generic.MemberID{owner, occupant} {
			if err := exists(tx, id); err != nil {
				return fmt.Errorf("place %s under %s: %w", occupant, owner, err)
			}
		}

		tree, err := r.loadTree(tx, owner)
		if err != nil {
			return err
		}
		current := tree.Matrices[len(tree.Matrices)-1]
		next, ok := current.NextFree()
		if !ok {
			current = network.NewMatrix(current.Index+1, r.width, r.maxDepth)
			if err := tx.Create(&MatrixRow{
				OwnerID: string(owner), MatrixIndex: current.Index,
				Width: r.width, MaxDepth: r.maxDepth, OpenedAt: at.UTC(),
			}).Error; err != nil {
				return err
			}
			next = network.Slot{Depth: 1, Index: 0}
		}
		if err := current.Place(next, occupant, at); err != nil {
			return err
		}
		index, slot = current.Index, next
		return tx.Create(&PlacementRow{
			OwnerID:     string(owner),
			MatrixIndex: current.Index,
			Depth:       next.Depth,
			SlotIndex:   next.Index,
			OccupantID:  string(occupant),
			PlacedAt:    at.UTC(),
		}).Error
	})
	if err != nil {
		return 0, network.Slot{}, err
	}
	return index, slot, nil
}

// Reenter opens a new matrix instance for owner.
func (r *Repository) Reenter(ctx context.Context, owner generic.MemberID) (int, error) {
	var index int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := exists(tx, owner); err != nil {
			return fmt.Errorf("reenter %s: %w", owner, err)
		}
		tree, err := r.loadTree(tx, owner)
		if err != nil {
			return err
		}
		index = tree.Matrices[len(tree.Matrices)-1].Index + 1
		return tx.Create(&MatrixRow{
			OwnerID: string(owner), MatrixIndex: index,
			Width: r.width, MaxDepth: r.maxDepth, OpenedAt: time.Now().UTC(),
		}).Error
	})
	return index, err
}

func (r *Repository) SetStatus(ctx context.Context, id generic.MemberID, status network.Status) error {
	if !status.Valid() {
		return fmt.Errorf("set status %s: invalid status %q", id, status)
	}
	res := r.db.WithContext(ctx).Model(&MemberRow{}).Where("id = ?", string(id)).Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set status %s: %w", id, generic.ErrMemberNotFound)
	}
	return nil
}

func (r *Repository) SetCumulativeCycles(ctx context.Context, id generic.MemberID, cycles int) error {
	if cycles < 0 {
		return &generic.CycleDataError{Member: id, Reason: fmt.Sprintf("negative cumulative cycles %d", cycles)}
	}
	res := r.db.WithContext(ctx).Model(&MemberRow{}).
		Where("id = ? AND cumulative_cycles <= ?", string(id), cycles).
		Update("cumulative_cycles", cycles)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	m, err := r.Member(ctx, id)
	if err != nil {
		return fmt.Errorf("set cycles: %w", err)
	}
	return &generic.CycleDataError{Member: id,
		Reason: fmt.Sprintf("cumulative cycles cannot decrease (%d → %d)", m.CumulativeCycles, cycles)}
}

// =============================================================================
// REPOSITORY
// =============================================================================

func (r *Repository) Member(ctx context.Context, id generic.MemberID) (network.Member, error) {
	var row MemberRow
	err := r.db.WithContext(ctx).Where("id = ?", string(id)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return network.Member{}, fmt.Errorf("member %s: %w", id, generic.ErrMemberNotFound)
	}
	if err != nil {
		return network.Member{}, err
	}
	return fromRow(row), nil
}

func (r *Repository) Members(ctx context.Context) ([]network.Member, error) {
	var rows []MemberRow
	if err := r.db.WithContext(ctx).Order("enrolled_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

func (r *Repository) DirectRecruits(ctx context.Context, id generic.MemberID) ([]network.Member, error) {
	if err := exists(r.db.WithContext(ctx), id); err != nil {
		return nil, fmt.Errorf("recruits of %s: %w", id, err)
	}
	var rows []MemberRow
	err := r.db.WithContext(ctx).Where("sponsor_id = ?", string(id)).Order("enrolled_at ASC, id ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// PlacementTree reads every matrix instance of a member. Read failures
// other than an unknown member are reported as unavailable.
func (r *Repository) PlacementTree(ctx context.Context, id generic.MemberID) (*network.Tree, error) {
	db := r.db.WithContext(ctx)
	if err := exists(db, id); err != nil {
		if errors.Is(err, generic.ErrMemberNotFound) {
			return nil, fmt.Errorf("tree of %s: %w", id, err)
		}
		return nil, fmt.Errorf("tree of %s: %v: %w", id, err, generic.ErrPlacementUnavailable)
	}
	tree, err := r.loadTree(db, id)
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %v: %w", id, err, generic.ErrPlacementUnavailable)
	}
	return tree, nil
}

func (r *Repository) ActivationStatus(ctx context.Context, id generic.MemberID) (network.Status, error) {
	m, err := r.Member(ctx, id)
	if err != nil {
		return "", err
	}
	return m.Status, nil
}

func (r *Repository) loadTree(db *gorm.DB, owner generic.MemberID) (*network.Tree, error) {
	var matrices []MatrixRow
	if err := db.Where("owner_id = ?", string(owner)).Order("matrix_index ASC").Find(&matrices).Error; err != nil {
		return nil, err
	}
	var placements []PlacementRow
	if err := db.Where("owner_id = ?", string(owner)).Find(&placements).Error; err != nil {
		return nil, err
	}

	tree := &network.Tree{Owner: owner}
	byIndex := make(map[int]*network.Matrix)
	for _, m := range matrices {
		mx := network.NewMatrix(m.MatrixIndex, m.Width, m.MaxDepth)
		byIndex[m.MatrixIndex] = mx
		tree.Matrices = append(tree.Matrices, mx)
	}
	for _, p := range placements {
		mx, ok := byIndex[p.MatrixIndex]
		if !ok {
			// The first matrix is implicit until something opens a reentry.
			mx = network.NewMatrix(p.MatrixIndex, r.width, r.maxDepth)
			byIndex[p.MatrixIndex] = mx
			tree.Matrices = append(tree.Matrices, mx)
		}
		slot := network.Slot{Depth: p.Depth, Index: p.SlotIndex}
		mx.Nodes[slot] = network.Node{Slot: slot, Occupant: generic.MemberID(p.OccupantID), PlacedAt: p.PlacedAt.UTC()}
	}
	if _, ok := byIndex[0]; !ok {
		tree.Matrices = append(tree.Matrices, network.NewMatrix(0, r.width, r.maxDepth))
	}
	sortMatrices(tree.Matrices)
	return tree, nil
}

func sortMatrices(ms []*network.Matrix) {
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && ms[j].Index < ms[j-1].Index; j-- {
			ms[j], ms[j-1] = ms[j-1], ms[j]
		}
	}
}

func exists(db *gorm.DB, id generic.MemberID) error {
	var count int64
	if err := db.Model(&MemberRow{}).Where("id = ?", string(id)).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("member %s: %w", id, generic.ErrMemberNotFound)
	}
	return nil
}

// =============================================================================
// ROW CONVERSION
// =============================================================================

func toRow(m network.Member) MemberRow {
	return MemberRow{
		ID:               string(m.ID),
		Name:             m.Name,
		SponsorID:        string(m.SponsorID),
		EnrolledAt:       m.EnrolledAt.UTC(),
		Status:           string(m.Status),
		CumulativeCycles: m.CumulativeCycles,
		GroupVolume:      m.GroupVolume,
	}
}

func fromRow(row MemberRow) network.Member {
	return network.Member{
		ID:               generic.MemberID(row.ID),
		Name:             row.Name,
		SponsorID:        generic.MemberID(row.SponsorID),
		EnrolledAt:       row.EnrolledAt.UTC(),
		Status:           network.Status(row.Status),
		CumulativeCycles: row.CumulativeCycles,
		GroupVolume:      row.GroupVolume,
	}
}

func fromRows(rows []MemberRow) []network.Member {
	out := make([]network.Member, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out
}
