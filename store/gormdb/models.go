package gormdb

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MemberRow mirrors network.Member.
type MemberRow struct {
	ID               string          `gorm:"column:id;primaryKey;type:varchar(64)"`
	Name             string          `gorm:"column:name;not null"`
	SponsorID        string          `gorm:"column:sponsor_id;type:varchar(64);index"`
	EnrolledAt       time.Time       `gorm:"column:enrolled_at;not null;index"`
	Status           string          `gorm:"column:status;type:varchar(20);not null;default:'pending'"`
	CumulativeCycles int             `gorm:"column:cumulative_cycles;not null;default:0"`
	GroupVolume      decimal.Decimal `gorm:"column:group_volume;type:numeric(20,2);not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (MemberRow) TableName() string { return "network_members" }

// MatrixRow records that an owner opened a matrix instance. Reentries
// exist before anyone is placed in them.
type MatrixRow struct {
	OwnerID     string    `gorm:"column:owner_id;primaryKey;type:varchar(64)"`
	MatrixIndex int       `gorm:"column:matrix_index;primaryKey;autoIncrement:false"`
	Width       int       `gorm:"column:width;not null"`
	MaxDepth    int       `gorm:"column:max_depth;not null"`
	OpenedAt    time.Time `gorm:"column:opened_at;not null"`
}

func (MatrixRow) TableName() string { return "network_matrices" }

// PlacementRow is one occupied position; rows are never updated.
type PlacementRow struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement"`
	OwnerID     string    `gorm:"column:owner_id;type:varchar(64);not null;uniqueIndex:idx_placement_slot,priority:1"`
	MatrixIndex int       `gorm:"column:matrix_index;not null;uniqueIndex:idx_placement_slot,priority:2"`
	Depth       int       `gorm:"column:depth;not null;uniqueIndex:idx_placement_slot,priority:3"`
	SlotIndex   int       `gorm:"column:slot_index;not null;uniqueIndex:idx_placement_slot,priority:4"`
	OccupantID  string    `gorm:"column:occupant_id;type:varchar(64);not null;index"`
	PlacedAt    time.Time `gorm:"column:placed_at;not null"`
}

func (PlacementRow) TableName() string { return "network_placements" }

// AutoMigrate creates or updates the network tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&MemberRow{}, &MatrixRow{}, &PlacementRow{})
}
