package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BuildRequest is one claimable unit of work: a single builder's share of a
// buildset. Lifecycle: unclaimed -> claimed -> complete, with claimed ->
// unclaimed as the only backward edge (crash recovery or explicit release).
type BuildRequest struct {
	ID                   uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	BuildsetID           uuid.UUID  `gorm:"type:uuid;column:buildset_id;not null;index" json:"buildset_id"`
	BuilderName          string     `gorm:"column:builder_name;not null;index" json:"builder_name"`
	Priority             int        `gorm:"column:priority;not null;default:0;index" json:"priority"`
	SubmittedAt          time.Time  `gorm:"column:submitted_at;not null;index" json:"submitted_at"`
	ClaimedAt            *time.Time `gorm:"column:claimed_at;index" json:"claimed_at,omitempty"`
	ClaimedByName        *string    `gorm:"column:claimed_by_name;index" json:"claimed_by_name,omitempty"`
	ClaimedByIncarnation *string    `gorm:"column:claimed_by_incarnation" json:"claimed_by_incarnation,omitempty"`
	Complete             bool       `gorm:"column:complete;not null;default:false;index" json:"complete"`
	CompleteAt           *time.Time `gorm:"column:complete_at" json:"complete_at,omitempty"`
	Results              Results    `gorm:"column:results;not null;default:-1" json:"results"`
	CreatedAt            time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"not null" json:"updated_at"`
}

func (BuildRequest) TableName() string { return "buildrequests" }

func (b *BuildRequest) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// Claimed reports whether the request currently carries a claim.
func (b *BuildRequest) Claimed() bool {
	return b.ClaimedAt != nil
}

// ClaimedBy reports whether the request is claimed by exactly this master.
func (b *BuildRequest) ClaimedBy(owner MasterRef) bool {
	return b.ClaimedAt != nil &&
		b.ClaimedByName != nil && *b.ClaimedByName == owner.Name &&
		b.ClaimedByIncarnation != nil && *b.ClaimedByIncarnation == owner.Incarnation
}

// MasterRef identifies one process lifetime of a named master. Incarnation
// changes on every restart so stale claims from a dead predecessor are
// distinguishable from the live process's own.
type MasterRef struct {
	Name        string
	Incarnation string
}

// NewMasterRef mints the identity for this process lifetime.
func NewMasterRef(name string) MasterRef {
	return MasterRef{Name: name, Incarnation: uuid.NewString()}
}
