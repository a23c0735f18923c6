package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Buildset is one batch of build work fanned out from a single sourcestamp.
// Complete flips false to true exactly once; Results is only meaningful once
// Complete is set.
type Buildset struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	SourceStampID uuid.UUID  `gorm:"type:uuid;column:sourcestamp_id;not null;index" json:"sourcestamp_id"`
	Reason        string     `gorm:"column:reason;not null" json:"reason"`
	ExternalID    string     `gorm:"column:external_id;index" json:"external_id,omitempty"`
	SubmittedAt   time.Time  `gorm:"column:submitted_at;not null;index" json:"submitted_at"`
	Complete      bool       `gorm:"column:complete;not null;default:false;index" json:"complete"`
	CompleteAt    *time.Time `gorm:"column:complete_at" json:"complete_at,omitempty"`
	Results       Results    `gorm:"column:results;not null;default:-1" json:"results"`
	CreatedAt     time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"not null" json:"updated_at"`
}

func (Buildset) TableName() string { return "buildsets" }

func (b *Buildset) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// BuildsetProperty is one named property attached to a buildset. ValueJSON
// encodes the (value, source) pair.
type BuildsetProperty struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	BuildsetID uuid.UUID      `gorm:"type:uuid;column:buildset_id;not null;uniqueIndex:idx_buildset_prop" json:"buildset_id"`
	Name       string         `gorm:"column:name;not null;uniqueIndex:idx_buildset_prop" json:"name"`
	ValueJSON  datatypes.JSON `gorm:"column:value_json;not null" json:"value_json"`
}

func (BuildsetProperty) TableName() string { return "buildset_properties" }

func (p *BuildsetProperty) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// PropertyValue is the decoded form of a buildset property: an arbitrary
// value plus the name of the layer that supplied it.
type PropertyValue struct {
	Value  any    `json:"value"`
	Source string `json:"source"`
}
