package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SourceStamp describes what to build: a revision on a branch of a
// repository, optionally with a patch and the changes that produced it.
// Rows are immutable after creation.
type SourceStamp struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Branch     string     `gorm:"column:branch;index" json:"branch"`
	Revision   string     `gorm:"column:revision;not null" json:"revision"`
	Repository string     `gorm:"column:repository;index" json:"repository"`
	Project    string     `gorm:"column:project;index" json:"project"`
	PatchID    *uuid.UUID `gorm:"type:uuid;column:patch_id;index" json:"patch_id,omitempty"`
	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
}

func (SourceStamp) TableName() string { return "sourcestamps" }

func (s *SourceStamp) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// SourceStampChange links a sourcestamp to one originating change.
// ChangeNumber is denormalized so the link order survives without a join.
type SourceStampChange struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SourceStampID uuid.UUID `gorm:"type:uuid;column:sourcestamp_id;not null;uniqueIndex:idx_ss_change" json:"sourcestamp_id"`
	ChangeID      uuid.UUID `gorm:"type:uuid;column:change_id;not null;uniqueIndex:idx_ss_change" json:"change_id"`
	ChangeNumber  uint64    `gorm:"column:change_number;not null;index" json:"change_number"`
}

func (SourceStampChange) TableName() string { return "sourcestamp_changes" }

func (s *SourceStampChange) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
