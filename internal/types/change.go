package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Change is one incoming repository change event. Rows are immutable after
// creation; Number gives the global arrival order used when linking changes
// to a sourcestamp.
type Change struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Number     uint64    `gorm:"column:number;not null;uniqueIndex" json:"number"`
	Branch     string    `gorm:"column:branch;index" json:"branch"`
	Revision   string    `gorm:"column:revision;not null" json:"revision"`
	Repository string    `gorm:"column:repository;index" json:"repository"`
	Project    string    `gorm:"column:project;index" json:"project"`
	Author     string    `gorm:"column:author" json:"author"`
	Comments   string    `gorm:"column:comments" json:"comments,omitempty"`
	WhenAt     time.Time `gorm:"column:when_at;not null" json:"when_at"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

func (Change) TableName() string { return "changes" }

func (c *Change) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// Patch is an optional diff applied on top of a sourcestamp's revision.
type Patch struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Level     int       `gorm:"column:level;not null;default:0" json:"level"`
	Body      string    `gorm:"column:body;not null" json:"body"`
	Subdir    string    `gorm:"column:subdir" json:"subdir,omitempty"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (Patch) TableName() string { return "patches" }

func (p *Patch) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
