package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Scheduler is one configured scheduler instance, keyed by (name, class).
// StateJSON is scheduler-private and opaque to the coordinator core.
type Scheduler struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string         `gorm:"column:name;not null;uniqueIndex:idx_scheduler_identity" json:"name"`
	ClassName string         `gorm:"column:class_name;not null;uniqueIndex:idx_scheduler_identity" json:"class_name"`
	StateJSON datatypes.JSON `gorm:"column:state_json" json:"state_json,omitempty"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

func (Scheduler) TableName() string { return "schedulers" }

func (s *Scheduler) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// SchedulerChange records that a scheduler has seen a change and whether it
// considered it important. Rows are a work queue: retired once consumed.
type SchedulerChange struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SchedulerID uuid.UUID `gorm:"type:uuid;column:scheduler_id;not null;uniqueIndex:idx_scheduler_change" json:"scheduler_id"`
	ChangeID    uuid.UUID `gorm:"type:uuid;column:change_id;not null;uniqueIndex:idx_scheduler_change" json:"change_id"`
	Important   bool      `gorm:"column:important;not null;default:false" json:"important"`
}

func (SchedulerChange) TableName() string { return "scheduler_changes" }

func (s *SchedulerChange) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// SchedulerUpstreamBuildset records that a scheduler is waiting on a
// buildset's completion. Active is cleared instead of deleting the row so
// the dependency history survives.
type SchedulerUpstreamBuildset struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	BuildsetID  uuid.UUID `gorm:"type:uuid;column:buildset_id;not null;uniqueIndex:idx_upstream_sub" json:"buildset_id"`
	SchedulerID uuid.UUID `gorm:"type:uuid;column:scheduler_id;not null;uniqueIndex:idx_upstream_sub" json:"scheduler_id"`
	Active      bool      `gorm:"column:active;not null;default:true;index" json:"active"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`
}

func (SchedulerUpstreamBuildset) TableName() string { return "scheduler_upstream_buildsets" }

func (s *SchedulerUpstreamBuildset) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
