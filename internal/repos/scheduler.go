package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/types"
)

// SubscribedBuildset is one row of a scheduler's upstream-completion poll:
// the buildset it is waiting on plus that buildset's current completion
// state.
type SubscribedBuildset struct {
	BuildsetID    uuid.UUID
	SourceStampID uuid.UUID
	Complete      bool
	Results       types.Results
}

// SchedulerRepo persists per-scheduler rows: identity, opaque private state,
// the change-classification work queue, and upstream-buildset subscriptions.
type SchedulerRepo interface {
	// GetOrCreate returns the scheduler row keyed by (name, className),
	// creating it on first use.
	GetOrCreate(ctx context.Context, tx *gorm.DB, name, className string) (*types.Scheduler, error)

	GetState(ctx context.Context, tx *gorm.DB, schedulerID uuid.UUID) (datatypes.JSON, error)
	SetState(ctx context.Context, tx *gorm.DB, schedulerID uuid.UUID, state datatypes.JSON) error

	// Classify upserts classification rows; reclassifying the same change
	// later wins.
	Classify(ctx context.Context, tx *gorm.DB, schedulerID uuid.UUID, classifications map[uuid.UUID]bool) error

	// GetClassifications returns the stored (change id -> important) map.
	GetClassifications(ctx context.Context, tx *gorm.DB, schedulerID uuid.UUID) (map[uuid.UUID]bool, error)

	// Retire deletes classification rows once the scheduler has acted on
	// them. Classification is a work queue, not a log.
	Retire(ctx context.Context, tx *gorm.DB, schedulerID uuid.UUID, changeIDs []uuid.UUID) error

	// Subscribe records that the scheduler is waiting on the buildset's
	// completion; re-subscribing reactivates a retired subscription.
	Subscribe(ctx context.Context, tx *gorm.DB, schedulerID, buildsetID uuid.UUID) error

	// Unsubscribe retires the subscription without deleting its history.
	Unsubscribe(ctx context.Context, tx *gorm.DB, schedulerID, buildsetID uuid.UUID) error

	// GetSubscribed returns the completion state of every buildset the
	// scheduler still actively waits on.
	GetSubscribed(ctx context.Context, tx *gorm.DB, schedulerID uuid.UUID) ([]*SubscribedBuildset, error)
}

type schedulerRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSchedulerRepo(db *gorm.DB, baseLog *logger.Logger) SchedulerRepo {
	return &schedulerRepo{db: db, log: baseLog.With("repo", "SchedulerRepo")}
}

func (r *schedulerRepo) GetOrCreate(ctx context.Context, tx *gorm.DB, name, className string) (*types.Scheduler, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	scheduler := types.Scheduler{Name: name, ClassName: className}
	if err := transaction.WithContext(ctx).
		Where("name = ? AND class_name = ?", name, className).
		FirstOrCreate(&scheduler).Error; err != nil {
		return nil, err
	}
	return &scheduler, nil
}

func (r *schedulerRepo) GetState(ctx context.Context, tx *gorm.DB, schedulerID uuid.UUID) (datatypes.JSON, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var scheduler types.Scheduler
	if err := transaction.WithContext(ctx).First(&scheduler, "id = ?", schedulerID).Error; err != nil {
		return nil, err
	}
	return scheduler.StateJSON, nil
}

func (r *schedulerRepo) SetState(ctx context.Context, tx *gorm.DB, schedulerID uuid.UUID, state datatypes.JSON) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.Scheduler{}).
		Where("id = ?", schedulerID).
		Updates(map[string]interface{}{
			"state_json": state,
			"updated_at": time.Now(),
		}).Error
}

func (r *schedulerRepo) Classify(ctx context.Context, tx *gorm.DB, schedulerID uuid.UUID, classifications map[uuid.UUID]bool) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(classifications) == 0 {
		return nil
	}
	rows := make([]*types.SchedulerChange, 0, len(classifications))
	for changeID, important := range classifications {
		rows = append(rows, &types.SchedulerChange{
			SchedulerID: schedulerID,
			ChangeID:    changeID,
			Important:   important,
		})
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scheduler_id"}, {Name: "change_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"important"}),
		}).
		Create(&rows).Error
}

func (r *schedulerRepo) GetClassifications(ctx context.Context, tx *gorm.DB, schedulerID uuid.UUID) (map[uuid.UUID]bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []*types.SchedulerChange
	if err := transaction.WithContext(ctx).
		Where("scheduler_id = ?", schedulerID).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]bool, len(rows))
	for _, row := range rows {
		out[row.ChangeID] = row.Important
	}
	return out, nil
}

func (r *schedulerRepo) Retire(ctx context.Context, tx *gorm.DB, schedulerID uuid.UUID, changeIDs []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(changeIDs) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("scheduler_id = ? AND change_id IN ?", schedulerID, changeIDs).
		Delete(&types.SchedulerChange{}).Error
}

func (r *schedulerRepo) Subscribe(ctx context.Context, tx *gorm.DB, schedulerID, buildsetID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	row := types.SchedulerUpstreamBuildset{
		SchedulerID: schedulerID,
		BuildsetID:  buildsetID,
		Active:      true,
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "buildset_id"}, {Name: "scheduler_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"active": true}),
		}).
		Create(&row).Error
}

func (r *schedulerRepo) Unsubscribe(ctx context.Context, tx *gorm.DB, schedulerID, buildsetID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.SchedulerUpstreamBuildset{}).
		Where("scheduler_id = ? AND buildset_id = ?", schedulerID, buildsetID).
		Updates(map[string]interface{}{
			"active":     false,
			"updated_at": time.Now(),
		}).Error
}

func (r *schedulerRepo) GetSubscribed(ctx context.Context, tx *gorm.DB, schedulerID uuid.UUID) ([]*SubscribedBuildset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*SubscribedBuildset
	if err := transaction.WithContext(ctx).
		Table("scheduler_upstream_buildsets").
		Select("scheduler_upstream_buildsets.buildset_id AS buildset_id, buildsets.sourcestamp_id AS source_stamp_id, buildsets.complete AS complete, buildsets.results AS results").
		Joins("JOIN buildsets ON buildsets.id = scheduler_upstream_buildsets.buildset_id").
		Where("scheduler_upstream_buildsets.scheduler_id = ? AND scheduler_upstream_buildsets.active = ?", schedulerID, true).
		Order("scheduler_upstream_buildsets.created_at ASC").
		Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
