package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/types"
)

// ChangeRepo is the change-store collaborator surface: the coordinator core
// only ever creates change rows on ingest and reads them back when
// materializing sourcestamps and classifications.
type ChangeRepo interface {
	Create(ctx context.Context, tx *gorm.DB, changes []*types.Change) ([]*types.Change, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Change, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Change, error)
}

type changeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChangeRepo(db *gorm.DB, baseLog *logger.Logger) ChangeRepo {
	return &changeRepo{db: db, log: baseLog.With("repo", "ChangeRepo")}
}

func (r *changeRepo) Create(ctx context.Context, tx *gorm.DB, changes []*types.Change) ([]*types.Change, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(changes) == 0 {
		return []*types.Change{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&changes).Error; err != nil {
		return nil, err
	}
	return changes, nil
}

func (r *changeRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Change, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var change types.Change
	if err := transaction.WithContext(ctx).First(&change, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &change, nil
}

func (r *changeRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Change, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Change
	if len(ids) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Order("number ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
