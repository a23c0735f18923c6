package repos

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/types"
)

// BuildsetRepo persists buildsets and their property bags. Fan-out into
// build requests happens once, at creation, inside the caller's transaction.
type BuildsetRepo interface {
	// CreateWithRequests inserts the buildset, its properties, and one build
	// request per builder name, all in the given transaction. The fan-out is
	// fixed here and never grows.
	CreateWithRequests(ctx context.Context, tx *gorm.DB, buildset *types.Buildset, properties map[string]types.PropertyValue, builderNames []string, priority int) (*types.Buildset, []*types.BuildRequest, error)

	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Buildset, error)
	GetProperties(ctx context.Context, tx *gorm.DB, id uuid.UUID) (map[string]types.PropertyValue, error)

	// MarkComplete writes complete/complete_at/results on a buildset that is
	// not yet complete. Returns false when the buildset was already complete,
	// which makes a second aggregation pass a no-op.
	MarkComplete(ctx context.Context, tx *gorm.DB, id uuid.UUID, results types.Results, now time.Time) (bool, error)
}

type buildsetRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBuildsetRepo(db *gorm.DB, baseLog *logger.Logger) BuildsetRepo {
	return &buildsetRepo{db: db, log: baseLog.With("repo", "BuildsetRepo")}
}

func (r *buildsetRepo) CreateWithRequests(ctx context.Context, tx *gorm.DB, buildset *types.Buildset, properties map[string]types.PropertyValue, builderNames []string, priority int) (*types.Buildset, []*types.BuildRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(builderNames) == 0 {
		return nil, nil, fmt.Errorf("buildset requires at least one builder name")
	}
	if buildset.Results == 0 {
		buildset.Results = types.ResultsPending
	}
	if err := transaction.WithContext(ctx).Create(buildset).Error; err != nil {
		return nil, nil, err
	}

	if len(properties) > 0 {
		rows := make([]*types.BuildsetProperty, 0, len(properties))
		for name, value := range properties {
			encoded, err := json.Marshal(value)
			if err != nil {
				return nil, nil, fmt.Errorf("encode property %q: %w", name, err)
			}
			rows = append(rows, &types.BuildsetProperty{
				BuildsetID: buildset.ID,
				Name:       name,
				ValueJSON:  encoded,
			})
		}
		if err := transaction.WithContext(ctx).Create(&rows).Error; err != nil {
			return nil, nil, err
		}
	}

	requests := make([]*types.BuildRequest, 0, len(builderNames))
	for _, builderName := range builderNames {
		requests = append(requests, &types.BuildRequest{
			BuildsetID:  buildset.ID,
			BuilderName: builderName,
			Priority:    priority,
			SubmittedAt: buildset.SubmittedAt,
			Results:     types.ResultsPending,
		})
	}
	if err := transaction.WithContext(ctx).Create(&requests).Error; err != nil {
		return nil, nil, err
	}
	return buildset, requests, nil
}

func (r *buildsetRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Buildset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var buildset types.Buildset
	if err := transaction.WithContext(ctx).First(&buildset, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &buildset, nil
}

func (r *buildsetRepo) GetProperties(ctx context.Context, tx *gorm.DB, id uuid.UUID) (map[string]types.PropertyValue, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []*types.BuildsetProperty
	if err := transaction.WithContext(ctx).
		Where("buildset_id = ?", id).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]types.PropertyValue, len(rows))
	for _, row := range rows {
		var value types.PropertyValue
		if err := json.Unmarshal(row.ValueJSON, &value); err != nil {
			return nil, fmt.Errorf("decode property %q: %w", row.Name, err)
		}
		out[row.Name] = value
	}
	return out, nil
}

func (r *buildsetRepo) MarkComplete(ctx context.Context, tx *gorm.DB, id uuid.UUID, results types.Results, now time.Time) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.Buildset{}).
		Where("id = ? AND complete = ?", id, false).
		Updates(map[string]interface{}{
			"complete":    true,
			"complete_at": now,
			"results":     results,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
