package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/types"
)

// BuildRequestRepo is the claim manager: it hands each master exclusive,
// time-bounded ownership of build requests. Claim correctness rests on a
// single conditional UPDATE plus a rows-affected check, never a read then
// write, so two masters racing for the same row cannot both win.
type BuildRequestRepo interface {
	// Claim takes ownership of every listed request, all or nothing. A row is
	// claimable when it carries no claim or is already claimed by this exact
	// (name, incarnation) pair; any other state fails the whole call with
	// ErrAlreadyClaimed and leaves no row modified.
	Claim(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, owner types.MasterRef, now time.Time) error

	// Reclaim refreshes claimed_at on rows this owner already holds, so an
	// expiry sweep on another master does not steal them mid-build. Ownership
	// mismatch fails the whole call with ErrAlreadyClaimed.
	Reclaim(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, owner types.MasterRef, now time.Time) error

	// Unclaim unconditionally clears claim fields, whoever holds them.
	// Idempotent.
	Unclaim(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error

	// UnclaimExpired clears the claim on every incomplete request whose
	// claimed_at is older than now-olderThan, recovering work orphaned by a
	// crashed master. Complete rows are never touched. Returns the number of
	// rows recovered.
	UnclaimExpired(ctx context.Context, tx *gorm.DB, olderThan time.Duration, now time.Time) (int64, error)

	// GetUnclaimed returns incomplete requests for the builder that are free
	// to take: never claimed, claimed but stale, or claimed by this master
	// under a different incarnation (its own dead predecessor). Ordered by
	// priority descending, then submission time ascending.
	GetUnclaimed(ctx context.Context, tx *gorm.DB, builderName string, staleness time.Duration, owner types.MasterRef, now time.Time) ([]*types.BuildRequest, error)

	// Complete marks every listed request complete with the given result.
	// Any listed row that is missing or already complete fails the whole call
	// with ErrNotClaimed and leaves no row modified.
	Complete(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, results types.Results, now time.Time) error

	// ForceComplete marks the listed rows complete with the given result,
	// silently skipping rows that already completed. Used by cancellation,
	// which may race normal completion. Returns the ids actually written.
	ForceComplete(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, results types.Results, now time.Time) ([]uuid.UUID, error)

	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.BuildRequest, error)
	GetByBuildset(ctx context.Context, tx *gorm.DB, buildsetID uuid.UUID) ([]*types.BuildRequest, error)
}

type buildRequestRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBuildRequestRepo(db *gorm.DB, baseLog *logger.Logger) BuildRequestRepo {
	return &buildRequestRepo{db: db, log: baseLog.With("repo", "BuildRequestRepo")}
}

// inTransaction runs fn inside tx when the caller supplied one, otherwise in
// a fresh transaction, so a failed multi-row conditional always rolls back
// as a unit.
func (r *buildRequestRepo) inTransaction(ctx context.Context, tx *gorm.DB, fn func(transaction *gorm.DB) error) error {
	if tx != nil {
		return fn(tx.WithContext(ctx))
	}
	return r.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(transaction.WithContext(ctx))
	})
}

func (r *buildRequestRepo) Claim(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, owner types.MasterRef, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.inTransaction(ctx, tx, func(transaction *gorm.DB) error {
		res := transaction.Model(&types.BuildRequest{}).
			Where("id IN ?", ids).
			Where("claimed_at IS NULL OR (claimed_by_name = ? AND claimed_by_incarnation = ?)", owner.Name, owner.Incarnation).
			Updates(map[string]interface{}{
				"claimed_at":             now,
				"claimed_by_name":        owner.Name,
				"claimed_by_incarnation": owner.Incarnation,
				"updated_at":             now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(ids)) {
			r.log.Debug("Claim lost to another master", "requested", len(ids), "won", res.RowsAffected, "master", owner.Name)
			return ErrAlreadyClaimed
		}
		return nil
	})
}

func (r *buildRequestRepo) Reclaim(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, owner types.MasterRef, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.inTransaction(ctx, tx, func(transaction *gorm.DB) error {
		res := transaction.Model(&types.BuildRequest{}).
			Where("id IN ?", ids).
			Where("claimed_by_name = ? AND claimed_by_incarnation = ?", owner.Name, owner.Incarnation).
			Updates(map[string]interface{}{
				"claimed_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(ids)) {
			r.log.Warn("Reclaim found rows no longer owned", "requested", len(ids), "held", res.RowsAffected, "master", owner.Name)
			return ErrAlreadyClaimed
		}
		return nil
	})
}

func (r *buildRequestRepo) Unclaim(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.BuildRequest{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"claimed_at":             nil,
			"claimed_by_name":        nil,
			"claimed_by_incarnation": nil,
			"updated_at":             time.Now(),
		}).Error
}

func (r *buildRequestRepo) UnclaimExpired(ctx context.Context, tx *gorm.DB, olderThan time.Duration, now time.Time) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	cutoff := now.Add(-olderThan)
	res := transaction.WithContext(ctx).
		Model(&types.BuildRequest{}).
		Where("complete = ?", false).
		Where("claimed_at IS NOT NULL AND claimed_at < ?", cutoff).
		Updates(map[string]interface{}{
			"claimed_at":             nil,
			"claimed_by_name":        nil,
			"claimed_by_incarnation": nil,
			"updated_at":             now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		r.log.Info("Recovered expired claims", "count", res.RowsAffected, "older_than", olderThan.String())
	}
	return res.RowsAffected, nil
}

func (r *buildRequestRepo) GetUnclaimed(ctx context.Context, tx *gorm.DB, builderName string, staleness time.Duration, owner types.MasterRef, now time.Time) ([]*types.BuildRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	staleCutoff := now.Add(-staleness)
	var out []*types.BuildRequest
	if err := transaction.WithContext(ctx).
		Where("complete = ?", false).
		Where("builder_name = ?", builderName).
		Where("claimed_at IS NULL OR claimed_at < ? OR (claimed_by_name = ? AND claimed_by_incarnation <> ?)",
			staleCutoff, owner.Name, owner.Incarnation).
		Order("priority DESC").
		Order("submitted_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *buildRequestRepo) Complete(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, results types.Results, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.inTransaction(ctx, tx, func(transaction *gorm.DB) error {
		res := transaction.Model(&types.BuildRequest{}).
			Where("id IN ?", ids).
			Where("complete = ?", false).
			Updates(map[string]interface{}{
				"complete":    true,
				"complete_at": now,
				"results":     results,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(ids)) {
			return ErrNotClaimed
		}
		return nil
	})
}

func (r *buildRequestRepo) ForceComplete(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, results types.Results, now time.Time) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var open []*types.BuildRequest
	if err := transaction.WithContext(ctx).
		Select("id").
		Where("id IN ?", ids).
		Where("complete = ?", false).
		Find(&open).Error; err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	openIDs := make([]uuid.UUID, 0, len(open))
	for _, row := range open {
		openIDs = append(openIDs, row.ID)
	}
	res := transaction.WithContext(ctx).
		Model(&types.BuildRequest{}).
		Where("id IN ?", openIDs).
		Where("complete = ?", false).
		Updates(map[string]interface{}{
			"complete":    true,
			"complete_at": now,
			"results":     results,
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	return openIDs, nil
}

func (r *buildRequestRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.BuildRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.BuildRequest
	if len(ids) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *buildRequestRepo) GetByBuildset(ctx context.Context, tx *gorm.DB, buildsetID uuid.UUID) ([]*types.BuildRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.BuildRequest
	if err := transaction.WithContext(ctx).
		Where("buildset_id = ?", buildsetID).
		Order("submitted_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
