package repos

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/types"
)

// SourceStampRepo stores immutable "what to build" records. Always inserts:
// reuse of an existing stamp is the caller's responsibility, keyed by id.
type SourceStampRepo interface {
	// CreateWithChanges inserts the stamp and links the given changes in
	// ascending change-number order.
	CreateWithChanges(ctx context.Context, tx *gorm.DB, stamp *types.SourceStamp, changes []*types.Change) (*types.SourceStamp, error)

	// Get returns the stamp and its changes, ordered by change number.
	// Results are served from a process-local cache after the first read;
	// safe because sourcestamps and changes never mutate.
	Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.SourceStamp, []*types.Change, error)

	CreatePatch(ctx context.Context, tx *gorm.DB, patch *types.Patch) (*types.Patch, error)
}

type cachedStamp struct {
	stamp   *types.SourceStamp
	changes []*types.Change
}

type sourceStampRepo struct {
	db  *gorm.DB
	log *logger.Logger

	mu    sync.RWMutex
	cache map[uuid.UUID]*cachedStamp
}

func NewSourceStampRepo(db *gorm.DB, baseLog *logger.Logger) SourceStampRepo {
	return &sourceStampRepo{
		db:    db,
		log:   baseLog.With("repo", "SourceStampRepo"),
		cache: make(map[uuid.UUID]*cachedStamp),
	}
}

func (r *sourceStampRepo) CreateWithChanges(ctx context.Context, tx *gorm.DB, stamp *types.SourceStamp, changes []*types.Change) (*types.SourceStamp, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(stamp).Error; err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return stamp, nil
	}
	ordered := make([]*types.Change, len(changes))
	copy(ordered, changes)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })
	links := make([]*types.SourceStampChange, 0, len(ordered))
	for _, change := range ordered {
		links = append(links, &types.SourceStampChange{
			SourceStampID: stamp.ID,
			ChangeID:      change.ID,
			ChangeNumber:  change.Number,
		})
	}
	if err := transaction.WithContext(ctx).Create(&links).Error; err != nil {
		return nil, err
	}
	return stamp, nil
}

func (r *sourceStampRepo) Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.SourceStamp, []*types.Change, error) {
	r.mu.RLock()
	if hit, ok := r.cache[id]; ok {
		r.mu.RUnlock()
		return hit.stamp, hit.changes, nil
	}
	r.mu.RUnlock()

	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var stamp types.SourceStamp
	if err := transaction.WithContext(ctx).First(&stamp, "id = ?", id).Error; err != nil {
		return nil, nil, err
	}
	var links []*types.SourceStampChange
	if err := transaction.WithContext(ctx).
		Where("sourcestamp_id = ?", id).
		Order("change_number ASC").
		Find(&links).Error; err != nil {
		return nil, nil, err
	}
	changes := make([]*types.Change, 0, len(links))
	if len(links) > 0 {
		changeIDs := make([]uuid.UUID, 0, len(links))
		for _, link := range links {
			changeIDs = append(changeIDs, link.ChangeID)
		}
		if err := transaction.WithContext(ctx).
			Where("id IN ?", changeIDs).
			Order("number ASC").
			Find(&changes).Error; err != nil {
			return nil, nil, err
		}
	}

	// Only reads through the pooled handle populate the cache: a read inside
	// a caller transaction could observe rows that never commit.
	if tx == nil {
		r.mu.Lock()
		r.cache[id] = &cachedStamp{stamp: &stamp, changes: changes}
		r.mu.Unlock()
	}
	return &stamp, changes, nil
}

func (r *sourceStampRepo) CreatePatch(ctx context.Context, tx *gorm.DB, patch *types.Patch) (*types.Patch, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(patch).Error; err != nil {
		return nil, err
	}
	return patch, nil
}
