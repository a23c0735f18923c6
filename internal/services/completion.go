package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgebuild/coordinator/internal/bus"
	"github.com/forgebuild/coordinator/internal/db"
	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/repos"
	"github.com/forgebuild/coordinator/internal/types"
)

// CompletionService is the fan-in half of the buildset model: whenever build
// requests finish it folds their results back into the owning buildsets.
type CompletionService interface {
	// CompleteRequests marks the listed requests complete with the given
	// result, then re-evaluates every buildset they belong to: a buildset
	// whose children are all complete is written complete exactly once, with
	// the worst child result observed. Returns repos.ErrNotClaimed when any
	// listed request is missing or already complete; in that case nothing is
	// written.
	CompleteRequests(ctx context.Context, ids []uuid.UUID, results types.Results, now time.Time) error

	// CancelRequests force-completes the listed requests with FAILURE,
	// whether or not they ever ran. Requests that already completed are
	// skipped silently (cancellation races completion in normal operation).
	// Drives the same buildset re-evaluation as CompleteRequests.
	CancelRequests(ctx context.Context, ids []uuid.UUID, now time.Time) error

	// ExamineBuildset probes a buildset without mutating it. successful is
	// nil while undetermined, false as soon as one child has failed, true
	// only once every child succeeded. finished reports whether all children
	// are complete.
	ExamineBuildset(ctx context.Context, id uuid.UUID) (successful *bool, finished bool, err error)
}

type completionService struct {
	db           *gorm.DB
	log          *logger.Logger
	hub          *bus.Hub
	buildsetRepo repos.BuildsetRepo
	requestRepo  repos.BuildRequestRepo
}

func NewCompletionService(
	conn *gorm.DB,
	baseLog *logger.Logger,
	hub *bus.Hub,
	buildsetRepo repos.BuildsetRepo,
	requestRepo repos.BuildRequestRepo,
) CompletionService {
	return &completionService{
		db:           conn,
		log:          baseLog.With("service", "CompletionService"),
		hub:          hub,
		buildsetRepo: buildsetRepo,
		requestRepo:  requestRepo,
	}
}

func (s *completionService) CompleteRequests(ctx context.Context, ids []uuid.UUID, results types.Results, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	recorder := bus.NewRecorder()
	err := db.RunInTransaction(ctx, s.db, s.log, storeRetryAttempts, func(tx *gorm.DB) error {
		recorder.Reset()
		rows, err := s.requestRepo.GetByIDs(ctx, tx, ids)
		if err != nil {
			return err
		}
		if len(rows) != len(ids) {
			return repos.ErrNotClaimed
		}
		if err := s.requestRepo.Complete(ctx, tx, ids, results, now); err != nil {
			return err
		}
		for _, id := range ids {
			recorder.Queue(bus.CategoryModifyBuildRequest, id)
		}
		return s.reaggregate(ctx, tx, distinctBuildsets(rows), now, recorder)
	})
	if err != nil {
		if errors.Is(err, repos.ErrNotClaimed) {
			return err
		}
		return fmt.Errorf("complete requests: %w", err)
	}
	recorder.Flush(s.hub)
	return nil
}

func (s *completionService) CancelRequests(ctx context.Context, ids []uuid.UUID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	recorder := bus.NewRecorder()
	err := db.RunInTransaction(ctx, s.db, s.log, storeRetryAttempts, func(tx *gorm.DB) error {
		recorder.Reset()
		rows, err := s.requestRepo.GetByIDs(ctx, tx, ids)
		if err != nil {
			return err
		}
		written, err := s.requestRepo.ForceComplete(ctx, tx, ids, types.ResultsFailure, now)
		if err != nil {
			return err
		}
		for _, id := range written {
			recorder.Queue(bus.CategoryModifyBuildRequest, id)
		}
		return s.reaggregate(ctx, tx, distinctBuildsets(rows), now, recorder)
	})
	if err != nil {
		return fmt.Errorf("cancel requests: %w", err)
	}
	recorder.Flush(s.hub)
	return nil
}

// reaggregate re-evaluates each touched buildset inside the caller's
// transaction. A buildset already written complete is left untouched:
// MarkComplete is conditional, so completion stays monotonic.
func (s *completionService) reaggregate(ctx context.Context, tx *gorm.DB, buildsetIDs []uuid.UUID, now time.Time, recorder *bus.Recorder) error {
	for _, buildsetID := range buildsetIDs {
		if _, err := s.buildsetRepo.GetByID(ctx, tx, buildsetID); err != nil {
			return fmt.Errorf("%w: buildset %s: %v", repos.ErrMissingBuildset, buildsetID, err)
		}
		children, err := s.requestRepo.GetByBuildset(ctx, tx, buildsetID)
		if err != nil {
			return err
		}
		allComplete := true
		worst := types.ResultsSuccess
		for _, child := range children {
			if !child.Complete {
				allComplete = false
				break
			}
			worst = worst.Worst(child.Results)
		}
		if !allComplete {
			continue
		}
		wrote, err := s.buildsetRepo.MarkComplete(ctx, tx, buildsetID, worst, now)
		if err != nil {
			return err
		}
		if wrote {
			s.log.Info("Buildset complete", "buildset_id", buildsetID, "results", worst.String())
			recorder.Queue(bus.CategoryModifyBuildset, buildsetID)
			recorder.Queue(bus.CategoryCompleteBuildset, buildsetID)
		}
	}
	return nil
}

func (s *completionService) ExamineBuildset(ctx context.Context, id uuid.UUID) (*bool, bool, error) {
	buildset, err := s.buildsetRepo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, false, err
	}
	if buildset.Complete {
		successful := buildset.Results < types.ResultsFailure
		return &successful, true, nil
	}
	children, err := s.requestRepo.GetByBuildset(ctx, nil, id)
	if err != nil {
		return nil, false, err
	}
	for _, child := range children {
		if child.Complete && child.Results >= types.ResultsFailure {
			failed := false
			return &failed, allChildrenComplete(children), nil
		}
	}
	if allChildrenComplete(children) {
		succeeded := true
		return &succeeded, true, nil
	}
	return nil, false, nil
}

func allChildrenComplete(children []*types.BuildRequest) bool {
	for _, child := range children {
		if !child.Complete {
			return false
		}
	}
	return true
}

func distinctBuildsets(rows []*types.BuildRequest) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(rows))
	out := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		if _, dup := seen[row.BuildsetID]; dup {
			continue
		}
		seen[row.BuildsetID] = struct{}{}
		out = append(out, row.BuildsetID)
	}
	return out
}
