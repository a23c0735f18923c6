package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/forgebuild/coordinator/internal/bus"
	"github.com/forgebuild/coordinator/internal/db"
	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/repos"
	"github.com/forgebuild/coordinator/internal/types"
)

// SchedulerService is the scheduler-facing surface of the core: change
// classification, opaque private state, and the trigger-and-wait dependency
// pattern between schedulers.
type SchedulerService interface {
	GetOrCreateScheduler(ctx context.Context, name, className string) (*types.Scheduler, error)

	GetState(ctx context.Context, schedulerID uuid.UUID) (datatypes.JSON, error)
	SetState(ctx context.Context, schedulerID uuid.UUID, state datatypes.JSON) error

	// ClassifyChanges upserts the scheduler's verdict on each change; a later
	// call for the same change wins.
	ClassifyChanges(ctx context.Context, schedulerID uuid.UUID, classifications map[uuid.UUID]bool) error

	// GetClassifiedChanges returns the scheduler's pending changes,
	// partitioned by the stored important flag and materialized in change
	// order.
	GetClassifiedChanges(ctx context.Context, schedulerID uuid.UUID) (important, unimportant []*types.Change, err error)

	// RetireClassifications deletes classification rows the scheduler has
	// acted on, removing them from subsequent GetClassifiedChanges calls.
	RetireClassifications(ctx context.Context, schedulerID uuid.UUID, changeIDs []uuid.UUID) error

	// Trigger creates a buildset on behalf of the scheduler and subscribes
	// it to the buildset's completion, atomically: the dependent-build
	// pattern. The scheduler later polls GetSubscribedBuildsets and reacts
	// once complete is true.
	Trigger(ctx context.Context, schedulerID uuid.UUID, req CreateBuildsetRequest) (uuid.UUID, []uuid.UUID, error)

	SubscribeToBuildset(ctx context.Context, schedulerID, buildsetID uuid.UUID) error
	Unsubscribe(ctx context.Context, schedulerID, buildsetID uuid.UUID) error
	GetSubscribedBuildsets(ctx context.Context, schedulerID uuid.UUID) ([]*repos.SubscribedBuildset, error)
}

type schedulerService struct {
	db            *gorm.DB
	log           *logger.Logger
	hub           *bus.Hub
	schedulerRepo repos.SchedulerRepo
	changeRepo    repos.ChangeRepo
	buildsetRepo  repos.BuildsetRepo
}

func NewSchedulerService(
	conn *gorm.DB,
	baseLog *logger.Logger,
	hub *bus.Hub,
	schedulerRepo repos.SchedulerRepo,
	changeRepo repos.ChangeRepo,
	buildsetRepo repos.BuildsetRepo,
) SchedulerService {
	return &schedulerService{
		db:            conn,
		log:           baseLog.With("service", "SchedulerService"),
		hub:           hub,
		schedulerRepo: schedulerRepo,
		changeRepo:    changeRepo,
		buildsetRepo:  buildsetRepo,
	}
}

func (s *schedulerService) GetOrCreateScheduler(ctx context.Context, name, className string) (*types.Scheduler, error) {
	return s.schedulerRepo.GetOrCreate(ctx, nil, name, className)
}

func (s *schedulerService) GetState(ctx context.Context, schedulerID uuid.UUID) (datatypes.JSON, error) {
	return s.schedulerRepo.GetState(ctx, nil, schedulerID)
}

func (s *schedulerService) SetState(ctx context.Context, schedulerID uuid.UUID, state datatypes.JSON) error {
	return s.schedulerRepo.SetState(ctx, nil, schedulerID, state)
}

func (s *schedulerService) ClassifyChanges(ctx context.Context, schedulerID uuid.UUID, classifications map[uuid.UUID]bool) error {
	return s.schedulerRepo.Classify(ctx, nil, schedulerID, classifications)
}

func (s *schedulerService) GetClassifiedChanges(ctx context.Context, schedulerID uuid.UUID) ([]*types.Change, []*types.Change, error) {
	flags, err := s.schedulerRepo.GetClassifications(ctx, nil, schedulerID)
	if err != nil {
		return nil, nil, err
	}
	if len(flags) == 0 {
		return nil, nil, nil
	}
	ids := make([]uuid.UUID, 0, len(flags))
	for changeID := range flags {
		ids = append(ids, changeID)
	}
	changes, err := s.changeRepo.GetByIDs(ctx, nil, ids)
	if err != nil {
		return nil, nil, err
	}
	var important, unimportant []*types.Change
	for _, change := range changes {
		if flags[change.ID] {
			important = append(important, change)
		} else {
			unimportant = append(unimportant, change)
		}
	}
	return important, unimportant, nil
}

func (s *schedulerService) RetireClassifications(ctx context.Context, schedulerID uuid.UUID, changeIDs []uuid.UUID) error {
	return s.schedulerRepo.Retire(ctx, nil, schedulerID, changeIDs)
}

func (s *schedulerService) Trigger(ctx context.Context, schedulerID uuid.UUID, req CreateBuildsetRequest) (uuid.UUID, []uuid.UUID, error) {
	if len(req.BuilderNames) == 0 {
		return uuid.Nil, nil, fmt.Errorf("trigger: at least one builder name required")
	}
	recorder := bus.NewRecorder()
	var buildsetID uuid.UUID
	var requestIDs []uuid.UUID
	err := db.RunInTransaction(ctx, s.db, s.log, storeRetryAttempts, func(tx *gorm.DB) error {
		recorder.Reset()
		buildset := &types.Buildset{
			SourceStampID: req.SourceStampID,
			Reason:        req.Reason,
			ExternalID:    req.ExternalID,
			SubmittedAt:   time.Now().UTC(),
			Results:       types.ResultsPending,
		}
		created, requests, err := s.buildsetRepo.CreateWithRequests(ctx, tx, buildset, req.Properties, req.BuilderNames, req.Priority)
		if err != nil {
			return err
		}
		if err := s.schedulerRepo.Subscribe(ctx, tx, schedulerID, created.ID); err != nil {
			return err
		}
		buildsetID = created.ID
		requestIDs = requestIDs[:0]
		recorder.Queue(bus.CategoryAddBuildset, created.ID)
		for _, request := range requests {
			requestIDs = append(requestIDs, request.ID)
			recorder.Queue(bus.CategoryAddBuildRequest, request.ID)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("trigger buildset: %w", err)
	}
	recorder.Flush(s.hub)
	s.log.Info("Triggered dependent buildset", "scheduler_id", schedulerID, "buildset_id", buildsetID, "requests", len(requestIDs))
	return buildsetID, requestIDs, nil
}

func (s *schedulerService) SubscribeToBuildset(ctx context.Context, schedulerID, buildsetID uuid.UUID) error {
	return s.schedulerRepo.Subscribe(ctx, nil, schedulerID, buildsetID)
}

func (s *schedulerService) Unsubscribe(ctx context.Context, schedulerID, buildsetID uuid.UUID) error {
	return s.schedulerRepo.Unsubscribe(ctx, nil, schedulerID, buildsetID)
}

func (s *schedulerService) GetSubscribedBuildsets(ctx context.Context, schedulerID uuid.UUID) ([]*repos.SubscribedBuildset, error) {
	return s.schedulerRepo.GetSubscribed(ctx, nil, schedulerID)
}
