package services

import (
	"context"
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

const storeRetryAttempts = 3

// CreateBuildsetRequest carries everything needed to fan one sourcestamp out
// into build requests.
type CreateBuildsetRequest struct {
	SourceStampID uuid.UUID
	Reason        string
	ExternalID    string
	Properties    map[string]types.PropertyValue
	BuilderNames  []string
	Priority      int
}

type BuildsetService interface {
	// CreateSourceStamp always inserts a new stamp linking the given changes
	// in ascending change-number order. Reusing an existing stamp is the
	// caller's choice, keyed by the id returned here.
	CreateSourceStamp(ctx context.Context, branch, revision, repository, project string, patchID *uuid.UUID, changeIDs []uuid.UUID) (uuid.UUID, error)

	// CreateBuildset inserts the buildset, its properties, and one build
	// request per builder in a single transaction, then announces the new
	// rows on the notification hub once the transaction has committed.
	CreateBuildset(ctx context.Context, req CreateBuildsetRequest) (uuid.UUID, []uuid.UUID, error)

	GetSourceStamp(ctx context.Context, id uuid.UUID) (*types.SourceStamp, []*types.Change, error)
	GetBuildset(ctx context.Context, id uuid.UUID) (*types.Buildset, error)
	GetBuildsetProperties(ctx context.Context, id uuid.UUID) (map[string]types.PropertyValue, error)
}

type buildsetService struct {
	db              *gorm.DB
	log             *logger.Logger
	hub             *bus.Hub
	changeRepo      repos.ChangeRepo
	sourceStampRepo repos.SourceStampRepo
	buildsetRepo    repos.BuildsetRepo
}

func NewBuildsetService(
	conn *gorm.DB,
	baseLog *logger.Logger,
	hub *bus.Hub,
	changeRepo repos.ChangeRepo,
	sourceStampRepo repos.SourceStampRepo,
	buildsetRepo repos.BuildsetRepo,
) BuildsetService {
	return &buildsetService{
		db:              conn,
		log:             baseLog.With("service", "BuildsetService"),
		hub:             hub,
		changeRepo:      changeRepo,
		sourceStampRepo: sourceStampRepo,
		buildsetRepo:    buildsetRepo,
	}
}

func (s *buildsetService) CreateSourceStamp(ctx context.Context, branch, revision, repository, project string, patchID *uuid.UUID, changeIDs []uuid.UUID) (uuid.UUID, error) {
	var stampID uuid.UUID
	err := db.RunInTransaction(ctx, s.db, s.log, storeRetryAttempts, func(tx *gorm.DB) error {
		changes, err := s.changeRepo.GetByIDs(ctx, tx, changeIDs)
		if err != nil {
			return err
		}
		if len(changes) != len(changeIDs) {
			return fmt.Errorf("sourcestamp references %d changes, found %d", len(changeIDs), len(changes))
		}
		stamp := &types.SourceStamp{
			Branch:     branch,
			Revision:   revision,
			Repository: repository,
			Project:    project,
			PatchID:    patchID,
		}
		if _, err := s.sourceStampRepo.CreateWithChanges(ctx, tx, stamp, changes); err != nil {
			return err
		}
		stampID = stamp.ID
		return nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("create sourcestamp: %w", err)
	}
	return stampID, nil
}

func (s *buildsetService) CreateBuildset(ctx context.Context, req CreateBuildsetRequest) (uuid.UUID, []uuid.UUID, error) {
	if len(req.BuilderNames) == 0 {
		return uuid.Nil, nil, fmt.Errorf("create buildset: at least one builder name required")
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
		return uuid.Nil, nil, fmt.Errorf("create buildset: %w", err)
	}
	recorder.Flush(s.hub)
	s.log.Info("Created buildset", "buildset_id", buildsetID, "requests", len(requestIDs), "reason", req.Reason)
	return buildsetID, requestIDs, nil
}

func (s *buildsetService) GetSourceStamp(ctx context.Context, id uuid.UUID) (*types.SourceStamp, []*types.Change, error) {
	return s.sourceStampRepo.Get(ctx, nil, id)
}

func (s *buildsetService) GetBuildset(ctx context.Context, id uuid.UUID) (*types.Buildset, error) {
	return s.buildsetRepo.GetByID(ctx, nil, id)
}

func (s *buildsetService) GetBuildsetProperties(ctx context.Context, id uuid.UUID) (map[string]types.PropertyValue, error) {
	return s.buildsetRepo.GetProperties(ctx, nil, id)
}
