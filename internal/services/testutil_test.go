package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgebuild/coordinator/internal/bus"
	"github.com/forgebuild/coordinator/internal/db"
	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/repos"
	"github.com/forgebuild/coordinator/internal/types"
)

// fixture wires the full service stack over an in-memory store, the way
// internal/app does against Postgres.
type fixture struct {
	conn        *gorm.DB
	log         *logger.Logger
	hub         *bus.Hub
	changes     repos.ChangeRepo
	stamps      repos.SourceStampRepo
	buildsets   repos.BuildsetRepo
	requests    repos.BuildRequestRepo
	schedulers  repos.SchedulerRepo
	buildsetSvc BuildsetService
	completion  CompletionService
	scheduler   SchedulerService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)

	store, err := db.NewSQLiteService(log)
	if err != nil {
		t.Fatalf("NewSQLiteService: %v", err)
	}
	if err := store.AutoMigrateAll(); err != nil {
		t.Fatalf("AutoMigrateAll: %v", err)
	}
	conn := store.DB()

	hub := bus.NewHub(log)
	changeRepo := repos.NewChangeRepo(conn, log)
	stampRepo := repos.NewSourceStampRepo(conn, log)
	buildsetRepo := repos.NewBuildsetRepo(conn, log)
	requestRepo := repos.NewBuildRequestRepo(conn, log)
	schedulerRepo := repos.NewSchedulerRepo(conn, log)

	return &fixture{
		conn:        conn,
		log:         log,
		hub:         hub,
		changes:     changeRepo,
		stamps:      stampRepo,
		buildsets:   buildsetRepo,
		requests:    requestRepo,
		schedulers:  schedulerRepo,
		buildsetSvc: NewBuildsetService(conn, log, hub, changeRepo, stampRepo, buildsetRepo),
		completion:  NewCompletionService(conn, log, hub, buildsetRepo, requestRepo),
		scheduler:   NewSchedulerService(conn, log, hub, schedulerRepo, changeRepo, buildsetRepo),
	}
}

func (f *fixture) createSourceStamp(t *testing.T) uuid.UUID {
	t.Helper()
	stampID, err := f.buildsetSvc.CreateSourceStamp(context.Background(), "main", "abc123", "repo", "proj", nil, nil)
	if err != nil {
		t.Fatalf("CreateSourceStamp: %v", err)
	}
	return stampID
}

func (f *fixture) createBuildset(t *testing.T, builderNames ...string) (uuid.UUID, []uuid.UUID) {
	t.Helper()
	stampID := f.createSourceStamp(t)
	buildsetID, requestIDs, err := f.buildsetSvc.CreateBuildset(context.Background(), CreateBuildsetRequest{
		SourceStampID: stampID,
		Reason:        "scheduler",
		BuilderNames:  builderNames,
	})
	if err != nil {
		t.Fatalf("CreateBuildset: %v", err)
	}
	return buildsetID, requestIDs
}

func recvEvent(t *testing.T, ch <-chan bus.Event, timeout time.Duration) bus.Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for notification")
	}
	return bus.Event{}
}

func mustBuildset(t *testing.T, f *fixture, id uuid.UUID) *types.Buildset {
	t.Helper()
	buildset, err := f.buildsetSvc.GetBuildset(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBuildset: %v", err)
	}
	return buildset
}
