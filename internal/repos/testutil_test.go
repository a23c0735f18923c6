package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgebuild/coordinator/internal/db"
	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/types"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	store, err := db.NewSQLiteService(mustTestLogger(t))
	if err != nil {
		t.Fatalf("NewSQLiteService: %v", err)
	}
	if err := store.AutoMigrateAll(); err != nil {
		t.Fatalf("AutoMigrateAll: %v", err)
	}
	return store.DB()
}

// seedBuildset inserts a sourcestamp, a buildset, and one request per
// builder, returning the buildset and its requests in builder order.
func seedBuildset(t *testing.T, conn *gorm.DB, log *logger.Logger, builderNames ...string) (*types.Buildset, []*types.BuildRequest) {
	t.Helper()
	ctx := context.Background()

	stampRepo := NewSourceStampRepo(conn, log)
	stamp := &types.SourceStamp{Branch: "main", Revision: "abc123", Repository: "repo", Project: "proj"}
	if _, err := stampRepo.CreateWithChanges(ctx, nil, stamp, nil); err != nil {
		t.Fatalf("CreateWithChanges: %v", err)
	}

	buildsetRepo := NewBuildsetRepo(conn, log)
	buildset := &types.Buildset{
		SourceStampID: stamp.ID,
		Reason:        "test",
		SubmittedAt:   time.Now().UTC(),
		Results:       types.ResultsPending,
	}
	created, requests, err := buildsetRepo.CreateWithRequests(ctx, nil, buildset, nil, builderNames, 0)
	if err != nil {
		t.Fatalf("CreateWithRequests: %v", err)
	}
	return created, requests
}

func seedChanges(t *testing.T, conn *gorm.DB, log *logger.Logger, numbers ...uint64) []*types.Change {
	t.Helper()
	changeRepo := NewChangeRepo(conn, log)
	changes := make([]*types.Change, 0, len(numbers))
	for _, number := range numbers {
		changes = append(changes, &types.Change{
			Number:     number,
			Branch:     "main",
			Revision:   uuid.NewString(),
			Repository: "repo",
			Project:    "proj",
			Author:     "dev",
			WhenAt:     time.Now().UTC(),
		})
	}
	created, err := changeRepo.Create(context.Background(), nil, changes)
	if err != nil {
		t.Fatalf("ChangeRepo.Create: %v", err)
	}
	return created
}
