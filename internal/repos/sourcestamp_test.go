package repos

import (
	"context"
	"testing"
	"time"

	"github.com/forgebuild/coordinator/internal/types"
)

func TestSourceStampLinksChangesInAscendingOrder(t *testing.T) {
	conn := newTestDB(t)
	log := mustTestLogger(t)
	ctx := context.Background()

	// Insert out of order; the link order must come out ascending by number.
	changes := seedChanges(t, conn, log, 30, 10, 20)
	repo := NewSourceStampRepo(conn, log)
	stamp := &types.SourceStamp{Branch: "main", Revision: "abc123", Repository: "repo", Project: "proj"}
	if _, err := repo.CreateWithChanges(ctx, nil, stamp, changes); err != nil {
		t.Fatalf("CreateWithChanges: %v", err)
	}

	_, linked, err := repo.Get(ctx, nil, stamp.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(linked) != 3 {
		t.Fatalf("want 3 linked changes, got %d", len(linked))
	}
	for i, want := range []uint64{10, 20, 30} {
		if linked[i].Number != want {
			t.Fatalf("position %d: want change number %d, got %d", i, want, linked[i].Number)
		}
	}
}

func TestSourceStampAlwaysInsertsNewRow(t *testing.T) {
	conn := newTestDB(t)
	log := mustTestLogger(t)
	ctx := context.Background()
	repo := NewSourceStampRepo(conn, log)

	first := &types.SourceStamp{Branch: "main", Revision: "abc123", Repository: "repo", Project: "proj"}
	second := &types.SourceStamp{Branch: "main", Revision: "abc123", Repository: "repo", Project: "proj"}
	if _, err := repo.CreateWithChanges(ctx, nil, first, nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := repo.CreateWithChanges(ctx, nil, second, nil); err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("identical tuples were deduplicated; each create must insert")
	}
}

func TestSourceStampCacheServesRepeatReads(t *testing.T) {
	conn := newTestDB(t)
	log := mustTestLogger(t)
	ctx := context.Background()
	repo := NewSourceStampRepo(conn, log)

	stamp := &types.SourceStamp{Branch: "main", Revision: "abc123", Repository: "repo", Project: "proj"}
	if _, err := repo.CreateWithChanges(ctx, nil, stamp, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	firstRead, _, err := repo.Get(ctx, nil, stamp.ID)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}

	// Deleting the row behind the cache's back: a cached read still serves
	// the immutable record.
	if err := conn.Exec(`DELETE FROM sourcestamps WHERE id = ?`, stamp.ID).Error; err != nil {
		t.Fatalf("delete: %v", err)
	}
	secondRead, _, err := repo.Get(ctx, nil, stamp.ID)
	if err != nil {
		t.Fatalf("cached Get: %v", err)
	}
	if firstRead != secondRead {
		t.Fatalf("repeat read did not hit the cache")
	}
}

func TestBuildsetCreateFansOutRequests(t *testing.T) {
	conn := newTestDB(t)
	log := mustTestLogger(t)
	ctx := context.Background()

	buildset, requests := seedBuildset(t, conn, log, "b1", "b2")
	if len(requests) != 2 {
		t.Fatalf("want 2 requests, got %d", len(requests))
	}
	requestRepo := NewBuildRequestRepo(conn, log)
	children, err := requestRepo.GetByBuildset(ctx, nil, buildset.ID)
	if err != nil {
		t.Fatalf("GetByBuildset: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("want 2 children, got %d", len(children))
	}
	for _, child := range children {
		if child.BuildsetID != buildset.ID {
			t.Fatalf("orphan request: buildset %s, child points at %s", buildset.ID, child.BuildsetID)
		}
		if child.Complete || child.Claimed() {
			t.Fatalf("new request not in unclaimed/incomplete state")
		}
		if child.Results != types.ResultsPending {
			t.Fatalf("new request results: want pending, got %v", child.Results)
		}
	}
}

func TestBuildsetRejectsEmptyFanOut(t *testing.T) {
	conn := newTestDB(t)
	log := mustTestLogger(t)
	ctx := context.Background()

	stampRepo := NewSourceStampRepo(conn, log)
	stamp := &types.SourceStamp{Branch: "main", Revision: "r", Repository: "repo", Project: "p"}
	if _, err := stampRepo.CreateWithChanges(ctx, nil, stamp, nil); err != nil {
		t.Fatalf("create stamp: %v", err)
	}

	repo := NewBuildsetRepo(conn, log)
	buildset := &types.Buildset{SourceStampID: stamp.ID, Reason: "t", SubmittedAt: time.Now().UTC(), Results: types.ResultsPending}
	if _, _, err := repo.CreateWithRequests(ctx, nil, buildset, nil, nil, 0); err == nil {
		t.Fatalf("empty builder list accepted")
	}
}

func TestBuildsetPropertiesRoundTrip(t *testing.T) {
	conn := newTestDB(t)
	log := mustTestLogger(t)
	ctx := context.Background()

	stampRepo := NewSourceStampRepo(conn, log)
	stamp := &types.SourceStamp{Branch: "main", Revision: "r", Repository: "repo", Project: "p"}
	if _, err := stampRepo.CreateWithChanges(ctx, nil, stamp, nil); err != nil {
		t.Fatalf("create stamp: %v", err)
	}

	repo := NewBuildsetRepo(conn, log)
	buildset := &types.Buildset{SourceStampID: stamp.ID, Reason: "t", SubmittedAt: time.Now().UTC(), Results: types.ResultsPending}
	props := map[string]types.PropertyValue{
		"owner":  {Value: "dev@example.com", Source: "scheduler"},
		"branch": {Value: "main", Source: "trigger"},
	}
	created, _, err := repo.CreateWithRequests(ctx, nil, buildset, props, []string{"b1"}, 0)
	if err != nil {
		t.Fatalf("CreateWithRequests: %v", err)
	}

	got, err := repo.GetProperties(ctx, nil, created.ID)
	if err != nil {
		t.Fatalf("GetProperties: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 properties, got %d", len(got))
	}
	if got["owner"].Value != "dev@example.com" || got["owner"].Source != "scheduler" {
		t.Fatalf("owner property mangled: %+v", got["owner"])
	}
}

func TestBuildsetMarkCompleteIsWriteOnce(t *testing.T) {
	conn := newTestDB(t)
	log := mustTestLogger(t)
	ctx := context.Background()

	buildset, _ := seedBuildset(t, conn, log, "b1")
	repo := NewBuildsetRepo(conn, log)
	now := time.Now().UTC()

	wrote, err := repo.MarkComplete(ctx, nil, buildset.ID, types.ResultsFailure, now)
	if err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	if !wrote {
		t.Fatalf("first MarkComplete did not write")
	}
	wrote, err = repo.MarkComplete(ctx, nil, buildset.ID, types.ResultsSuccess, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second MarkComplete: %v", err)
	}
	if wrote {
		t.Fatalf("second MarkComplete rewrote a complete buildset")
	}

	row, err := repo.GetByID(ctx, nil, buildset.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !row.Complete || row.Results != types.ResultsFailure {
		t.Fatalf("completion state not preserved: complete=%v results=%v", row.Complete, row.Results)
	}
}
