package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/forgebuild/coordinator/internal/types"
)

func TestSchedulerGetOrCreateKeyedByNameAndClass(t *testing.T) {
	conn := newTestDB(t)
	log := mustTestLogger(t)
	repo := NewSchedulerRepo(conn, log)
	ctx := context.Background()

	first, err := repo.GetOrCreate(ctx, nil, "nightly", "Nightly")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	again, err := repo.GetOrCreate(ctx, nil, "nightly", "Nightly")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if first.ID != again.ID {
		t.Fatalf("same (name, class) produced two scheduler rows")
	}
	other, err := repo.GetOrCreate(ctx, nil, "nightly", "Dependent")
	if err != nil {
		t.Fatalf("GetOrCreate other class: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("different class reused the same scheduler row")
	}
}

func TestSchedulerStateIsOpaqueRoundTrip(t *testing.T) {
	conn := newTestDB(t)
	log := mustTestLogger(t)
	repo := NewSchedulerRepo(conn, log)
	ctx := context.Background()

	scheduler, err := repo.GetOrCreate(ctx, nil, "nightly", "Nightly")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	state := datatypes.JSON(`{"last_change_number": 42, "anything": ["the", "core", "ignores"]}`)
	if err := repo.SetState(ctx, nil, scheduler.ID, state); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	got, err := repo.GetState(ctx, nil, scheduler.ID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if string(got) != string(state) {
		t.Fatalf("state mangled: want %s, got %s", state, got)
	}
}

func TestClassificationRoundTripAndRetire(t *testing.T) {
	conn := newTestDB(t)
	log := mustTestLogger(t)
	repo := NewSchedulerRepo(conn, log)
	ctx := context.Background()

	scheduler, err := repo.GetOrCreate(ctx, nil, "nightly", "Nightly")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	changes := seedChanges(t, conn, log, 1, 2, 3)

	err = repo.Classify(ctx, nil, scheduler.ID, map[uuid.UUID]bool{
		changes[0].ID: true,
		changes[1].ID: false,
		changes[2].ID: false,
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	// Reclassification: the later call wins.
	if err := repo.Classify(ctx, nil, scheduler.ID, map[uuid.UUID]bool{changes[2].ID: true}); err != nil {
		t.Fatalf("reclassify: %v", err)
	}

	flags, err := repo.GetClassifications(ctx, nil, scheduler.ID)
	if err != nil {
		t.Fatalf("GetClassifications: %v", err)
	}
	want := map[uuid.UUID]bool{changes[0].ID: true, changes[1].ID: false, changes[2].ID: true}
	if len(flags) != len(want) {
		t.Fatalf("want %d classifications, got %d", len(want), len(flags))
	}
	for id, important := range want {
		if flags[id] != important {
			t.Fatalf("change %s: want important=%v, got %v", id, important, flags[id])
		}
	}

	if err := repo.Retire(ctx, nil, scheduler.ID, []uuid.UUID{changes[0].ID, changes[2].ID}); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	flags, err = repo.GetClassifications(ctx, nil, scheduler.ID)
	if err != nil {
		t.Fatalf("GetClassifications after retire: %v", err)
	}
	if len(flags) != 1 {
		t.Fatalf("retired rows still present: %v", flags)
	}
	if _, stillThere := flags[changes[1].ID]; !stillThere {
		t.Fatalf("unretired classification went missing")
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	conn := newTestDB(t)
	log := mustTestLogger(t)
	repo := NewSchedulerRepo(conn, log)
	ctx := context.Background()

	scheduler, err := repo.GetOrCreate(ctx, nil, "upstream-watcher", "Dependent")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	buildset, requests := seedBuildset(t, conn, log, "b1")

	if err := repo.Subscribe(ctx, nil, scheduler.ID, buildset.ID); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	subscribed, err := repo.GetSubscribed(ctx, nil, scheduler.ID)
	if err != nil {
		t.Fatalf("GetSubscribed: %v", err)
	}
	if len(subscribed) != 1 {
		t.Fatalf("want 1 subscription, got %d", len(subscribed))
	}
	if subscribed[0].Complete {
		t.Fatalf("buildset reported complete before children finished")
	}
	if subscribed[0].SourceStampID != buildset.SourceStampID {
		t.Fatalf("subscription lost the sourcestamp reference")
	}

	// Completion shows up on the next poll.
	requestRepo := NewBuildRequestRepo(conn, log)
	now := time.Now().UTC()
	if err := requestRepo.Complete(ctx, nil, []uuid.UUID{requests[0].ID}, types.ResultsWarnings, now); err != nil {
		t.Fatalf("complete request: %v", err)
	}
	buildsetRepo := NewBuildsetRepo(conn, log)
	if _, err := buildsetRepo.MarkComplete(ctx, nil, buildset.ID, types.ResultsWarnings, now); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	subscribed, err = repo.GetSubscribed(ctx, nil, scheduler.ID)
	if err != nil {
		t.Fatalf("GetSubscribed: %v", err)
	}
	if !subscribed[0].Complete || subscribed[0].Results != types.ResultsWarnings {
		t.Fatalf("completion not visible to subscriber: %+v", subscribed[0])
	}

	// Unsubscribe retires without deleting.
	if err := repo.Unsubscribe(ctx, nil, scheduler.ID, buildset.ID); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	subscribed, err = repo.GetSubscribed(ctx, nil, scheduler.ID)
	if err != nil {
		t.Fatalf("GetSubscribed after unsubscribe: %v", err)
	}
	if len(subscribed) != 0 {
		t.Fatalf("retired subscription still polled")
	}
	var count int64
	if err := conn.Model(&types.SchedulerUpstreamBuildset{}).
		Where("scheduler_id = ?", scheduler.ID).
		Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("unsubscribe deleted the history row")
	}
}
