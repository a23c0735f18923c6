package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forgebuild/coordinator/internal/types"
)

func newDispatcher(f *fixture, name string, runner Runner) *Dispatcher {
	return NewDispatcher(f.conn, f.log, f.hub, f.requests, f.completion, runner, types.NewMasterRef(name), DispatcherConfig{
		Builders:          []string{"b1", "b2"},
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		ClaimExpiry:       time.Minute,
		SweepInterval:     time.Minute,
	})
}

// TestDispatcherRunsBuildsetToCompletion drives a buildset through two
// concurrently running masters and checks that every request runs exactly
// once despite both masters competing for the same work.
func TestDispatcherRunsBuildsetToCompletion(t *testing.T) {
	f := newFixture(t)
	buildsetID, requestIDs, err := f.buildsetSvc.CreateBuildset(context.Background(), CreateBuildsetRequest{
		SourceStampID: f.createSourceStamp(t),
		Reason:        "scheduler",
		BuilderNames:  []string{"b1", "b2"},
	})
	if err != nil {
		t.Fatalf("CreateBuildset: %v", err)
	}

	var mu sync.Mutex
	runs := map[uuid.UUID]int{}
	runner := RunnerFunc(func(ctx context.Context, request *types.BuildRequest) (types.Results, error) {
		mu.Lock()
		runs[request.ID]++
		mu.Unlock()
		return types.ResultsSuccess, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 2)
	go func() { done <- newDispatcher(f, "master-a", runner).Start(ctx) }()
	go func() { done <- newDispatcher(f, "master-b", runner).Start(ctx) }()

	deadline := time.After(5 * time.Second)
	for !mustBuildset(t, f, buildsetID).Complete {
		select {
		case <-deadline:
			t.Fatalf("buildset never completed")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("dispatcher exited: %v", err)
		}
	}

	buildset := mustBuildset(t, f, buildsetID)
	if buildset.Results != types.ResultsSuccess {
		t.Fatalf("want SUCCESS, got %v", buildset.Results)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range requestIDs {
		if runs[id] != 1 {
			t.Fatalf("request %s ran %d times", id, runs[id])
		}
	}
}

// A runner error marks the request EXCEPTION and the buildset aggregates it.
func TestDispatcherRunnerErrorBecomesException(t *testing.T) {
	f := newFixture(t)
	buildsetID, _, err := f.buildsetSvc.CreateBuildset(context.Background(), CreateBuildsetRequest{
		SourceStampID: f.createSourceStamp(t),
		Reason:        "scheduler",
		BuilderNames:  []string{"b1"},
	})
	if err != nil {
		t.Fatalf("CreateBuildset: %v", err)
	}

	runner := RunnerFunc(func(ctx context.Context, request *types.BuildRequest) (types.Results, error) {
		return types.ResultsPending, context.DeadlineExceeded
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- newDispatcher(f, "master-a", runner).Start(ctx) }()

	deadline := time.After(5 * time.Second)
	for !mustBuildset(t, f, buildsetID).Complete {
		select {
		case <-deadline:
			t.Fatalf("buildset never completed")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("dispatcher exited: %v", err)
	}
	if buildset := mustBuildset(t, f, buildsetID); buildset.Results != types.ResultsException {
		t.Fatalf("want EXCEPTION, got %v", buildset.Results)
	}
}

// TestDispatcherRecoversOwnStaleClaims restarts a master under the same name
// with a fresh incarnation and checks that its prior incarnation's claims are
// released and re-run, while another master's live claims are untouched.
func TestDispatcherRecoversOwnStaleClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buildsetID, requestIDs, err := f.buildsetSvc.CreateBuildset(ctx, CreateBuildsetRequest{
		SourceStampID: f.createSourceStamp(t),
		Reason:        "scheduler",
		BuilderNames:  []string{"b1", "b2"},
	})
	if err != nil {
		t.Fatalf("CreateBuildset: %v", err)
	}

	// A previous incarnation of master-a died holding one claim; master-b
	// holds the other and is still alive.
	now := time.Now().UTC()
	dead := types.NewMasterRef("master-a")
	if err := f.requests.Claim(ctx, nil, []uuid.UUID{requestIDs[0]}, dead, now); err != nil {
		t.Fatalf("claim as dead incarnation: %v", err)
	}
	other := types.NewMasterRef("master-b")
	if err := f.requests.Claim(ctx, nil, []uuid.UUID{requestIDs[1]}, other, now); err != nil {
		t.Fatalf("claim as other master: %v", err)
	}

	runner := RunnerFunc(func(ctx context.Context, request *types.BuildRequest) (types.Results, error) {
		return types.ResultsSuccess, nil
	})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- newDispatcher(f, "master-a", runner).Start(runCtx) }()

	// The recovered request completes; the other master's claim survives.
	deadline := time.After(5 * time.Second)
	for {
		reqs, err := f.requests.GetByIDs(ctx, nil, requestIDs)
		if err != nil {
			t.Fatalf("GetByIDs: %v", err)
		}
		byID := map[uuid.UUID]*types.BuildRequest{}
		for _, req := range reqs {
			byID[req.ID] = req
		}
		recovered, foreign := byID[requestIDs[0]], byID[requestIDs[1]]
		if recovered.Complete {
			if foreign.Complete {
				t.Fatalf("other master's request completed by recovery")
			}
			if !foreign.ClaimedBy(other) {
				t.Fatalf("live foreign claim disturbed: %+v", foreign)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("recovered request never completed")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("dispatcher exited: %v", err)
	}
	if mustBuildset(t, f, buildsetID).Complete {
		t.Fatalf("buildset complete with one request still open")
	}
}
