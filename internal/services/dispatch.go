package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/forgebuild/coordinator/internal/bus"
	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/repos"
	"github.com/forgebuild/coordinator/internal/types"
)

// Runner executes one claimed build request. How the work actually runs is
// outside the coordinator core; this is the seam a worker transport plugs
// into.
type Runner interface {
	Run(ctx context.Context, request *types.BuildRequest) (types.Results, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, request *types.BuildRequest) (types.Results, error)

func (f RunnerFunc) Run(ctx context.Context, request *types.BuildRequest) (types.Results, error) {
	return f(ctx, request)
}

type DispatcherConfig struct {
	Builders          []string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ClaimExpiry       time.Duration
	SweepInterval     time.Duration
}

// Dispatcher is one master's dispatch loop: it polls for claimable work per
// builder, claims it through the conditional-update protocol, runs it, and
// reports completion. Losing a claim race is the expected common case under
// multiple masters and is handled by moving on to the next candidate.
type Dispatcher struct {
	db          *gorm.DB
	log         *logger.Logger
	hub         *bus.Hub
	requestRepo repos.BuildRequestRepo
	completion  CompletionService
	runner      Runner
	owner       types.MasterRef
	cfg         DispatcherConfig
}

func NewDispatcher(
	conn *gorm.DB,
	baseLog *logger.Logger,
	hub *bus.Hub,
	requestRepo repos.BuildRequestRepo,
	completion CompletionService,
	runner Runner,
	owner types.MasterRef,
	cfg DispatcherConfig,
) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ClaimExpiry <= 0 {
		cfg.ClaimExpiry = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Dispatcher{
		db:          conn,
		log:         baseLog.With("service", "Dispatcher", "master", owner.Name, "incarnation", owner.Incarnation),
		hub:         hub,
		requestRepo: requestRepo,
		completion:  completion,
		runner:      runner,
		owner:       owner,
		cfg:         cfg,
	}
}

// Start recovers claims left by this master's previous incarnation, then
// runs the per-builder dispatch loops and the expiry sweep until ctx is
// cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.recoverOwn(ctx); err != nil {
		return err
	}
	group, ctx := errgroup.WithContext(ctx)
	for _, builderName := range d.cfg.Builders {
		builderName := builderName
		group.Go(func() error {
			return d.builderLoop(ctx, builderName)
		})
	}
	group.Go(func() error {
		return d.sweepLoop(ctx)
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// recoverOwn releases claims still held by this master's dead predecessor.
// Recovery is an explicit unclaim, not a silent takeover, so the transition
// shows up in the log stream; the rows then re-enter the normal claim path.
func (d *Dispatcher) recoverOwn(ctx context.Context) error {
	now := time.Now().UTC()
	for _, builderName := range d.cfg.Builders {
		candidates, err := d.requestRepo.GetUnclaimed(ctx, nil, builderName, d.cfg.ClaimExpiry, d.owner, now)
		if err != nil {
			return err
		}
		var stale []*types.BuildRequest
		for _, candidate := range candidates {
			if candidate.Claimed() && candidate.ClaimedByName != nil && *candidate.ClaimedByName == d.owner.Name {
				stale = append(stale, candidate)
			}
		}
		if len(stale) == 0 {
			continue
		}
		ids := requestIDs(stale)
		if err := d.requestRepo.Unclaim(ctx, nil, ids); err != nil {
			return err
		}
		d.log.Info("Released claims from previous incarnation", "builder", builderName, "count", len(ids))
	}
	return nil
}

func (d *Dispatcher) builderLoop(ctx context.Context, builderName string) error {
	log := d.log.With("builder", builderName)
	sub := d.hub.Subscribe(bus.CategoryAddBuildRequest)
	defer sub.Cancel()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := d.dispatchOnce(ctx, builderName, log); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("Dispatch pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-sub.C:
			// New work was just committed; poll without waiting out the tick.
		}
	}
}

// dispatchOnce claims and runs every currently claimable request for the
// builder. Candidates claimed by someone else between the read and the claim
// surface as ErrAlreadyClaimed and are skipped.
func (d *Dispatcher) dispatchOnce(ctx context.Context, builderName string, log *logger.Logger) error {
	now := time.Now().UTC()
	candidates, err := d.requestRepo.GetUnclaimed(ctx, nil, builderName, d.cfg.ClaimExpiry, d.owner, now)
	if err != nil {
		return err
	}
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if candidate.Claimed() {
			// Stale or prior-incarnation claims are recovered by the sweep
			// or by recoverOwn; claiming over them here would race a live
			// reclaim heartbeat.
			continue
		}
		if err := d.requestRepo.Claim(ctx, nil, []uuid.UUID{candidate.ID}, d.owner, time.Now().UTC()); err != nil {
			if errors.Is(err, repos.ErrAlreadyClaimed) {
				log.Debug("Lost claim race, skipping", "request_id", candidate.ID)
				continue
			}
			return err
		}
		d.runOne(ctx, candidate, log)
	}
	return nil
}

// runOne executes a claimed request, heartbeating the claim while the build
// runs so the expiry sweep on another master leaves it alone.
func (d *Dispatcher) runOne(ctx context.Context, request *types.BuildRequest, log *logger.Logger) {
	log = log.With("request_id", request.ID, "buildset_id", request.BuildsetID)
	log.Info("Running build request")

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := time.NewTicker(d.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				err := d.requestRepo.Reclaim(heartbeatCtx, nil, []uuid.UUID{request.ID}, d.owner, time.Now().UTC())
				if errors.Is(err, repos.ErrAlreadyClaimed) {
					log.Warn("Lost claim while running; request was reassigned")
					return
				}
				if err != nil && heartbeatCtx.Err() == nil {
					log.Warn("Heartbeat reclaim failed", "error", err)
				}
			}
		}
	}()

	results, err := d.runner.Run(ctx, request)
	stopHeartbeat()
	if err != nil {
		log.Error("Build run failed", "error", err)
		results = types.ResultsException
	}

	if err := d.completion.CompleteRequests(ctx, []uuid.UUID{request.ID}, results, time.Now().UTC()); err != nil {
		if errors.Is(err, repos.ErrNotClaimed) {
			// A very late completion: the expiry sweep already handed the
			// request to someone else. Surface it in the log and drop the
			// result rather than corrupting the aggregate.
			log.Warn("Completion rejected, request no longer held", "results", results.String())
			return
		}
		log.Error("Failed to record completion", "error", err)
		return
	}
	log.Info("Build request complete", "results", results.String())
}

func (d *Dispatcher) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.requestRepo.UnclaimExpired(ctx, nil, d.cfg.ClaimExpiry, time.Now().UTC()); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.log.Error("Expiry sweep failed", "error", err)
			}
		}
	}
}

func requestIDs(rows []*types.BuildRequest) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ID)
	}
	return out
}
