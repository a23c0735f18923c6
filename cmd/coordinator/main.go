package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/forgebuild/coordinator/internal/app"
	"github.com/forgebuild/coordinator/internal/services"
	"github.com/forgebuild/coordinator/internal/types"
)

func main() {
	application, err := app.New()
	if err != nil {
		fmt.Printf("Failed to start coordinator: %v\n", err)
		os.Exit(1)
	}
	log := application.Log
	defer log.Sync()

	if len(application.Cfg.Builders) == 0 {
		log.Warn("No builders configured; set BUILDERS to a comma-separated list of builder names")
	}

	// The default runner acknowledges work without executing anything; a real
	// deployment swaps in a worker transport here.
	runner := services.RunnerFunc(func(ctx context.Context, request *types.BuildRequest) (types.Results, error) {
		log.Info("No worker transport configured, acknowledging request", "request_id", request.ID, "builder", request.BuilderName)
		return types.ResultsSuccess, nil
	})

	dispatcher := services.NewDispatcher(
		application.DB,
		log,
		application.Hub,
		application.Repos.BuildRequest,
		application.Services.Completion,
		runner,
		application.Master,
		services.DispatcherConfig{
			Builders:          application.Cfg.Builders,
			PollInterval:      application.Cfg.PollInterval,
			HeartbeatInterval: application.Cfg.HeartbeatInterval,
			ClaimExpiry:       application.Cfg.ClaimExpiry,
			SweepInterval:     application.Cfg.SweepInterval,
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Coordinator running", "master", application.Master.Name, "builders", application.Cfg.Builders)
	if err := dispatcher.Start(ctx); err != nil && ctx.Err() == nil {
		log.Error("Dispatcher stopped", "error", err)
		os.Exit(1)
	}

	log.Info("Shutting down...")
}
