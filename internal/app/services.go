package app

import (
	"gorm.io/gorm"

	"github.com/forgebuild/coordinator/internal/bus"
	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/services"
)

type Services struct {
	Buildsets  services.BuildsetService
	Completion services.CompletionService
	Scheduler  services.SchedulerService
}

func wireServices(db *gorm.DB, log *logger.Logger, hub *bus.Hub, reposet Repos) Services {
	log.Info("Wiring services...")
	return Services{
		Buildsets:  services.NewBuildsetService(db, log, hub, reposet.Change, reposet.SourceStamp, reposet.Buildset),
		Completion: services.NewCompletionService(db, log, hub, reposet.Buildset, reposet.BuildRequest),
		Scheduler:  services.NewSchedulerService(db, log, hub, reposet.Scheduler, reposet.Change, reposet.Buildset),
	}
}
