package app

import (
	"gorm.io/gorm"

	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/repos"
)

type Repos struct {
	Change       repos.ChangeRepo
	SourceStamp  repos.SourceStampRepo
	Buildset     repos.BuildsetRepo
	BuildRequest repos.BuildRequestRepo
	Scheduler    repos.SchedulerRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Change:       repos.NewChangeRepo(db, log),
		SourceStamp:  repos.NewSourceStampRepo(db, log),
		Buildset:     repos.NewBuildsetRepo(db, log),
		BuildRequest: repos.NewBuildRequestRepo(db, log),
		Scheduler:    repos.NewSchedulerRepo(db, log),
	}
}
