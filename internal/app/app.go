package app

import (
	"fmt"
	"os"

	"gorm.io/gorm"

	"github.com/forgebuild/coordinator/internal/bus"
	"github.com/forgebuild/coordinator/internal/db"
	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/types"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Master   types.MasterRef
	Hub      *bus.Hub
	Repos    Repos
	Services Services
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	hub := bus.NewHub(log)
	reposet := wireRepos(theDB, log)
	serviceset := wireServices(theDB, log, hub, reposet)

	master := types.NewMasterRef(cfg.MasterName)
	log.Info("Master identity minted", "master", master.Name, "incarnation", master.Incarnation)

	return &App{
		Log:      log,
		DB:       theDB,
		Cfg:      cfg,
		Master:   master,
		Hub:      hub,
		Repos:    reposet,
		Services: serviceset,
	}, nil
}
