package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/types"
	"github.com/forgebuild/coordinator/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	log.Info("Loading environment variables...")
	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
	postgresName := utils.GetEnv("POSTGRES_NAME", "coordinator", log)
	log.Debug("Environment variables loaded")

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

	log.Info("Connecting to Postgres...")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		serviceLog.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return &PostgresService{db: db, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(allModels()...)
	if err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}
	s.log.Info("Configuring foreign key relationships for postgres tables...")
	constraints := []struct {
		name string
		ddl  string
	}{
		{
			"fk_sourcestamps_patch_id",
			`ALTER TABLE "sourcestamps" ADD CONSTRAINT "fk_sourcestamps_patch_id"
			 FOREIGN KEY ("patch_id") REFERENCES "patches"("id")`,
		},
		{
			"fk_sourcestamp_changes_sourcestamp_id",
			`ALTER TABLE "sourcestamp_changes" ADD CONSTRAINT "fk_sourcestamp_changes_sourcestamp_id"
			 FOREIGN KEY ("sourcestamp_id") REFERENCES "sourcestamps"("id") ON DELETE CASCADE`,
		},
		{
			"fk_sourcestamp_changes_change_id",
			`ALTER TABLE "sourcestamp_changes" ADD CONSTRAINT "fk_sourcestamp_changes_change_id"
			 FOREIGN KEY ("change_id") REFERENCES "changes"("id")`,
		},
		{
			"fk_buildsets_sourcestamp_id",
			`ALTER TABLE "buildsets" ADD CONSTRAINT "fk_buildsets_sourcestamp_id"
			 FOREIGN KEY ("sourcestamp_id") REFERENCES "sourcestamps"("id")`,
		},
		{
			"fk_buildset_properties_buildset_id",
			`ALTER TABLE "buildset_properties" ADD CONSTRAINT "fk_buildset_properties_buildset_id"
			 FOREIGN KEY ("buildset_id") REFERENCES "buildsets"("id") ON DELETE CASCADE`,
		},
		{
			"fk_buildrequests_buildset_id",
			`ALTER TABLE "buildrequests" ADD CONSTRAINT "fk_buildrequests_buildset_id"
			 FOREIGN KEY ("buildset_id") REFERENCES "buildsets"("id")`,
		},
		{
			"fk_scheduler_changes_scheduler_id",
			`ALTER TABLE "scheduler_changes" ADD CONSTRAINT "fk_scheduler_changes_scheduler_id"
			 FOREIGN KEY ("scheduler_id") REFERENCES "schedulers"("id") ON DELETE CASCADE`,
		},
		{
			"fk_scheduler_upstream_buildsets_scheduler_id",
			`ALTER TABLE "scheduler_upstream_buildsets" ADD CONSTRAINT "fk_scheduler_upstream_buildsets_scheduler_id"
			 FOREIGN KEY ("scheduler_id") REFERENCES "schedulers"("id") ON DELETE CASCADE`,
		},
		{
			"fk_scheduler_upstream_buildsets_buildset_id",
			`ALTER TABLE "scheduler_upstream_buildsets" ADD CONSTRAINT "fk_scheduler_upstream_buildsets_buildset_id"
			 FOREIGN KEY ("buildset_id") REFERENCES "buildsets"("id")`,
		},
	}
	for _, c := range constraints {
		stmt := fmt.Sprintf(`DO $$ BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = '%s') THEN
				%s;
			END IF;
		END $$;`, c.name, c.ddl)
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to add %s: %w", c.name, err)
		}
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}

func allModels() []interface{} {
	return []interface{}{
		&types.Change{},
		&types.Patch{},
		&types.SourceStamp{},
		&types.SourceStampChange{},
		&types.Buildset{},
		&types.BuildsetProperty{},
		&types.BuildRequest{},
		&types.Scheduler{},
		&types.SchedulerChange{},
		&types.SchedulerUpstreamBuildset{},
	}
}
