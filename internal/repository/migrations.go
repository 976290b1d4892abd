package repository

import (
	"gorm.io/gorm"

	"github.com/siteforge/engine/internal/models"
)

// registerModels returns all models that need migration.
func registerModels() []any {
	return []any{
		&models.Project{},
		&models.ActivityLogEntry{},
		&models.Artifact{},
	}
}

// Migrate brings the postgres schema up to date. It is safe to run repeatedly.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(registerModels()...); err != nil {
		return err
	}
	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't express.
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addProgressCheck,
		addActiveProjectIndex,
	}
	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}
	return nil
}

func addProgressCheck(db *gorm.DB) error {
	return db.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_projects_progress') THEN
				ALTER TABLE projects ADD CONSTRAINT chk_projects_progress CHECK (progress BETWEEN 0 AND 100);
			END IF;
		END $$
	`).Error
}

// addActiveProjectIndex speeds up the startup scan for interrupted runs.
func addActiveProjectIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_projects_active
		ON projects(status)
		WHERE status IN ('in_development', 'in_review')
	`).Error
}
