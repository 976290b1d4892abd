package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/siteforge/engine/internal/repository"
	"github.com/siteforge/engine/pkg/config"
	"github.com/siteforge/engine/pkg/database"
	"github.com/siteforge/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := database.OpenPostgres(context.Background(), cfg.DatabaseURL, database.Options{Verbose: true})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := repository.Migrate(db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	fmt.Fprintln(os.Stdout, "migrations completed")
}
