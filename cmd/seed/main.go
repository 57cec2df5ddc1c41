// Command seed loads the sample tea catalogue and staff accounts into the
// configured Postgres database.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"ceylontea/backend/internal/config"
	"ceylontea/backend/internal/logging"
	"ceylontea/backend/internal/store/postgres"
	"ceylontea/backend/internal/store/seed"
)

func main() {
	clearData := flag.Bool("clear", false, "delete existing teas and their sales before seeding")
	configPath := flag.String("config", "", "YAML config file (defaults to $CONFIG_FILE)")
	flag.Parse()

	var (
		cfg config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Database.URL == "" {
		logger.Fatal("database.url (DATABASE_URL) is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg, err := postgres.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		logger.Fatal("apply schema", zap.Error(err))
	}

	if *clearData {
		removed, err := seed.Clear(ctx, pg)
		if err != nil {
			logger.Fatal("clear teas", zap.Error(err))
		}
		logger.Info("cleared existing data", zap.Int("teas_removed", removed))
	}

	if seed.UsingDefaultPasswords() {
		logger.Warn("seeding staff with default passwords; set SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD")
	}

	result, err := seed.Apply(ctx, pg, seed.Teas(), seed.Users(), bcrypt.DefaultCost, logger)
	if err != nil {
		logger.Fatal("seed data", zap.Error(err))
	}
	logger.Info("sample data loaded",
		zap.Int("teas_created", result.TeasCreated),
		zap.Int("users_created", result.UsersCreated),
	)
}
