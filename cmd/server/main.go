package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ceylontea/backend/internal/cache"
	"ceylontea/backend/internal/config"
	"ceylontea/backend/internal/httpapi"
	"ceylontea/backend/internal/logging"
	"ceylontea/backend/internal/service"
	"ceylontea/backend/internal/store"
	"ceylontea/backend/internal/store/memory"
	pgstore "ceylontea/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("invalid report timezone", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.Database.URL != "" {
		pg, err := pgstore.New(ctx, cfg.Database.URL)
		if err != nil {
			logger.Fatal("postgres unavailable and database.url is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Fatal("apply schema", zap.Error(err))
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(logger)
		logger.Info("repository: in-memory")
	}

	reportCache := cache.ReportCache(cache.NoopReportCache{})
	if cfg.Redis.Addr != "" {
		redisCache := cache.NewRedisReportCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, reports are not cached", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			reportCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis", zap.String("addr", cfg.Redis.Addr))
		}
	} else if cfg.Report.CacheTTL > 0 {
		reportCache = cache.NewMemoryReportCache()
		logger.Info("cache: in-process")
	}

	svc := service.New(repo, reportCache, logger, service.Options{
		CacheTTL:          cfg.Report.CacheTTL,
		LowStockThreshold: cfg.Report.LowStockThreshold,
		Location:          loc,
	})
	auth := httpapi.NewAuthManager(httpapi.AuthConfig{
		AccessSecret:  cfg.Auth.AccessSecret,
		RefreshSecret: cfg.Auth.RefreshSecret,
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
	}, repo, logger)
	api := httpapi.New(svc, auth, logger, httpapi.Options{
		AllowedOrigin: cfg.HTTP.AllowedOrigin,
		EnforceRoles:  cfg.Auth.EnforceRoles,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http.server")),
	}

	go func() {
		logger.Info("tea corner backend listening", zap.String("addr", cfg.Address()), zap.String("timezone", loc.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.Auth.AccessSecret) < 32 {
		return fmt.Errorf("auth.accessSecret (AUTH_ACCESS_SECRET) must be set and at least 32 characters")
	}
	if len(cfg.Auth.RefreshSecret) < 32 {
		return fmt.Errorf("auth.refreshSecret (AUTH_REFRESH_SECRET) must be set and at least 32 characters")
	}
	if cfg.Auth.AccessSecret == cfg.Auth.RefreshSecret {
		return fmt.Errorf("access and refresh secrets must differ")
	}
	if cfg.Auth.AccessTTL >= cfg.Auth.RefreshTTL {
		return fmt.Errorf("auth.accessTTL must be shorter than auth.refreshTTL")
	}
	return nil
}
