package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/immxrtalbeast/teamsync/internal/api/http"
	"github.com/immxrtalbeast/teamsync/internal/config"
	"github.com/immxrtalbeast/teamsync/internal/metrics"
	"github.com/immxrtalbeast/teamsync/internal/repository"
	"github.com/immxrtalbeast/teamsync/internal/repository/model"
	"github.com/immxrtalbeast/teamsync/internal/service"
	"github.com/immxrtalbeast/teamsync/lib/logger/sl"
	"github.com/immxrtalbeast/teamsync/lib/logger/slogpretty"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)

	presenceRepo, err := setupPresenceRepository(cfg)
	if err != nil {
		log.Error("failed to set up storage", sl.Err(err))
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	presenceService := service.NewPresenceService(presenceRepo, log)
	if n, err := presenceService.MarkAllOffline(context.Background()); err != nil {
		log.Warn("failed to reset presence", sl.Err(err))
	} else if n > 0 {
		log.Info("presence reset", slog.Int("users", n))
	}

	hub := service.NewHub(presenceService, m, cfg.Presence.LivenessTimeout, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go hub.RunSweeper(ctx, cfg.Presence.SweepInterval)

	presenceController := httpapi.NewPresenceController(presenceService)
	eventController := httpapi.NewEventController(hub, cfg.WS, log)

	router := httpapi.SetupRouter(cfg.HTTP.AllowedOrigins, reg, presenceController, eventController)

	srv := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("starting coordinator",
		slog.String("addr", cfg.HTTP.Address),
		slog.String("storage", cfg.Storage),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server stopped", sl.Err(err))
		os.Exit(1)
	}
	log.Info("coordinator stopped")
}

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = setupPrettySlog()
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}

func setupPresenceRepository(cfg *config.Config) (repository.PresenceRepository, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return repository.NewInMemoryPresenceRepository(), nil
	case config.StoragePostgres:
		db, err := connectDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresPresenceRepository(db), nil
	}
	return nil, errors.New("unknown storage: " + cfg.Storage)
}

func connectDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database dsn is empty")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&model.Presence{}); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}
