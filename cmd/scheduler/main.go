package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goldledger/config"
	httpHandler "goldledger/internal/adapter/http/handler"
	"goldledger/internal/adapter/http/middleware"
	redisStorage "goldledger/internal/adapter/storage/redis"
	"goldledger/internal/app"
	"goldledger/internal/scheduler"
	"goldledger/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config.yaml or ./config/config.yaml)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty,
		logger.WithFile(cfg.Log.File.Path, cfg.Log.File.MaxSizeMB, cfg.Log.File.MaxBackups, cfg.Log.File.MaxAgeDays))
	log.Info().Msg("Starting Gold Ledger scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize engine")
	}
	defer engine.Close()

	sched := scheduler.New(engine.Plans, engine.Transfers, redisStorage.NewJobLock(engine.Redis), scheduler.Config{
		SettleSpec: cfg.Scheduler.SettleSpec,
		ExpirySpec: cfg.Scheduler.ExpirySpec,
		BatchLimit: cfg.Scheduler.BatchLimit,
		LockTTL:    cfg.Scheduler.LockTTL,
	}, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	// Ops endpoints: /metrics and /health only.
	gin.SetMode(gin.ReleaseMode)
	ops := gin.New()
	ops.Use(middleware.Recovery(log))
	ops.GET("/health", httpHandler.HealthCheck(engine.HealthCheckers...))
	ops.GET("/metrics", gin.WrapH(engine.Metrics.Handler()))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Scheduler.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           ops,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down scheduler...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server forced to shutdown")
	}

	log.Info().Msg("Scheduler exited")
}
