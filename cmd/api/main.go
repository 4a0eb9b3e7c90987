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
	redisStorage "goldledger/internal/adapter/storage/redis"
	"goldledger/internal/app"
	"goldledger/internal/service"
	"goldledger/pkg/logger"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config.yaml or ./config/config.yaml)")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty,
		logger.WithFile(cfg.Log.File.Path, cfg.Log.File.MaxSizeMB, cfg.Log.File.MaxBackups, cfg.Log.File.MaxAgeDays))

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Msg("Starting Gold Ledger API")

	if cfg.JWT.Secret == "" {
		log.Fatal().Msg("jwt.secret is required")
	}
	if cfg.Server.InternalToken == "" {
		log.Warn().Msg("server.internal_token is empty, /internal routes are disabled")
	}

	ctx := context.Background()

	engine, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize engine")
	}
	defer engine.Close()

	// Setup Gin router with all routes
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		WalletSvc:      engine.Wallets,
		TransferSvc:    engine.Transfers,
		PlanSvc:        engine.Plans,
		TokenSvc:       service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Issuer),
		RateLimitStore: redisStorage.NewRateLimitStore(engine.Redis),
		HealthCheckers: engine.HealthCheckers,
		AuditSvc:       engine.Audit,
		Metrics:        engine.Metrics,
		InternalToken:  cfg.Server.InternalToken,
		Mode:           cfg.Server.Mode,
		Logger:         log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
