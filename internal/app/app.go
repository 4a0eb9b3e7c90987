// Package app wires configuration into the engine: storage, oracle,
// notifiers, metrics and the three engine services. Both binaries build on it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"goldledger/config"
	"goldledger/internal/adapter/metrics"
	"goldledger/internal/adapter/oracle"
	pgStorage "goldledger/internal/adapter/storage/postgres"
	redisStorage "goldledger/internal/adapter/storage/redis"
	"goldledger/internal/core/conversion"
	"goldledger/internal/core/ports"
	"goldledger/internal/service"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const webhookTimeout = 10 * time.Second

// Engine holds the wired services and the connections behind them.
type Engine struct {
	Pool    *pgxpool.Pool
	Redis   *goredis.Client
	Metrics *metrics.Metrics

	Wallets   ports.WalletService
	Transfers ports.TransferService
	Plans     ports.PlanService
	Audit     ports.AuditService

	HealthCheckers []ports.HealthChecker
}

// Close releases the database pool and the Redis client.
func (e *Engine) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// Policy is the parsed fee and penalty configuration.
type Policy struct {
	PurchaseFee    conversion.FeeSpec
	TransferFee    conversion.FeeSpec
	PenaltyPercent decimal.Decimal
}

// ParsePolicy validates the fee and BNSL sections of cfg.
func ParsePolicy(cfg *config.Config) (Policy, error) {
	var p Policy
	var err error

	p.PurchaseFee, err = parseFee(cfg.Fees.Purchase)
	if err != nil {
		return Policy{}, fmt.Errorf("fees.purchase: %w", err)
	}
	p.TransferFee, err = parseFee(cfg.Fees.Transfer)
	if err != nil {
		return Policy{}, fmt.Errorf("fees.transfer: %w", err)
	}

	p.PenaltyPercent = service.DefaultEarlyExitPenaltyPercent
	if raw := cfg.BNSL.EarlyExitPenaltyPercent; raw != "" {
		p.PenaltyPercent, err = decimal.NewFromString(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("bnsl.early_exit_penalty_percent %q: %w", raw, err)
		}
		if p.PenaltyPercent.IsNegative() || p.PenaltyPercent.GreaterThan(decimal.NewFromInt(100)) {
			return Policy{}, fmt.Errorf("bnsl.early_exit_penalty_percent must be within [0, 100], got %s", raw)
		}
	}
	return p, nil
}

func parseFee(fc config.FeeConfig) (conversion.FeeSpec, error) {
	return conversion.ParseFeeSpec(fc.Type, fc.Value, fc.MinUSD, fc.MaxUSD)
}

// Notifier builds the event fan-out: webhook (when configured), Redis
// pub/sub (when enabled) and the log.
func Notifier(cfg config.NotifyConfig, rdb *goredis.Client, log zerolog.Logger) ports.Notifier {
	notifiers := service.MultiNotifier{service.NewLogNotifier(log)}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, service.NewWebhookNotifier(
			cfg.WebhookURL,
			cfg.WebhookSecret,
			service.NewHMACSignatureService(),
			&http.Client{Timeout: webhookTimeout},
			log,
		))
	}
	if cfg.RedisPubSub && rdb != nil {
		notifiers = append(notifiers, redisStorage.NewEventPublisher(rdb))
	}
	return notifiers
}

// New connects to PostgreSQL and Redis, applies migrations when enabled and
// wires the engine services, each wrapped with prometheus instrumentation.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	policy, err := ParsePolicy(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	priceOracle, err := oracle.New(cfg.Oracle, log)
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}
	priceOracle = m.Oracle(priceOracle)

	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	e := &Engine{Pool: pool, Metrics: m}

	if cfg.Database.Migrate {
		if err := pgStorage.Migrate(ctx, pool, log); err != nil {
			e.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	e.Redis = rdb

	stores := service.Stores{
		Wallets:     pgStorage.NewWalletRepo(pool),
		Lots:        pgStorage.NewLotRepo(pool),
		Entries:     pgStorage.NewEntryRepo(pool),
		Intents:     pgStorage.NewIntentRepo(pool),
		Plans:       pgStorage.NewPlanRepo(pool),
		Idempotency: pgStorage.NewIdempotencyRepo(pool),
		Transactor:  pgStorage.NewTransactor(pool, cfg.Ledger.LockTimeout),
	}
	ledger := service.NewLedger(stores.Wallets, stores.Lots, stores.Entries, log)
	idempCache := redisStorage.NewIdempotencyCache(rdb)
	notifier := Notifier(cfg.Notify, rdb, log)

	e.Wallets = service.NewWalletService(stores, ledger, priceOracle, idempCache, notifier, policy.PurchaseFee, log)
	e.Transfers = m.Transfers(service.NewTransferService(
		stores, ledger, priceOracle, idempCache, notifier, policy.TransferFee, cfg.Ledger.TransferTTL, log,
	))
	e.Plans = m.Plans(service.NewPlanService(
		stores, ledger, priceOracle, idempCache, notifier, policy.PenaltyPercent, cfg.Scheduler.BatchLimit, log,
	))
	e.Audit = service.NewAuditService(pgStorage.NewAuditRepository(pool), log)
	e.HealthCheckers = []ports.HealthChecker{
		pgStorage.NewHealthCheck(pool),
		redisStorage.NewHealthCheck(rdb),
	}

	log.Info().
		Str("oracle", cfg.Oracle.Provider).
		Str("purchase_fee", string(policy.PurchaseFee.Type)).
		Str("transfer_fee", string(policy.TransferFee.Type)).
		Str("penalty_percent", policy.PenaltyPercent.String()).
		Msg("engine wired")
	return e, nil
}
