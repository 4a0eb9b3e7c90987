// Package scheduler drives the time-based engine jobs: coupon settlement,
// plan maturity and intent expiry. Each run takes a Redis lease so only one
// replica executes a given job at a time.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"goldledger/internal/core/ports"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job names, also used as lease keys.
const (
	JobSettleDue   = "settle-due"
	JobMaturePlans = "mature-plans"
	JobExpireStale = "expire-stale"
)

// Locker hands out named leases. redis.JobLock implements it.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error)
}

// Config holds cron expressions (with a seconds field) and batch sizing.
type Config struct {
	SettleSpec string
	ExpirySpec string
	BatchLimit int
	LockTTL    time.Duration
}

// Scheduler runs engine jobs on cron schedules.
type Scheduler struct {
	plans     ports.PlanService
	transfers ports.TransferService
	locker    Locker
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
	cron      *cron.Cron
}

// New creates a Scheduler. It does not start any job.
func New(plans ports.PlanService, transfers ports.TransferService, locker Locker, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Scheduler{
		plans:     plans,
		transfers: transfers,
		locker:    locker,
		cfg:       cfg,
		log:       log.With().Str("component", "scheduler").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
}

// Start registers every job and starts the cron loop. The settle job also
// matures plans whose last coupon it just paid.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.SettleSpec, func() {
		s.run(ctx, JobSettleDue, s.SettleDue)
		s.run(ctx, JobMaturePlans, s.MaturePlans)
	}); err != nil {
		return fmt.Errorf("settle schedule %q: %w", s.cfg.SettleSpec, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.ExpirySpec, func() {
		s.run(ctx, JobExpireStale, s.ExpireStale)
	}); err != nil {
		return fmt.Errorf("expiry schedule %q: %w", s.cfg.ExpirySpec, err)
	}

	s.cron.Start()
	s.log.Info().
		Str("settle_spec", s.cfg.SettleSpec).
		Str("expiry_spec", s.cfg.ExpirySpec).
		Msg("scheduler started")
	return nil
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out with jobs still running")
	}
}

// run executes job under its lease. It reports whether the job ran.
func (s *Scheduler) run(ctx context.Context, name string, job func(context.Context) error) bool {
	release, ok, err := s.locker.Acquire(ctx, name, s.cfg.LockTTL)
	if err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("job lease unavailable, skipping run")
		return false
	}
	if !ok {
		s.log.Debug().Str("job", name).Msg("job held by another replica")
		return false
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn().Err(err).Str("job", name).Msg("job lease release failed")
		}
	}()

	start := time.Now()
	if err := job(ctx); err != nil {
		s.log.Error().Err(err).Str("job", name).Dur("took", time.Since(start)).Msg("job failed")
		return true
	}
	s.log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("job finished")
	return true
}

// SettleDue pays every due coupon at a single price snapshot.
func (s *Scheduler) SettleDue(ctx context.Context) error {
	report, err := s.plans.SettleDueDistributions(ctx, s.now())
	if err != nil {
		return err
	}
	event := s.log.Info()
	if len(report.Failed) > 0 {
		event = s.log.Warn()
		for _, f := range report.Failed {
			s.log.Warn().
				Str("plan_id", f.PlanID.String()).
				Int("index", f.Index).
				Str("error", f.Error).
				Msg("distribution settlement failed")
		}
	}
	event.
		Int("settled", len(report.Settled)).
		Int("failed", len(report.Failed)).
		Str("price", report.Price.PricePerGram.String()).
		Msg("due distributions settled")
	return nil
}

// MaturePlans closes fully-paid plans past their maturity date.
func (s *Scheduler) MaturePlans(ctx context.Context) error {
	n, err := s.plans.MatureDuePlans(ctx, s.now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info().Int("matured", n).Msg("plans matured")
	}
	return nil
}

// ExpireStale expires pending intents whose TTL has passed.
func (s *Scheduler) ExpireStale(ctx context.Context) error {
	n, err := s.transfers.ExpireStale(ctx, s.now(), s.cfg.BatchLimit)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info().Int("expired", n).Msg("stale intents expired")
	}
	return nil
}
