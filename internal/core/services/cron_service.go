package services

import (
	"context"
	"fmt"
	"time"

	"rentmeter/internal/adapters/persistence/repositories"
	"rentmeter/internal/config"
	"rentmeter/internal/pkg/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 5 * time.Minute

// CronService runs the scheduled maintenance jobs
type CronService struct {
	cron     *cron.Cron
	tokens   repositories.RefreshTokenRepository
	bills    repositories.BillRepository
	notifier Notifier
	cfg      config.CronConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewCronService creates a new cron service and registers its jobs
func NewCronService(
	tokens repositories.RefreshTokenRepository,
	bills repositories.BillRepository,
	notifier Notifier,
	cfg config.CronConfig,
	log *zap.Logger,
) (*CronService, error) {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	s := &CronService{
		cron:     cron.New(),
		tokens:   tokens,
		bills:    bills,
		notifier: notifier,
		cfg:      cfg,
		log:      logger.OrNop(log),
		now:      time.Now,
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"token cleanup", cfg.TokenCleanupSpec, s.CleanupTokens},
		{"overdue sweep", cfg.OverdueSweepSpec, s.SweepOverdue},
	}
	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() { s.run(job.name, job.run) }); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", job.name, job.spec, err)
		}
	}
	return s, nil
}

// Start begins running jobs in the background
func (s *CronService) Start() {
	s.cron.Start()
	s.log.Info("cron started",
		zap.String("token_cleanup", s.cfg.TokenCleanupSpec),
		zap.String("overdue_sweep", s.cfg.OverdueSweepSpec),
	)
}

// Stop prevents new runs and waits for running jobs to finish
func (s *CronService) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("cron stopped")
}

func (s *CronService) run(name string, job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	if err := job(ctx); err != nil {
		s.log.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
		return
	}
	s.log.Debug("scheduled job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
}

// CleanupTokens deletes expired refresh tokens
func (s *CronService) CleanupTokens(ctx context.Context) error {
	n, err := s.tokens.DeleteExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("expired refresh tokens removed", zap.Int64("count", n))
	}
	return nil
}

// SweepOverdue sends a digest of unpaid bills past their due date
func (s *CronService) SweepOverdue(ctx context.Context) error {
	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	bills, err := s.bills.ListOverdue(ctx, today)
	if err != nil {
		return err
	}
	if len(bills) == 0 {
		return nil
	}
	s.log.Info("overdue bills found", zap.Int("count", len(bills)))
	return s.notifier.OverdueDigest(ctx, bills)
}
