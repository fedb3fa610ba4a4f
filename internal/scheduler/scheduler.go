package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/roundup/internal/bank"
	batchdomain "github.com/smallbiznis/roundup/internal/batch/domain"
	"github.com/smallbiznis/roundup/internal/clock"
	obsmetrics "github.com/smallbiznis/roundup/internal/observability/metrics"
	orgpayoutdomain "github.com/smallbiznis/roundup/internal/orgpayout/domain"
	referraldomain "github.com/smallbiznis/roundup/internal/referral/domain"
	roundupdomain "github.com/smallbiznis/roundup/internal/roundup/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Feed         bank.Feed
	RoundupSvc   roundupdomain.Service
	BatchSvc     batchdomain.Service
	OrgPayoutSvc orgpayoutdomain.Service
	ReferralSvc  referraldomain.Service
	Config       Config `optional:"true"`
}

type Scheduler struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	feed         bank.Feed
	roundupSvc   roundupdomain.Service
	batchSvc     batchdomain.Service
	orgPayoutSvc orgpayoutdomain.Service
	referralSvc  referraldomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Feed == nil ||
		p.RoundupSvc == nil || p.BatchSvc == nil || p.OrgPayoutSvc == nil || p.ReferralSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:           p.DB,
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		clock:        p.Clock,
		feed:         p.Feed,
		roundupSvc:   p.RoundupSvc,
		batchSvc:     p.BatchSvc,
		orgPayoutSvc: p.OrgPayoutSvc,
		referralSvc:  p.ReferralSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one collection cycle: ingest, batch, submit, retry,
// commission accrual. Settlement runs off the cron entry, not here.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"ingest_bank_feed", s.isJobEnabled("ingest_bank_feed"), func(ctx context.Context) error {
			return s.runJob(ctx, "ingest_bank_feed", s.cfg.JobTimeout, s.IngestBankFeedJob)
		}},
		{"collect_batches", s.isJobEnabled("collect_batches"), func(ctx context.Context) error {
			return s.runJob(ctx, "collect_batches", s.cfg.JobTimeout, s.CollectBatchesJob)
		}},
		{"submit_charges", s.isJobEnabled("submit_charges"), func(ctx context.Context) error {
			return s.runJob(ctx, "submit_charges", s.cfg.JobTimeout, s.SubmitChargesJob)
		}},
		{"retry_failed", s.isJobEnabled("retry_failed"), func(ctx context.Context) error {
			return s.runJob(ctx, "retry_failed", s.cfg.JobTimeout, s.RetryFailedJob)
		}},
		{"accrue_commissions", s.isJobEnabled("accrue_commissions"), func(ctx context.Context) error {
			return s.runJob(ctx, "accrue_commissions", s.cfg.JobTimeout, s.AccrueCommissionsJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

// RunSettlement is the cron entrypoint for organization settlement.
func (s *Scheduler) RunSettlement(parent context.Context) error {
	if !s.isJobEnabled("settle_organizations") {
		return nil
	}
	return s.runJob(parent, "settle_organizations", 5*time.Minute, s.SettleOrganizationsJob)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs enables everything (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if enabled == jobName {
			return true
		}
	}
	return false
}

// IngestBankFeedJob polls the bank collaborator per linked user and pipes
// fresh transactions through the roundup engine. The engine's external-id
// key makes re-delivered transactions harmless.
func (s *Scheduler) IngestBankFeedJob(ctx context.Context) error {
	users, err := s.feed.ListLinkedUsers(ctx)
	if err != nil {
		return err
	}

	var errs []error
	schedMetrics := obsmetrics.Scheduler()
	for _, userID := range users {
		txns, err := s.feed.ListRecentTransactions(ctx, userID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(txns) == 0 {
			continue
		}
		summary, err := s.roundupSvc.ProcessTransactions(ctx, userID, txns)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		schedMetrics.AddBatchProcessed("ingest_bank_feed", "roundup_transaction", summary.Created)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) CollectBatchesJob(ctx context.Context) error {
	summary, err := s.batchSvc.CollectDue(ctx, s.clock.Now())
	if summary.BatchesCreated > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("collect_batches", "collection_batch", summary.BatchesCreated)
		s.log.Info("collection run finished",
			zap.Int("batches", summary.BatchesCreated),
			zap.Int("roundups", summary.RoundupsSwept),
			zap.Int64("total_amount", summary.TotalAmount),
		)
	}
	return err
}

func (s *Scheduler) SubmitChargesJob(ctx context.Context) error {
	summary, err := s.batchSvc.SubmitCharges(ctx)
	if summary.Submitted > 0 || summary.Failed > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("submit_charges", "collection_batch", summary.Submitted)
		s.log.Info("charge submission finished",
			zap.Int("submitted", summary.Submitted),
			zap.Int("failed", summary.Failed),
		)
	}
	return err
}

func (s *Scheduler) RetryFailedJob(ctx context.Context) error {
	summary, err := s.batchSvc.RetryFailed(ctx)
	if summary.Submitted > 0 || summary.Exhausted > 0 {
		s.log.Info("retry run finished",
			zap.Int("resubmitted", summary.Submitted),
			zap.Int("exhausted", summary.Exhausted),
		)
	}
	return err
}

func (s *Scheduler) SettleOrganizationsJob(ctx context.Context) error {
	summary, err := s.orgPayoutSvc.SettleAll(ctx, s.clock.Now())
	if summary.Settled > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("settle_organizations", "organization_payout", summary.Settled)
		s.log.Info("settlement run finished",
			zap.Int("settled", summary.Settled),
			zap.Int("skipped", summary.Skipped),
			zap.Int64("total_amount", summary.TotalAmount),
		)
	}
	return err
}

func (s *Scheduler) AccrueCommissionsJob(ctx context.Context) error {
	accrued, err := s.referralSvc.AccruePending(ctx)
	if accrued > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("accrue_commissions", "referral_commission", accrued)
	}
	return err
}
