package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	batchdomain "github.com/smallbiznis/roundup/internal/batch/domain"
	"github.com/smallbiznis/roundup/internal/clock"
	"github.com/smallbiznis/roundup/internal/config"
	"github.com/smallbiznis/roundup/internal/notify"
	obsmetrics "github.com/smallbiznis/roundup/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/roundup/internal/payment/domain"
	prefdomain "github.com/smallbiznis/roundup/internal/preference/domain"
	roundupdomain "github.com/smallbiznis/roundup/internal/roundup/domain"
	"github.com/smallbiznis/roundup/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Policy     *config.PolicyHolder
	Provider   paymentdomain.Provider
	Notifier   *notify.Notifier
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	policy     *config.PolicyHolder
	provider   paymentdomain.Provider
	notifier   *notify.Notifier
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) batchdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("batch.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		policy:     p.Policy,
		provider:   p.Provider,
		notifier:   p.Notifier,
		obsMetrics: p.ObsMetrics,
	}
}

type dueGroup struct {
	UserID snowflake.ID `gorm:"column:user_id"`
	OrgID  snowflake.ID `gorm:"column:org_id"`
}

// CollectDue sweeps pending roundups from closed periods into batches, one
// batch per (user, org) per closed period. Roundups left behind because a
// batch already existed ride along on the next run.
func (s *Service) CollectDue(ctx context.Context, asOf time.Time) (batchdomain.CollectSummary, error) {
	var summary batchdomain.CollectSummary

	var groups []dueGroup
	if err := s.db.WithContext(ctx).
		Model(&roundupdomain.RoundupTransaction{}).
		Select("user_id", "org_id").
		Where("status = ?", roundupdomain.RoundupStatusPending).
		Group("user_id, org_id").
		Order("user_id, org_id").
		Find(&groups).Error; err != nil {
		return summary, err
	}

	var errs []error
	for _, group := range groups {
		created, swept, amount, err := s.collectGroup(ctx, group.UserID, group.OrgID, asOf)
		if err != nil {
			s.log.Error("collect failed for pair",
				zap.Int64("user_id", int64(group.UserID)),
				zap.Int64("org_id", int64(group.OrgID)),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		if created {
			summary.BatchesCreated++
			summary.RoundupsSwept += swept
			summary.TotalAmount += amount
		}
	}
	return summary, errors.Join(errs...)
}

func (s *Service) collectGroup(ctx context.Context, userID, orgID snowflake.ID, asOf time.Time) (bool, int, int64, error) {
	var pref prefdomain.RoundupPreference
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND org_id = ?", userID, orgID).
		First(&pref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Preference deleted after roundups accrued; leave them pending.
			return false, 0, 0, nil
		}
		return false, 0, 0, err
	}

	// The batch is keyed to the most recently closed period. Anything still
	// pending from older periods folds into it.
	currentStart := pref.Frequency.PeriodStart(asOf)
	periodStart := pref.Frequency.PeriodStart(currentStart.Add(-time.Hour))
	periodEnd := pref.Frequency.PeriodEnd(periodStart)
	if !periodEnd.After(periodStart) || periodEnd.After(asOf.UTC()) {
		return false, 0, 0, nil
	}

	var (
		created bool
		swept   int
		total   int64
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		type claimed struct {
			ID            snowflake.ID `gorm:"column:id"`
			RoundupAmount int64        `gorm:"column:roundup_amount"`
		}
		var rows []claimed
		query := fmt.Sprintf(`
			SELECT id, roundup_amount FROM roundup_transactions
			WHERE user_id = ? AND org_id = ? AND status = ? AND transaction_date < ?
			ORDER BY id%s
		`, db.ClaimSuffix(tx))
		if err := tx.Raw(query, userID, orgID, roundupdomain.RoundupStatusPending, periodEnd).Scan(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]snowflake.ID, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
			total += row.RoundupAmount
		}

		batch := batchdomain.CollectionBatch{
			ID:                  s.genID.Generate(),
			UserID:              userID,
			OrgID:               orgID,
			PeriodStart:         periodStart,
			PeriodEnd:           periodEnd,
			PeriodKey:           pref.Frequency.PeriodKey(periodStart),
			TotalAmount:         total,
			TransactionCount:    len(rows),
			CoversProcessingFee: pref.CoversProcessingFee,
			Status:              batchdomain.BatchStatusPending,
			IdempotencyKey:      uuid.NewString(),
			CreatedAt:           s.clock.Now(),
			UpdatedAt:           s.clock.Now(),
		}
		result := tx.Exec(`
			INSERT INTO collection_batches
				(id, user_id, org_id, period_start, period_end, period_key,
				 total_amount, fee_amount, charge_amount, transaction_count,
				 covers_processing_fee, status, idempotency_key, retry_attempts,
				 failure_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?, 0, '', ?, ?)
			ON CONFLICT (user_id, org_id, period_start) DO NOTHING
		`, batch.ID, batch.UserID, batch.OrgID, batch.PeriodStart, batch.PeriodEnd,
			batch.PeriodKey, batch.TotalAmount, batch.TransactionCount,
			batch.CoversProcessingFee, batch.Status, batch.IdempotencyKey,
			batch.CreatedAt, batch.UpdatedAt)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// A batch for this period already exists; these roundups wait
			// for the next closed period.
			total = 0
			return nil
		}

		if err := tx.Model(&roundupdomain.RoundupTransaction{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":   roundupdomain.RoundupStatusBatched,
				"batch_id": batch.ID,
			}).Error; err != nil {
			return err
		}

		created = true
		swept = len(rows)
		s.emitBatchCreated(ctx, batch)
		return nil
	})
	if err != nil {
		return false, 0, 0, err
	}
	if created {
		s.obsMetrics.RecordBatchCreated(ctx)
	}
	return created, swept, total, nil
}

func (s *Service) emitBatchCreated(ctx context.Context, batch batchdomain.CollectionBatch) {
	s.notifier.Emit(ctx, notify.Event{
		ID:         uuid.NewString(),
		Type:       notify.EventBatchCreated,
		OrgID:      batch.OrgID,
		UserID:     batch.UserID,
		OccurredAt: s.clock.Now(),
		Payload: map[string]any{
			"batch_id":          batch.ID.String(),
			"total_amount":      batch.TotalAmount,
			"transaction_count": batch.TransactionCount,
			"period_key":        batch.PeriodKey,
		},
	})
}

// SubmitCharges sends every pending batch to the processor. The stored
// idempotency key makes a resubmit after a crash safe.
func (s *Service) SubmitCharges(ctx context.Context) (batchdomain.SubmitSummary, error) {
	return s.submitWhere(ctx, "status = ?", batchdomain.BatchStatusPending)
}

// RetryFailed resubmits failed batches below the retry ceiling. Batches at
// the ceiling are left terminal and announced once.
func (s *Service) RetryFailed(ctx context.Context) (batchdomain.SubmitSummary, error) {
	ceiling := s.policy.Current().BatchRetryCeiling
	return s.submitWhere(ctx, "status = ? AND retry_attempts < ?", batchdomain.BatchStatusFailed, ceiling)
}

func (s *Service) submitWhere(ctx context.Context, cond string, args ...any) (batchdomain.SubmitSummary, error) {
	var summary batchdomain.SubmitSummary

	var batches []batchdomain.CollectionBatch
	if err := s.db.WithContext(ctx).
		Where(cond, args...).
		Order("id").
		Find(&batches).Error; err != nil {
		return summary, err
	}

	policy := s.policy.Current()
	var errs []error
	for i := range batches {
		batch := &batches[i]
		if err := s.submitOne(ctx, batch, policy); err != nil {
			summary.Failed++
			if batch.RetryAttempts >= policy.BatchRetryCeiling {
				summary.Exhausted++
			}
			if !errors.Is(err, paymentdomain.ErrRetryable) {
				errs = append(errs, err)
			}
			continue
		}
		summary.Submitted++
	}
	return summary, errors.Join(errs...)
}

func (s *Service) submitOne(ctx context.Context, batch *batchdomain.CollectionBatch, policy config.PolicyConfig) error {
	fee := int64(0)
	if batch.CoversProcessingFee {
		fee = policy.EstimateProcessingFee(batch.TotalAmount)
	}
	chargeAmount := batch.TotalAmount + fee

	chargeID, err := s.createChargeWithBackoff(ctx, paymentdomain.ChargeRequest{
		UserID:         batch.UserID,
		OrgID:          batch.OrgID,
		Amount:         chargeAmount,
		Currency:       "usd",
		IdempotencyKey: batch.IdempotencyKey,
		Description:    fmt.Sprintf("roundup collection %s", batch.PeriodKey),
	})
	if err != nil {
		s.obsMetrics.RecordChargeSubmitted(ctx, "failed")
		return s.recordSubmitFailure(ctx, batch, policy, err)
	}

	now := s.clock.Now()
	if err := s.db.WithContext(ctx).
		Model(&batchdomain.CollectionBatch{}).
		Where("id = ? AND status IN ?", batch.ID, []batchdomain.BatchStatus{
			batchdomain.BatchStatusPending, batchdomain.BatchStatusFailed,
		}).
		Updates(map[string]any{
			"status":        batchdomain.BatchStatusSubmitted,
			"charge_id":     chargeID,
			"fee_amount":    fee,
			"charge_amount": chargeAmount,
			"updated_at":    now,
		}).Error; err != nil {
		return err
	}
	s.obsMetrics.RecordChargeSubmitted(ctx, "submitted")
	s.log.Info("charge submitted",
		zap.String("batch_id", batch.ID.String()),
		zap.String("charge_id", chargeID),
		zap.Int64("amount", chargeAmount),
	)
	return nil
}

func (s *Service) createChargeWithBackoff(ctx context.Context, req paymentdomain.ChargeRequest) (string, error) {
	var chargeID string
	operation := func() error {
		id, err := s.provider.CreateCharge(ctx, req)
		if err != nil {
			if errors.Is(err, paymentdomain.ErrRetryable) {
				return err
			}
			return backoff.Permanent(err)
		}
		chargeID = id
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}
	return chargeID, nil
}

func (s *Service) recordSubmitFailure(ctx context.Context, batch *batchdomain.CollectionBatch, policy config.PolicyConfig, cause error) error {
	now := s.clock.Now()
	batch.RetryAttempts++
	batch.Status = batchdomain.BatchStatusFailed

	if err := s.db.WithContext(ctx).
		Model(&batchdomain.CollectionBatch{}).
		Where("id = ? AND status <> ?", batch.ID, batchdomain.BatchStatusSucceeded).
		Updates(map[string]any{
			"status":         batchdomain.BatchStatusFailed,
			"retry_attempts": batch.RetryAttempts,
			"last_retry_at":  &now,
			"failure_reason": cause.Error(),
			"updated_at":     now,
		}).Error; err != nil {
		return err
	}

	if batch.RetryAttempts >= policy.BatchRetryCeiling {
		s.notifier.Emit(ctx, notify.Event{
			ID:         uuid.NewString(),
			Type:       notify.EventBatchRetriesExhausted,
			OrgID:      batch.OrgID,
			UserID:     batch.UserID,
			OccurredAt: now,
			Payload: map[string]any{
				"batch_id":       batch.ID.String(),
				"retry_attempts": batch.RetryAttempts,
				"failure_reason": cause.Error(),
			},
		})
	}
	return cause
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*batchdomain.CollectionBatch, error) {
	var batch batchdomain.CollectionBatch
	if err := s.db.WithContext(ctx).First(&batch, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, batchdomain.ErrNotFound
		}
		return nil, err
	}
	return &batch, nil
}
