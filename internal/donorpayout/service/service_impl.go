package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	batchdomain "github.com/smallbiznis/roundup/internal/batch/domain"
	"github.com/smallbiznis/roundup/internal/clock"
	"github.com/smallbiznis/roundup/internal/config"
	payoutdomain "github.com/smallbiznis/roundup/internal/donorpayout/domain"
	"github.com/smallbiznis/roundup/internal/notify"
	obsmetrics "github.com/smallbiznis/roundup/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/roundup/internal/payment/domain"
	prefdomain "github.com/smallbiznis/roundup/internal/preference/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Policy     *config.PolicyHolder
	Notifier   *notify.Notifier
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	policy     *config.PolicyHolder
	notifier   *notify.Notifier
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) payoutdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("donorpayout.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		policy:     p.Policy,
		notifier:   p.Notifier,
		obsMetrics: p.ObsMetrics,
	}
}

// ApplyChargeSucceeded creates the donor payout for a settled charge and
// closes out the batch. The unique charge id absorbs event replays.
func (s *Service) ApplyChargeSucceeded(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	var batch batchdomain.CollectionBatch
	err := s.db.WithContext(ctx).
		Where("charge_id = ?", event.ChargeID).
		First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Warn("charge succeeded for unknown batch", zap.String("charge_id", event.ChargeID))
			return payoutdomain.ErrUnknownCharge
		}
		return err
	}

	var pref prefdomain.RoundupPreference
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND org_id = ?", batch.UserID, batch.OrgID).
		First(&pref).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	payout := s.buildPayout(batch, pref)
	var inserted bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(`
			INSERT INTO donor_payouts
				(id, user_id, org_id, batch_id, charge_id, amount_collected,
				 fees_covered_by_donor, fee_retained, net_amount,
				 transaction_count, multiplier_applied, cap_applied,
				 period_start, period_end, status, summary, created_at, processed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (charge_id) DO NOTHING
		`, payout.ID, payout.UserID, payout.OrgID, payout.BatchID, payout.ChargeID,
			payout.AmountCollected, payout.FeesCoveredByDonor, payout.FeeRetained,
			payout.NetAmount, payout.TransactionCount, payout.MultiplierApplied,
			payout.CapApplied, payout.PeriodStart, payout.PeriodEnd,
			payout.Status, string(payout.Summary), payout.CreatedAt, payout.ProcessedAt)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			s.log.Info("duplicate charge settlement dropped", zap.String("charge_id", event.ChargeID))
			return nil
		}
		inserted = true

		return tx.Model(&batchdomain.CollectionBatch{}).
			Where("id = ? AND status <> ?", batch.ID, batchdomain.BatchStatusSucceeded).
			Updates(map[string]any{
				"status":     batchdomain.BatchStatusSucceeded,
				"updated_at": s.clock.Now(),
			}).Error
	})
	if err != nil || !inserted {
		return err
	}

	s.obsMetrics.RecordDonorPayout(ctx)
	s.notifier.Emit(ctx, notify.Event{
		ID:         uuid.NewString(),
		Type:       notify.EventDonorPayoutSettled,
		OrgID:      payout.OrgID,
		UserID:     payout.UserID,
		OccurredAt: s.clock.Now(),
		Payload: map[string]any{
			"donor_payout_id": payout.ID.String(),
			"charge_id":       payout.ChargeID,
			"net_amount":      payout.NetAmount,
		},
	})
	return nil
}

func (s *Service) buildPayout(batch batchdomain.CollectionBatch, pref prefdomain.RoundupPreference) payoutdomain.DonorPayout {
	policy := s.policy.Current()

	collected := batch.ChargeAmount
	if collected == 0 {
		collected = batch.TotalAmount
	}

	var feeRetained, netAmount int64
	if batch.CoversProcessingFee {
		// Fee rode on top of the charge; the full roundup total flows on.
		feeRetained = batch.FeeAmount
		netAmount = batch.TotalAmount
	} else {
		feeRetained = policy.EstimateProcessingFee(batch.TotalAmount)
		netAmount = batch.TotalAmount - feeRetained
	}
	if netAmount < 0 {
		netAmount = 0
	}

	capApplied := pref.MonthlyCap > 0 && batch.TotalAmount >= pref.MonthlyCap
	multiplier := pref.Multiplier
	if multiplier == 0 {
		multiplier = 1
	}

	summary, _ := json.Marshal(map[string]any{
		"transaction_count": batch.TransactionCount,
		"gross":             collected,
		"fee_retained":      feeRetained,
		"net":               netAmount,
		"period_key":        batch.PeriodKey,
	})

	now := s.clock.Now()
	chargeID := ""
	if batch.ChargeID != nil {
		chargeID = *batch.ChargeID
	}
	return payoutdomain.DonorPayout{
		ID:                 s.genID.Generate(),
		UserID:             batch.UserID,
		OrgID:              batch.OrgID,
		BatchID:            batch.ID,
		ChargeID:           chargeID,
		AmountCollected:    collected,
		FeesCoveredByDonor: batch.CoversProcessingFee,
		FeeRetained:        feeRetained,
		NetAmount:          netAmount,
		TransactionCount:   batch.TransactionCount,
		MultiplierApplied:  multiplier,
		CapApplied:         capApplied,
		PeriodStart:        batch.PeriodStart,
		PeriodEnd:          batch.PeriodEnd,
		Status:             payoutdomain.PayoutStatusSucceeded,
		Summary:            datatypes.JSON(summary),
		CreatedAt:          now,
		ProcessedAt:        &now,
	}
}

// ApplyChargeFailed routes the batch back through the retry path. No donor
// payout exists for a failed charge.
func (s *Service) ApplyChargeFailed(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	result := s.db.WithContext(ctx).
		Model(&batchdomain.CollectionBatch{}).
		Where("charge_id = ? AND status <> ?", event.ChargeID, batchdomain.BatchStatusSucceeded).
		Updates(map[string]any{
			"status":         batchdomain.BatchStatusFailed,
			"failure_reason": event.FailureReason,
			"updated_at":     s.clock.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Warn("charge failed for unknown or settled batch", zap.String("charge_id", event.ChargeID))
	}
	return nil
}

func (s *Service) ApplyChargeRefunded(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	return s.MarkRefunded(ctx, event.ChargeID)
}

// MarkRefunded is the only post-success monetary transition. A payout that
// was already allocated keeps its allocation; refunds never rewrite history.
func (s *Service) MarkRefunded(ctx context.Context, chargeID string) error {
	result := s.db.WithContext(ctx).
		Model(&payoutdomain.DonorPayout{}).
		Where("charge_id = ? AND status = ?", chargeID, payoutdomain.PayoutStatusSucceeded).
		Update("status", payoutdomain.PayoutStatusRefunded)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var payout payoutdomain.DonorPayout
	err := s.db.WithContext(ctx).
		Where("charge_id = ?", chargeID).
		First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payoutdomain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if payout.Status == payoutdomain.PayoutStatusRefunded {
		return nil
	}
	return payoutdomain.ErrInvalidTransition
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*payoutdomain.DonorPayout, error) {
	var payout payoutdomain.DonorPayout
	if err := s.db.WithContext(ctx).First(&payout, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payoutdomain.ErrNotFound
		}
		return nil, err
	}
	return &payout, nil
}

func (s *Service) ListUnallocated(ctx context.Context, orgID snowflake.ID) ([]payoutdomain.DonorPayout, error) {
	var payouts []payoutdomain.DonorPayout
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND status = ? AND allocated_at IS NULL", orgID, payoutdomain.PayoutStatusSucceeded).
		Order("id").
		Find(&payouts).Error
	return payouts, err
}
