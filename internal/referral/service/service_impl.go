package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/roundup/internal/clock"
	"github.com/smallbiznis/roundup/internal/config"
	"github.com/smallbiznis/roundup/internal/notify"
	obsmetrics "github.com/smallbiznis/roundup/internal/observability/metrics"
	orgpayoutdomain "github.com/smallbiznis/roundup/internal/orgpayout/domain"
	referraldomain "github.com/smallbiznis/roundup/internal/referral/domain"
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

func NewService(p Params) referraldomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("referral.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		policy:     p.Policy,
		notifier:   p.Notifier,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateReferral(ctx context.Context, referringOrgID, referredOrgID snowflake.ID) (*referraldomain.OrganizationReferral, error) {
	if referringOrgID == 0 || referredOrgID == 0 || referringOrgID == referredOrgID {
		return nil, referraldomain.ErrInvalidReferral
	}

	policy := s.policy.Current()
	referral := referraldomain.OrganizationReferral{
		ID:                     s.genID.Generate(),
		ReferringOrgID:         referringOrgID,
		ReferredOrgID:          referredOrgID,
		ReferralCode:           generateCode(),
		Status:                 referraldomain.ReferralStatusPending,
		CommissionRateBps:      policy.CommissionRateBps,
		CommissionPeriodMonths: policy.CommissionMonths,
		CreatedAt:              s.clock.Now(),
		UpdatedAt:              s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&referral).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, referraldomain.ErrCodeTaken
		}
		return nil, err
	}
	return &referral, nil
}

func (s *Service) Activate(ctx context.Context, code string) (*referraldomain.OrganizationReferral, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, referraldomain.ErrInvalidReferral
	}

	var referral referraldomain.OrganizationReferral
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("referral_code = ?", code).First(&referral).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return referraldomain.ErrNotFound
			}
			return err
		}
		if referral.Status == referraldomain.ReferralStatusActive {
			return nil
		}
		if referral.Status != referraldomain.ReferralStatusPending {
			return referraldomain.ErrInvalidReferral
		}

		now := s.clock.Now()
		referral.Status = referraldomain.ReferralStatusActive
		referral.ActivatedAt = &now
		referral.UpdatedAt = now
		return tx.Model(&referraldomain.OrganizationReferral{}).
			Where("id = ?", referral.ID).
			Updates(map[string]any{
				"status":       referral.Status,
				"activated_at": referral.ActivatedAt,
				"updated_at":   referral.UpdatedAt,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &referral, nil
}

// AccrueForPayout writes at most one commission per active referral for the
// payout. A referral whose window has lapsed contributes nothing and is not
// an error.
func (s *Service) AccrueForPayout(ctx context.Context, payout *orgpayoutdomain.OrganizationPayout) (int, error) {
	var referrals []referraldomain.OrganizationReferral
	if err := s.db.WithContext(ctx).
		Where("referred_org_id = ? AND status = ?", payout.OrgID, referraldomain.ReferralStatusActive).
		Order("id").
		Find(&referrals).Error; err != nil {
		return 0, err
	}

	accrued := 0
	now := s.clock.Now()
	for _, referral := range referrals {
		if !referral.WindowContains(now) {
			continue
		}

		amount := commissionAmount(payout.NetAmount, referral.CommissionRateBps)
		if amount <= 0 {
			continue
		}

		commission := referraldomain.ReferralCommission{
			ID:                   s.genID.Generate(),
			ReferralID:           referral.ID,
			OrganizationPayoutID: payout.ID,
			Amount:               amount,
			BaseAmount:           payout.NetAmount,
			RateBps:              referral.CommissionRateBps,
			PeriodStart:          payout.PeriodStart,
			PeriodEnd:            payout.PeriodEnd,
			CreatedAt:            now,
		}
		var inserted bool
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Exec(`
				INSERT INTO referral_commissions
					(id, referral_id, organization_payout_id, amount,
					 base_amount, rate_bps, period_start, period_end, paid, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (referral_id, organization_payout_id) DO NOTHING
			`, commission.ID, commission.ReferralID, commission.OrganizationPayoutID,
				commission.Amount, commission.BaseAmount, commission.RateBps,
				commission.PeriodStart, commission.PeriodEnd, commission.Paid,
				commission.CreatedAt)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}
			inserted = true
			return tx.Model(&referraldomain.OrganizationReferral{}).
				Where("id = ?", referral.ID).
				Updates(map[string]any{
					"total_commission_earned": gorm.Expr("total_commission_earned + ?", amount),
					"updated_at":              now,
				}).Error
		})
		if err != nil {
			return accrued, err
		}
		if !inserted {
			continue
		}

		accrued++
		s.obsMetrics.RecordCommissionAccrued(ctx)
		s.notifier.Emit(ctx, notify.Event{
			ID:         uuid.NewString(),
			Type:       notify.EventCommissionAccrued,
			OrgID:      referral.ReferringOrgID,
			OccurredAt: now,
			Payload: map[string]any{
				"referral_id":            referral.ID.String(),
				"organization_payout_id": payout.ID.String(),
				"amount":                 amount,
			},
		})
	}
	return accrued, nil
}

// AccruePending visits settled payouts for referred organizations that have
// no commission row yet. The per-pair unique key keeps revisits harmless.
func (s *Service) AccruePending(ctx context.Context) (int, error) {
	var payouts []orgpayoutdomain.OrganizationPayout
	err := s.db.WithContext(ctx).
		Raw(`
			SELECT op.* FROM organization_payouts op
			WHERE op.status = ?
			  AND EXISTS (
				SELECT 1 FROM organization_referrals r
				WHERE r.referred_org_id = op.org_id AND r.status = ?
			  )
			  AND NOT EXISTS (
				SELECT 1 FROM referral_commissions rc
				WHERE rc.organization_payout_id = op.id
			  )
			ORDER BY op.id
		`, orgpayoutdomain.TransferStatusSucceeded, referraldomain.ReferralStatusActive).
		Scan(&payouts).Error
	if err != nil {
		return 0, err
	}

	total := 0
	var errs []error
	for i := range payouts {
		n, err := s.AccrueForPayout(ctx, &payouts[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

func (s *Service) Stats(ctx context.Context, referringOrgID snowflake.ID) (referraldomain.Stats, error) {
	var stats referraldomain.Stats
	row := s.db.WithContext(ctx).Raw(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(total_commission_earned), 0),
		       COALESCE(SUM(commission_paid), 0)
		FROM organization_referrals
		WHERE referring_org_id = ?
	`, referraldomain.ReferralStatusActive, referringOrgID).Row()
	if err := row.Scan(&stats.ReferralCount, &stats.ActiveCount, &stats.TotalCommissionEarned, &stats.CommissionPaid); err != nil {
		return stats, err
	}
	return stats, nil
}

// commissionAmount is base × rate in basis points, rounded half up.
func commissionAmount(base int64, rateBps int) int64 {
	if base <= 0 || rateBps <= 0 {
		return 0
	}
	return (base*int64(rateBps) + 5_000) / 10_000
}

func generateCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "REF-" + raw[:8]
}
