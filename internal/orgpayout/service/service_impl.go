package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/smallbiznis/roundup/internal/clock"
	"github.com/smallbiznis/roundup/internal/config"
	donordomain "github.com/smallbiznis/roundup/internal/donorpayout/domain"
	"github.com/smallbiznis/roundup/internal/lock"
	"github.com/smallbiznis/roundup/internal/notify"
	obsmetrics "github.com/smallbiznis/roundup/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/roundup/internal/organization/domain"
	payoutdomain "github.com/smallbiznis/roundup/internal/orgpayout/domain"
	paymentdomain "github.com/smallbiznis/roundup/internal/payment/domain"
	"github.com/smallbiznis/roundup/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const settlementLockTTL = 5 * time.Minute

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Policy     *config.PolicyHolder
	Provider   paymentdomain.Provider
	OrgSvc     orgdomain.Service
	Locker     *lock.Locker `optional:"true"`
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
	orgSvc     orgdomain.Service
	locker     *lock.Locker
	notifier   *notify.Notifier
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) payoutdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("orgpayout.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		policy:     p.Policy,
		provider:   p.Provider,
		orgSvc:     p.OrgSvc,
		locker:     p.Locker,
		notifier:   p.Notifier,
		obsMetrics: p.ObsMetrics,
	}
}

// SettleAll sweeps every payout-enabled organization. An org that is not
// eligible today is simply skipped; its donor payouts stay unallocated and
// are picked up on a later run.
func (s *Service) SettleAll(ctx context.Context, asOf time.Time) (payoutdomain.SettleSummary, error) {
	var summary payoutdomain.SettleSummary

	orgs, err := s.orgSvc.ListPayoutEnabled(ctx)
	if err != nil {
		return summary, err
	}

	var errs []error
	for _, org := range orgs {
		payout, err := s.SettleOrganization(ctx, org.ID, asOf)
		if err != nil {
			if errors.Is(err, payoutdomain.ErrNotEligible) {
				summary.Skipped++
				continue
			}
			errs = append(errs, err)
			continue
		}
		if payout == nil {
			summary.Skipped++
			continue
		}
		summary.Settled++
		summary.TotalAmount += payout.NetAmount
	}
	return summary, errors.Join(errs...)
}

// SettleOrganization aggregates the org's settled, unallocated donor
// payouts into one transfer and writes the allocation ledger atomically.
// The transfer idempotency key is deterministic, so a crash between the
// provider call and the commit resolves to the same transfer on retry.
func (s *Service) SettleOrganization(ctx context.Context, orgID snowflake.ID, windowEnd time.Time) (*payoutdomain.OrganizationPayout, error) {
	org, err := s.orgSvc.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !org.IsActive || !org.PayoutsEnabled || org.ProviderAccountID == "" {
		return nil, payoutdomain.ErrNotEligible
	}

	token, acquired, err := s.locker.TryLock(ctx, orgID, settlementLockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		s.log.Info("settlement already running elsewhere", zap.Int64("org_id", int64(orgID)))
		return nil, nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), orgID, token); err != nil {
			s.log.Warn("settlement lock release failed", zap.Error(err))
		}
	}()

	donors, err := s.eligibleDonorPayouts(ctx, s.db, orgID, windowEnd)
	if err != nil {
		return nil, err
	}
	if len(donors) == 0 {
		return nil, nil
	}

	policy := s.policy.Current()
	gross, roundups := int64(0), 0
	periodStart := donors[0].PeriodStart
	for _, donor := range donors {
		gross += donor.NetAmount
		roundups += donor.TransactionCount
		if donor.PeriodStart.Before(periodStart) {
			periodStart = donor.PeriodStart
		}
	}
	platformFee := policy.PlatformFee(gross, org.PlatformFeeBps)
	net := gross - platformFee

	transferID, err := s.createTransferWithBackoff(ctx, paymentdomain.TransferRequest{
		OrgID:             orgID,
		ProviderAccountID: org.ProviderAccountID,
		Amount:            net,
		Currency:          "usd",
		IdempotencyKey:    fmt.Sprintf("settle:%d:%s", orgID, windowEnd.UTC().Format("2006-01-02")),
		Description:       fmt.Sprintf("roundup settlement through %s", windowEnd.UTC().Format("2006-01-02")),
	})
	if err != nil {
		return nil, err
	}

	payout := &payoutdomain.OrganizationPayout{
		ID:                s.genID.Generate(),
		OrgID:             orgID,
		TransferID:        transferID,
		GrossAmount:       gross,
		PlatformFee:       platformFee,
		NetAmount:         net,
		DonorCount:        len(donors),
		RoundupsProcessed: roundups,
		PeriodStart:       periodStart,
		PeriodEnd:         windowEnd.UTC(),
		Status:            payoutdomain.TransferStatusProcessing,
		CreatedAt:         s.clock.Now(),
		UpdatedAt:         s.clock.Now(),
	}

	snapshotIDs := make([]snowflake.ID, 0, len(donors))
	for _, donor := range donors {
		snapshotIDs = append(snapshotIDs, donor.ID)
	}

	var inserted, raced bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", int64(orgID)).Error; err != nil {
				return err
			}
		}

		// Re-lock exactly the rows the transfer was sized from. Donor
		// payouts settling after the snapshot roll to the next cycle; they
		// are not in this transfer.
		locked, err := s.lockDonorPayouts(ctx, tx, snapshotIDs)
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return nil
		}
		if len(locked) != len(snapshotIDs) {
			// Part of the snapshot was allocated elsewhere between the
			// reads. The deterministic transfer key lets a rerun for this
			// window resolve to the already-created transfer.
			raced = true
			return nil
		}

		allocations := make([]payoutdomain.PayoutAllocation, 0, len(locked))
		breakdown := make([]map[string]any, 0, len(locked))
		var allocated int64
		for _, donor := range locked {
			allocations = append(allocations, payoutdomain.PayoutAllocation{
				ID:                   s.genID.Generate(),
				DonorPayoutID:        donor.ID,
				OrganizationPayoutID: payout.ID,
				AllocatedAmount:      donor.NetAmount,
				CreatedAt:            s.clock.Now(),
			})
			allocated += donor.NetAmount
			breakdown = append(breakdown, map[string]any{
				"donor_payout_id": donor.ID.String(),
				"user_id":         donor.UserID.String(),
				"amount":          donor.NetAmount,
			})
		}

		// Every donor payout must be carried in full and the allocations
		// must account for every cent of the pooled gross. The set is
		// pinned above, so a mismatch here is a real ledger defect.
		if allocated != payout.GrossAmount || len(locked) != payout.DonorCount {
			s.obsMetrics.RecordAllocationViolation(ctx)
			s.log.Error("allocation ledger does not balance",
				zap.Int64("org_id", int64(orgID)),
				zap.Int64("allocated", allocated),
				zap.Int64("gross", payout.GrossAmount),
			)
			return payoutdomain.ErrAllocationInvariant
		}

		breakdownJSON, err := json.Marshal(breakdown)
		if err != nil {
			return err
		}
		payout.Breakdown = datatypes.JSON(breakdownJSON)

		result := tx.Exec(`
			INSERT INTO organization_payouts
				(id, org_id, transfer_id, gross_amount, platform_fee,
				 net_amount, donor_count, roundups_processed, period_start,
				 period_end, status, breakdown, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (transfer_id) DO NOTHING
		`, payout.ID, payout.OrgID, payout.TransferID, payout.GrossAmount,
			payout.PlatformFee, payout.NetAmount, payout.DonorCount,
			payout.RoundupsProcessed, payout.PeriodStart, payout.PeriodEnd,
			payout.Status, string(payout.Breakdown), payout.CreatedAt, payout.UpdatedAt)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			s.log.Info("transfer already settled, dropping duplicate run",
				zap.String("transfer_id", payout.TransferID))
			return nil
		}

		if err := tx.Create(&allocations).Error; err != nil {
			return err
		}

		now := s.clock.Now()
		ids := make([]snowflake.ID, 0, len(locked))
		for _, donor := range locked {
			ids = append(ids, donor.ID)
		}
		stamp := tx.Model(&donordomain.DonorPayout{}).
			Where("id IN ? AND allocated_at IS NULL", ids).
			Update("allocated_at", &now)
		if stamp.Error != nil {
			return stamp.Error
		}
		if int(stamp.RowsAffected) != len(ids) {
			s.obsMetrics.RecordAllocationViolation(ctx)
			return payoutdomain.ErrAllocationInvariant
		}

		inserted = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raced {
		s.log.Warn("settlement snapshot shrank mid-run, retrying next pass",
			zap.Int64("org_id", int64(orgID)),
			zap.String("transfer_id", transferID),
		)
		return nil, nil
	}
	if !inserted {
		return nil, nil
	}

	s.obsMetrics.RecordOrganizationPayout(ctx)
	s.obsMetrics.RecordAllocations(ctx, payout.DonorCount)
	s.notifier.Emit(ctx, notify.Event{
		ID:         uuid.NewString(),
		Type:       notify.EventOrgPayoutTransferred,
		OrgID:      orgID,
		OccurredAt: s.clock.Now(),
		Payload: map[string]any{
			"organization_payout_id": payout.ID.String(),
			"transfer_id":            payout.TransferID,
			"net_amount":             payout.NetAmount,
			"donor_count":            payout.DonorCount,
		},
	})
	return payout, nil
}

func (s *Service) eligibleDonorPayouts(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, windowEnd time.Time) ([]donordomain.DonorPayout, error) {
	var donors []donordomain.DonorPayout
	query := fmt.Sprintf(`
		SELECT * FROM donor_payouts
		WHERE org_id = ? AND status = ? AND allocated_at IS NULL AND period_end <= ?
		ORDER BY id%s
	`, db.ClaimSuffix(conn))
	err := conn.WithContext(ctx).
		Raw(query, orgID, donordomain.PayoutStatusSucceeded, windowEnd.UTC()).
		Scan(&donors).Error
	return donors, err
}

// lockDonorPayouts re-reads a known id set under the transaction, keeping
// only rows still settled and unallocated.
func (s *Service) lockDonorPayouts(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) ([]donordomain.DonorPayout, error) {
	var donors []donordomain.DonorPayout
	query := fmt.Sprintf(`
		SELECT * FROM donor_payouts
		WHERE id IN ? AND status = ? AND allocated_at IS NULL
		ORDER BY id%s
	`, db.ClaimSuffix(tx))
	err := tx.WithContext(ctx).
		Raw(query, ids, donordomain.PayoutStatusSucceeded).
		Scan(&donors).Error
	return donors, err
}

func (s *Service) createTransferWithBackoff(ctx context.Context, req paymentdomain.TransferRequest) (string, error) {
	var transferID string
	operation := func() error {
		id, err := s.provider.CreateTransfer(ctx, req)
		if err != nil {
			if errors.Is(err, paymentdomain.ErrRetryable) {
				return err
			}
			return backoff.Permanent(err)
		}
		transferID = id
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}
	return transferID, nil
}

func (s *Service) ApplyTransferSucceeded(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	return s.setTransferStatus(ctx, event.TransferID, payoutdomain.TransferStatusSucceeded)
}

func (s *Service) ApplyTransferFailed(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	return s.setTransferStatus(ctx, event.TransferID, payoutdomain.TransferStatusFailed)
}

func (s *Service) setTransferStatus(ctx context.Context, transferID string, status payoutdomain.TransferStatus) error {
	result := s.db.WithContext(ctx).
		Model(&payoutdomain.OrganizationPayout{}).
		Where("transfer_id = ? AND status = ?", transferID, payoutdomain.TransferStatusProcessing).
		Updates(map[string]any{
			"status":     status,
			"updated_at": s.clock.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Warn("transfer event for unknown or finalized payout",
			zap.String("transfer_id", transferID),
			zap.String("status", string(status)),
		)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*payoutdomain.OrganizationPayout, error) {
	var payout payoutdomain.OrganizationPayout
	if err := s.db.WithContext(ctx).First(&payout, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payoutdomain.ErrNotFound
		}
		return nil, err
	}
	return &payout, nil
}

func (s *Service) ListAllocations(ctx context.Context, orgPayoutID snowflake.ID) ([]payoutdomain.PayoutAllocation, error) {
	var allocations []payoutdomain.PayoutAllocation
	err := s.db.WithContext(ctx).
		Where("organization_payout_id = ?", orgPayoutID).
		Order("id").
		Find(&allocations).Error
	return allocations, err
}
