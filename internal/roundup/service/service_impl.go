package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/roundup/internal/bank"
	"github.com/smallbiznis/roundup/internal/config"
	obsmetrics "github.com/smallbiznis/roundup/internal/observability/metrics"
	prefdomain "github.com/smallbiznis/roundup/internal/preference/domain"
	roundupdomain "github.com/smallbiznis/roundup/internal/roundup/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	PrefSvc    prefdomain.Service
	Policy     *config.PolicyHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	prefSvc    prefdomain.Service
	policy     *config.PolicyHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) roundupdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("roundup.service"),
		genID:      p.GenID,
		prefSvc:    p.PrefSvc,
		policy:     p.Policy,
		obsMetrics: p.ObsMetrics,
	}
}

const (
	skipReasonPaused    = "paused"
	skipReasonCategory  = "excluded_category"
	skipReasonMinimum   = "below_minimum"
	skipReasonCap       = "monthly_cap"
	skipReasonZeroValue = "whole_unit_amount"
)

func (s *Service) ProcessTransactions(ctx context.Context, userID snowflake.ID, txns []bank.Transaction) (roundupdomain.ProcessSummary, error) {
	var summary roundupdomain.ProcessSummary
	if userID == 0 {
		return summary, roundupdomain.ErrInvalidUser
	}
	if len(txns) == 0 {
		return summary, nil
	}

	prefs, err := s.prefSvc.ListActiveByUser(ctx, userID)
	if err != nil {
		return summary, err
	}
	if len(prefs) == 0 {
		summary.Skipped = len(txns)
		return summary, nil
	}

	policy := s.policy.Current()
	for _, txn := range txns {
		created, amount, err := s.processOne(ctx, userID, txn, prefs, policy)
		if err != nil {
			return summary, err
		}
		switch {
		case created:
			summary.Created++
			summary.TotalRoundup += amount
			s.obsMetrics.RecordRoundup(ctx)
		case amount < 0:
			summary.Duplicates++
		default:
			summary.Skipped++
		}
	}

	s.log.Debug("processed transaction feed",
		zap.String("user_id", userID.String()),
		zap.Int("created", summary.Created),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, nil
}

// processOne evaluates one bank transaction against the user's preferences.
// Returns (created, roundupAmount). amount = -1 flags a replayed external id.
// A transaction is attributed to at most one preference; preferences are
// evaluated in org-id order so attribution is deterministic.
func (s *Service) processOne(
	ctx context.Context,
	userID snowflake.ID,
	txn bank.Transaction,
	prefs []prefdomain.RoundupPreference,
	policy config.PolicyConfig,
) (bool, int64, error) {
	if txn.ExternalID == "" || txn.Amount <= 0 {
		return false, 0, nil
	}

	for _, pref := range prefs {
		if pref.Paused || !pref.RoundupsEnabled {
			s.obsMetrics.RecordRoundupSkipped(ctx, skipReasonPaused)
			continue
		}
		if categoryExcluded(pref.ExcludedCategories, txn.Category) {
			s.obsMetrics.RecordRoundupSkipped(ctx, skipReasonCategory)
			continue
		}

		raw := roundupdomain.CeilToUnit(txn.Amount)
		if raw == 0 {
			s.obsMetrics.RecordRoundupSkipped(ctx, skipReasonZeroValue)
			return false, 0, nil
		}
		amount := raw * int64(pref.Multiplier)
		if amount < pref.MinimumRoundup {
			s.obsMetrics.RecordRoundupSkipped(ctx, skipReasonMinimum)
			continue
		}

		inserted := false
		capped := false
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if pref.MonthlyCap > 0 {
				monthTotal, err := s.monthlyTotal(ctx, tx, userID, pref.OrgID, txn.Date)
				if err != nil {
					return err
				}
				if monthTotal+amount > pref.MonthlyCap {
					headroom := pref.MonthlyCap - monthTotal
					if policy.CapPolicy != config.CapPolicyTruncate || headroom < pref.MinimumRoundup || headroom <= 0 {
						capped = true
						return nil
					}
					amount = headroom
				}
			}

			result := tx.Exec(
				`INSERT INTO roundup_transactions (
					id, user_id, org_id, external_transaction_id, account_id,
					amount, roundup_amount, category, merchant_name,
					period_key, transaction_date, status, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (external_transaction_id) DO NOTHING`,
				s.genID.Generate(),
				userID,
				pref.OrgID,
				txn.ExternalID,
				txn.AccountID,
				txn.Amount,
				amount,
				txn.Category,
				txn.MerchantName,
				pref.Frequency.PeriodKey(txn.Date),
				txn.Date.UTC(),
				roundupdomain.RoundupStatusPending,
				time.Now().UTC(),
			)
			if result.Error != nil {
				return result.Error
			}
			inserted = result.RowsAffected > 0
			return nil
		})
		if err != nil {
			return false, 0, err
		}
		if capped {
			s.obsMetrics.RecordRoundupSkipped(ctx, skipReasonCap)
			continue
		}
		if !inserted {
			// Replayed external id, silently absorbed.
			return false, -1, nil
		}
		return true, amount, nil
	}
	return false, 0, nil
}

// monthlyTotal sums a user's accrued roundups toward one organization for the
// calendar month containing ref. Runs inside the insert transaction so the
// cap invariant holds under serialized per-user processing.
func (s *Service) monthlyTotal(ctx context.Context, tx *gorm.DB, userID, orgID snowflake.ID, ref time.Time) (int64, error) {
	monthStart := time.Date(ref.UTC().Year(), ref.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	var total int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(roundup_amount), 0)
		 FROM roundup_transactions
		 WHERE user_id = ? AND org_id = ?
		   AND transaction_date >= ? AND transaction_date < ?`,
		userID, orgID, monthStart, monthEnd,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Service) PendingTotal(ctx context.Context, userID, orgID snowflake.ID) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(roundup_amount), 0)
		 FROM roundup_transactions
		 WHERE user_id = ? AND org_id = ? AND status = ?`,
		userID, orgID, roundupdomain.RoundupStatusPending,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func categoryExcluded(raw []byte, category string) bool {
	if len(raw) == 0 || category == "" {
		return false
	}
	var excluded []string
	if err := json.Unmarshal(raw, &excluded); err != nil {
		return false
	}
	for _, c := range excluded {
		if c == category {
			return true
		}
	}
	return false
}
