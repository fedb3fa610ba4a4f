package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	orgdomain "github.com/smallbiznis/roundup/internal/organization/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p Params) orgdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("organization.service"),
	}
}

func (s *Service) Get(ctx context.Context, orgID snowflake.ID) (*orgdomain.Organization, error) {
	if orgID == 0 {
		return nil, orgdomain.ErrInvalidOrganization
	}
	var org orgdomain.Organization
	err := s.db.WithContext(ctx).First(&org, "id = ?", orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, orgdomain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (s *Service) Capability(ctx context.Context, orgID snowflake.ID) (orgdomain.Capability, error) {
	org, err := s.Get(ctx, orgID)
	if err != nil {
		return orgdomain.Capability{}, err
	}
	return orgdomain.Capability{
		IsActive:       org.IsActive,
		ChargesEnabled: org.ChargesEnabled,
		PayoutsEnabled: org.PayoutsEnabled,
	}, nil
}

func (s *Service) ListPayoutEnabled(ctx context.Context) ([]orgdomain.Organization, error) {
	var orgs []orgdomain.Organization
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND payouts_enabled = ?", true, true).
		Order("id").
		Find(&orgs).Error
	if err != nil {
		return nil, err
	}
	return orgs, nil
}

// ApplyCapability persists the capability flags pushed by the onboarding
// collaborator. Payout eligibility flips take effect on the next settlement
// cycle; nothing is re-run retroactively.
func (s *Service) ApplyCapability(ctx context.Context, orgID snowflake.ID, capability orgdomain.Capability) error {
	if orgID == 0 {
		return orgdomain.ErrInvalidOrganization
	}
	result := s.db.WithContext(ctx).Exec(
		`UPDATE organizations
		 SET is_active = ?, charges_enabled = ?, payouts_enabled = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		capability.IsActive,
		capability.ChargesEnabled,
		capability.PayoutsEnabled,
		orgID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return orgdomain.ErrNotFound
	}
	s.log.Info("organization capability updated",
		zap.String("org_id", orgID.String()),
		zap.Bool("payouts_enabled", capability.PayoutsEnabled),
	)
	return nil
}
