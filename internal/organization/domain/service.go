package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Capability mirrors the onboarding collaborator's read-only view of what an
// organization may do.
type Capability struct {
	IsActive       bool
	ChargesEnabled bool
	PayoutsEnabled bool
}

type Service interface {
	Get(ctx context.Context, orgID snowflake.ID) (*Organization, error)
	Capability(ctx context.Context, orgID snowflake.ID) (Capability, error)
	ListPayoutEnabled(ctx context.Context) ([]Organization, error)
	ApplyCapability(ctx context.Context, orgID snowflake.ID, capability Capability) error
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrOrganizationExists  = errors.New("organization_exists")
	ErrNotFound            = errors.New("organization_not_found")
)
