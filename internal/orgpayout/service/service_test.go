package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/roundup/internal/clock"
	"github.com/smallbiznis/roundup/internal/config"
	donordomain "github.com/smallbiznis/roundup/internal/donorpayout/domain"
	orgdomain "github.com/smallbiznis/roundup/internal/organization/domain"
	orgservice "github.com/smallbiznis/roundup/internal/organization/service"
	payoutdomain "github.com/smallbiznis/roundup/internal/orgpayout/domain"
	"github.com/smallbiznis/roundup/internal/payment/adapters/fakepay"
	paymentdomain "github.com/smallbiznis/roundup/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type settleFixture struct {
	conn    *gorm.DB
	svc     payoutdomain.Service
	node    *snowflake.Node
	clock   *clock.FakeClock
	gateway *fakepay.Adapter
	policy  config.PolicyConfig
}

func setupSettleTest(t *testing.T) *settleFixture {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	assert.NoError(t, err)

	err = conn.AutoMigrate(
		&orgdomain.Organization{},
		&donordomain.DonorPayout{},
		&payoutdomain.OrganizationPayout{},
		&payoutdomain.PayoutAllocation{},
	)
	assert.NoError(t, err)

	node, _ := snowflake.NewNode(1)
	fake := clock.NewFakeClock(time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	gateway := fakepay.New()
	policy := config.DefaultPolicyConfig()
	log := zap.NewNop()

	svc := NewService(Params{
		DB:       conn,
		Log:      log,
		GenID:    node,
		Clock:    fake,
		Policy:   config.NewStaticPolicyHolder(policy),
		Provider: gateway,
		OrgSvc:   orgservice.NewService(orgservice.Params{DB: conn, Log: log}),
	})
	return &settleFixture{conn: conn, svc: svc, node: node, clock: fake, gateway: gateway, policy: policy}
}

func (f *settleFixture) seedOrg(t *testing.T, payoutsEnabled bool) orgdomain.Organization {
	t.Helper()
	org := orgdomain.Organization{
		ID:                f.node.Generate(),
		Name:              "Clean Rivers",
		IsActive:          true,
		ChargesEnabled:    true,
		PayoutsEnabled:    payoutsEnabled,
		ProviderAccountID: fmt.Sprintf("acct_%d", f.node.Generate()),
	}
	assert.NoError(t, f.conn.Create(&org).Error)
	return org
}

func (f *settleFixture) seedDonorPayout(t *testing.T, orgID snowflake.ID, net int64) donordomain.DonorPayout {
	t.Helper()
	payout := donordomain.DonorPayout{
		ID:               f.node.Generate(),
		UserID:           f.node.Generate(),
		OrgID:            orgID,
		BatchID:          f.node.Generate(),
		ChargeID:         fmt.Sprintf("ch_%d", f.node.Generate()),
		AmountCollected:  net,
		NetAmount:        net,
		TransactionCount: 2,
		PeriodStart:      time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC),
		PeriodEnd:        time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		Status:           donordomain.PayoutStatusSucceeded,
	}
	assert.NoError(t, f.conn.Create(&payout).Error)
	return payout
}

func TestSettleOrganization_AllocatesEveryDonorPayout(t *testing.T) {
	f := setupSettleTest(t)
	org := f.seedOrg(t, true)
	f.seedDonorPayout(t, org.ID, 600)
	f.seedDonorPayout(t, org.ID, 400)

	payout, err := f.svc.SettleOrganization(context.Background(), org.ID, f.clock.Now())
	assert.NoError(t, err)
	assert.NotNil(t, payout)

	gross := int64(1000)
	platformFee := f.policy.PlatformFee(gross, nil)
	assert.Equal(t, gross, payout.GrossAmount)
	assert.Equal(t, platformFee, payout.PlatformFee)
	assert.Equal(t, gross-platformFee, payout.NetAmount)
	assert.Equal(t, 2, payout.DonorCount)

	// The allocation ledger accounts for every cent of the gross.
	var allocatedSum int64
	err = f.conn.Raw(`SELECT COALESCE(SUM(allocated_amount), 0) FROM payout_allocations WHERE organization_payout_id = ?`,
		payout.ID).Scan(&allocatedSum).Error
	assert.NoError(t, err)
	assert.Equal(t, gross, allocatedSum)

	var unallocated int64
	err = f.conn.Raw(`SELECT COUNT(*) FROM donor_payouts WHERE org_id = ? AND allocated_at IS NULL`,
		org.ID).Scan(&unallocated).Error
	assert.NoError(t, err)
	assert.Equal(t, int64(0), unallocated)

	assert.Len(t, f.gateway.Transfers, 1)
	assert.Equal(t, gross-platformFee, f.gateway.Transfers[0].Amount)
}

func TestSettleOrganization_PlatformFeeOverride(t *testing.T) {
	f := setupSettleTest(t)
	org := f.seedOrg(t, true)
	override := 250
	assert.NoError(t, f.conn.Model(&orgdomain.Organization{}).
		Where("id = ?", org.ID).
		Update("platform_fee_bps", override).Error)
	f.seedDonorPayout(t, org.ID, 1000)

	payout, err := f.svc.SettleOrganization(context.Background(), org.ID, f.clock.Now())
	assert.NoError(t, err)
	assert.NotNil(t, payout)
	assert.Equal(t, int64(25), payout.PlatformFee)
	assert.Equal(t, int64(975), payout.NetAmount)
}

func TestSettleOrganization_NotEligibleLeavesPayoutsForNextCycle(t *testing.T) {
	f := setupSettleTest(t)
	org := f.seedOrg(t, false)
	f.seedDonorPayout(t, org.ID, 500)

	_, err := f.svc.SettleOrganization(context.Background(), org.ID, f.clock.Now())
	assert.ErrorIs(t, err, payoutdomain.ErrNotEligible)

	var unallocated int64
	err = f.conn.Raw(`SELECT COUNT(*) FROM donor_payouts WHERE org_id = ? AND allocated_at IS NULL`,
		org.ID).Scan(&unallocated).Error
	assert.NoError(t, err)
	assert.Equal(t, int64(1), unallocated)

	// Once the org becomes eligible the stranded payout settles normally.
	assert.NoError(t, f.conn.Model(&orgdomain.Organization{}).
		Where("id = ?", org.ID).
		Update("payouts_enabled", true).Error)

	payout, err := f.svc.SettleOrganization(context.Background(), org.ID, f.clock.Now().Add(24*time.Hour))
	assert.NoError(t, err)
	assert.NotNil(t, payout)
	assert.Equal(t, 1, payout.DonorCount)
}

func TestSettleOrganization_NothingToSettle(t *testing.T) {
	f := setupSettleTest(t)
	org := f.seedOrg(t, true)

	payout, err := f.svc.SettleOrganization(context.Background(), org.ID, f.clock.Now())
	assert.NoError(t, err)
	assert.Nil(t, payout)
	assert.Len(t, f.gateway.Transfers, 0)
}

func TestSettleOrganization_DuplicateRunAbsorbed(t *testing.T) {
	f := setupSettleTest(t)
	org := f.seedOrg(t, true)
	f.seedDonorPayout(t, org.ID, 500)

	first, err := f.svc.SettleOrganization(context.Background(), org.ID, f.clock.Now())
	assert.NoError(t, err)
	assert.NotNil(t, first)

	// Same window again: nothing unallocated remains, so no second payout.
	second, err := f.svc.SettleOrganization(context.Background(), org.ID, f.clock.Now())
	assert.NoError(t, err)
	assert.Nil(t, second)

	var count int64
	err = f.conn.Raw(`SELECT COUNT(*) FROM organization_payouts WHERE org_id = ?`, org.ID).Scan(&count).Error
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSettleAll_SkipsIneligibleSettlesRest(t *testing.T) {
	f := setupSettleTest(t)
	eligible := f.seedOrg(t, true)
	disabled := f.seedOrg(t, false)
	f.seedDonorPayout(t, eligible.ID, 700)
	f.seedDonorPayout(t, disabled.ID, 300)

	summary, err := f.svc.SettleAll(context.Background(), f.clock.Now())
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.Settled)

	var count int64
	assert.NoError(t, f.conn.Raw(`SELECT COUNT(*) FROM organization_payouts`).Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestApplyTransferEvents(t *testing.T) {
	f := setupSettleTest(t)
	org := f.seedOrg(t, true)
	f.seedDonorPayout(t, org.ID, 500)

	payout, err := f.svc.SettleOrganization(context.Background(), org.ID, f.clock.Now())
	assert.NoError(t, err)
	assert.Equal(t, payoutdomain.TransferStatusProcessing, payout.Status)

	err = f.svc.ApplyTransferSucceeded(context.Background(), &paymentdomain.PaymentEvent{
		TransferID: payout.TransferID,
	})
	assert.NoError(t, err)

	var status string
	assert.NoError(t, f.conn.Raw(`SELECT status FROM organization_payouts WHERE id = ?`, payout.ID).Scan(&status).Error)
	assert.Equal(t, string(payoutdomain.TransferStatusSucceeded), status)

	// A late failure event cannot rewrite a finalized payout.
	err = f.svc.ApplyTransferFailed(context.Background(), &paymentdomain.PaymentEvent{
		TransferID: payout.TransferID,
	})
	assert.NoError(t, err)
	assert.NoError(t, f.conn.Raw(`SELECT status FROM organization_payouts WHERE id = ?`, payout.ID).Scan(&status).Error)
	assert.Equal(t, string(payoutdomain.TransferStatusSucceeded), status)
}

// midSettlementProvider delegates to fakepay but runs a callback before
// the transfer call, standing in for webhook traffic landing while the
// provider round trip is in flight.
type midSettlementProvider struct {
	*fakepay.Adapter
	beforeTransfer func()
}

func (p *midSettlementProvider) CreateTransfer(ctx context.Context, req paymentdomain.TransferRequest) (string, error) {
	if p.beforeTransfer != nil {
		p.beforeTransfer()
		p.beforeTransfer = nil
	}
	return p.Adapter.CreateTransfer(ctx, req)
}

func TestSettleOrganization_ChargeLandingMidRunRollsToNextCycle(t *testing.T) {
	f := setupSettleTest(t)
	org := f.seedOrg(t, true)
	f.seedDonorPayout(t, org.ID, 600)
	f.seedDonorPayout(t, org.ID, 400)

	provider := &midSettlementProvider{Adapter: f.gateway}
	provider.beforeTransfer = func() {
		f.seedDonorPayout(t, org.ID, 500)
	}
	log := zap.NewNop()
	svc := NewService(Params{
		DB:       f.conn,
		Log:      log,
		GenID:    f.node,
		Clock:    f.clock,
		Policy:   config.NewStaticPolicyHolder(f.policy),
		Provider: provider,
		OrgSvc:   orgservice.NewService(orgservice.Params{DB: f.conn, Log: log}),
	})

	payout, err := svc.SettleOrganization(context.Background(), org.ID, f.clock.Now())
	assert.NoError(t, err)
	assert.NotNil(t, payout)
	assert.Equal(t, int64(1000), payout.GrossAmount)
	assert.Equal(t, 2, payout.DonorCount)

	// Only the two payouts visible when the run started are allocated;
	// the late arrival waits for the next cycle.
	var unallocated int64
	assert.NoError(t, f.conn.Raw(`SELECT COUNT(*) FROM donor_payouts WHERE org_id = ? AND allocated_at IS NULL`,
		org.ID).Scan(&unallocated).Error)
	assert.Equal(t, int64(1), unallocated)
	assert.Len(t, f.gateway.Transfers, 1)

	next, err := svc.SettleOrganization(context.Background(), org.ID, f.clock.Now().Add(7*24*time.Hour))
	assert.NoError(t, err)
	assert.NotNil(t, next)
	assert.Equal(t, int64(500), next.GrossAmount)

	var count int64
	assert.NoError(t, f.conn.Raw(`SELECT COUNT(*) FROM organization_payouts WHERE org_id = ?`, org.ID).Scan(&count).Error)
	assert.Equal(t, int64(2), count)
}
