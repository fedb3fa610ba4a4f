package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	batchdomain "github.com/smallbiznis/roundup/internal/batch/domain"
	"github.com/smallbiznis/roundup/internal/clock"
	"github.com/smallbiznis/roundup/internal/config"
	payoutdomain "github.com/smallbiznis/roundup/internal/donorpayout/domain"
	paymentdomain "github.com/smallbiznis/roundup/internal/payment/domain"
	prefdomain "github.com/smallbiznis/roundup/internal/preference/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type donorFixture struct {
	conn   *gorm.DB
	svc    payoutdomain.Service
	node   *snowflake.Node
	policy config.PolicyConfig
}

func setupDonorTest(t *testing.T) *donorFixture {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	assert.NoError(t, err)

	err = conn.AutoMigrate(
		&prefdomain.RoundupPreference{},
		&batchdomain.CollectionBatch{},
		&payoutdomain.DonorPayout{},
	)
	assert.NoError(t, err)

	node, _ := snowflake.NewNode(1)
	policy := config.DefaultPolicyConfig()
	svc := NewService(Params{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clock.NewFakeClock(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)),
		Policy: config.NewStaticPolicyHolder(policy),
	})
	return &donorFixture{conn: conn, svc: svc, node: node, policy: policy}
}

func (f *donorFixture) seedSubmittedBatch(t *testing.T, total int64, coversFee bool) (batchdomain.CollectionBatch, string) {
	t.Helper()

	chargeID := fmt.Sprintf("ch_%s", f.node.Generate())
	fee := int64(0)
	chargeAmount := total
	if coversFee {
		fee = f.policy.EstimateProcessingFee(total)
		chargeAmount = total + fee
	}

	batch := batchdomain.CollectionBatch{
		ID:                  f.node.Generate(),
		UserID:              f.node.Generate(),
		OrgID:               f.node.Generate(),
		PeriodStart:         time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC),
		PeriodEnd:           time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		PeriodKey:           "2026-08-17",
		TotalAmount:         total,
		FeeAmount:           fee,
		ChargeAmount:        chargeAmount,
		TransactionCount:    3,
		CoversProcessingFee: coversFee,
		Status:              batchdomain.BatchStatusSubmitted,
		IdempotencyKey:      fmt.Sprintf("idem-%s", chargeID),
		ChargeID:            &chargeID,
	}
	assert.NoError(t, f.conn.Create(&batch).Error)
	return batch, chargeID
}

func chargeEvent(eventType, chargeID string, amount int64) *paymentdomain.PaymentEvent {
	return &paymentdomain.PaymentEvent{
		Provider:        "fakepay",
		ProviderEventID: fmt.Sprintf("evt-%s-%s", eventType, chargeID),
		Type:            eventType,
		ChargeID:        chargeID,
		Amount:          amount,
		OccurredAt:      time.Now().UTC(),
	}
}

func TestApplyChargeSucceeded_CreatesPayoutAndClosesBatch(t *testing.T) {
	f := setupDonorTest(t)
	batch, chargeID := f.seedSubmittedBatch(t, 1000, false)

	err := f.svc.ApplyChargeSucceeded(context.Background(),
		chargeEvent(paymentdomain.EventTypeChargeSucceeded, chargeID, 1000))
	assert.NoError(t, err)

	var payout payoutdomain.DonorPayout
	assert.NoError(t, f.conn.First(&payout, "charge_id = ?", chargeID).Error)
	assert.Equal(t, payoutdomain.PayoutStatusSucceeded, payout.Status)
	assert.Equal(t, int64(1000), payout.AmountCollected)

	// Donor did not cover the fee, so it comes out of the net.
	fee := f.policy.EstimateProcessingFee(1000)
	assert.Equal(t, fee, payout.FeeRetained)
	assert.Equal(t, 1000-fee, payout.NetAmount)
	assert.False(t, payout.FeesCoveredByDonor)
	assert.Nil(t, payout.AllocatedAt)

	var status string
	err = f.conn.Raw(`SELECT status FROM collection_batches WHERE id = ?`, batch.ID).Scan(&status).Error
	assert.NoError(t, err)
	assert.Equal(t, string(batchdomain.BatchStatusSucceeded), status)
}

func TestApplyChargeSucceeded_FeeCoveredKeepsNetWhole(t *testing.T) {
	f := setupDonorTest(t)
	_, chargeID := f.seedSubmittedBatch(t, 1000, true)

	err := f.svc.ApplyChargeSucceeded(context.Background(),
		chargeEvent(paymentdomain.EventTypeChargeSucceeded, chargeID, 1000))
	assert.NoError(t, err)

	var payout payoutdomain.DonorPayout
	assert.NoError(t, f.conn.First(&payout, "charge_id = ?", chargeID).Error)
	assert.True(t, payout.FeesCoveredByDonor)
	assert.Equal(t, int64(1000), payout.NetAmount)
	assert.Equal(t, f.policy.EstimateProcessingFee(1000), payout.FeeRetained)
}

func TestApplyChargeSucceeded_ReplayCreatesNothing(t *testing.T) {
	f := setupDonorTest(t)
	_, chargeID := f.seedSubmittedBatch(t, 500, false)

	event := chargeEvent(paymentdomain.EventTypeChargeSucceeded, chargeID, 500)
	assert.NoError(t, f.svc.ApplyChargeSucceeded(context.Background(), event))
	assert.NoError(t, f.svc.ApplyChargeSucceeded(context.Background(), event))

	var count int64
	err := f.conn.Raw(`SELECT COUNT(*) FROM donor_payouts WHERE charge_id = ?`, chargeID).Scan(&count).Error
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestApplyChargeSucceeded_UnknownCharge(t *testing.T) {
	f := setupDonorTest(t)
	err := f.svc.ApplyChargeSucceeded(context.Background(),
		chargeEvent(paymentdomain.EventTypeChargeSucceeded, "ch_unknown", 100))
	assert.ErrorIs(t, err, payoutdomain.ErrUnknownCharge)
}

func TestApplyChargeFailed_MarksBatchFailed(t *testing.T) {
	f := setupDonorTest(t)
	batch, chargeID := f.seedSubmittedBatch(t, 500, false)

	event := chargeEvent(paymentdomain.EventTypeChargeFailed, chargeID, 500)
	event.FailureReason = "insufficient_funds"
	assert.NoError(t, f.svc.ApplyChargeFailed(context.Background(), event))

	var got batchdomain.CollectionBatch
	assert.NoError(t, f.conn.First(&got, "id = ?", batch.ID).Error)
	assert.Equal(t, batchdomain.BatchStatusFailed, got.Status)
	assert.Equal(t, "insufficient_funds", got.FailureReason)

	var count int64
	err := f.conn.Raw(`SELECT COUNT(*) FROM donor_payouts`).Scan(&count).Error
	assert.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestMarkRefunded_Transitions(t *testing.T) {
	f := setupDonorTest(t)
	_, chargeID := f.seedSubmittedBatch(t, 500, false)
	assert.NoError(t, f.svc.ApplyChargeSucceeded(context.Background(),
		chargeEvent(paymentdomain.EventTypeChargeSucceeded, chargeID, 500)))

	assert.NoError(t, f.svc.MarkRefunded(context.Background(), chargeID))

	var status string
	err := f.conn.Raw(`SELECT status FROM donor_payouts WHERE charge_id = ?`, chargeID).Scan(&status).Error
	assert.NoError(t, err)
	assert.Equal(t, string(payoutdomain.PayoutStatusRefunded), status)

	// Refunding again is a no-op, not an error.
	assert.NoError(t, f.svc.MarkRefunded(context.Background(), chargeID))

	assert.ErrorIs(t, f.svc.MarkRefunded(context.Background(), "ch_missing"), payoutdomain.ErrNotFound)
}

func TestMarkRefunded_KeepsAllocation(t *testing.T) {
	f := setupDonorTest(t)
	_, chargeID := f.seedSubmittedBatch(t, 500, false)
	assert.NoError(t, f.svc.ApplyChargeSucceeded(context.Background(),
		chargeEvent(paymentdomain.EventTypeChargeSucceeded, chargeID, 500)))

	allocatedAt := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	err := f.conn.Model(&payoutdomain.DonorPayout{}).
		Where("charge_id = ?", chargeID).
		Update("allocated_at", &allocatedAt).Error
	assert.NoError(t, err)

	assert.NoError(t, f.svc.MarkRefunded(context.Background(), chargeID))

	var payout payoutdomain.DonorPayout
	assert.NoError(t, f.conn.First(&payout, "charge_id = ?", chargeID).Error)
	assert.Equal(t, payoutdomain.PayoutStatusRefunded, payout.Status)
	assert.NotNil(t, payout.AllocatedAt)
}

func TestListUnallocated(t *testing.T) {
	f := setupDonorTest(t)
	batch, chargeID := f.seedSubmittedBatch(t, 500, false)
	assert.NoError(t, f.svc.ApplyChargeSucceeded(context.Background(),
		chargeEvent(paymentdomain.EventTypeChargeSucceeded, chargeID, 500)))

	payouts, err := f.svc.ListUnallocated(context.Background(), batch.OrgID)
	assert.NoError(t, err)
	assert.Len(t, payouts, 1)

	now := time.Now().UTC()
	err = f.conn.Model(&payoutdomain.DonorPayout{}).
		Where("charge_id = ?", chargeID).
		Update("allocated_at", &now).Error
	assert.NoError(t, err)

	payouts, err = f.svc.ListUnallocated(context.Background(), batch.OrgID)
	assert.NoError(t, err)
	assert.Len(t, payouts, 0)
}
