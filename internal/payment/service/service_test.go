package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/roundup/internal/clock"
	"github.com/smallbiznis/roundup/internal/payment/adapters"
	"github.com/smallbiznis/roundup/internal/payment/adapters/fakepay"
	paymentdomain "github.com/smallbiznis/roundup/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingChargeApplier struct {
	succeeded []*paymentdomain.PaymentEvent
	failed    []*paymentdomain.PaymentEvent
	refunded  []*paymentdomain.PaymentEvent
}

func (a *recordingChargeApplier) ApplyChargeSucceeded(_ context.Context, event *paymentdomain.PaymentEvent) error {
	a.succeeded = append(a.succeeded, event)
	return nil
}

func (a *recordingChargeApplier) ApplyChargeFailed(_ context.Context, event *paymentdomain.PaymentEvent) error {
	a.failed = append(a.failed, event)
	return nil
}

func (a *recordingChargeApplier) ApplyChargeRefunded(_ context.Context, event *paymentdomain.PaymentEvent) error {
	a.refunded = append(a.refunded, event)
	return nil
}

// flakyChargeApplier fails a scripted number of times before delegating,
// the way a DB hiccup mid-apply would.
type flakyChargeApplier struct {
	recordingChargeApplier
	failuresLeft int
}

func (a *flakyChargeApplier) ApplyChargeSucceeded(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	if a.failuresLeft > 0 {
		a.failuresLeft--
		return errors.New("database is locked")
	}
	return a.recordingChargeApplier.ApplyChargeSucceeded(ctx, event)
}

type recordingTransferApplier struct {
	succeeded []*paymentdomain.PaymentEvent
	failed    []*paymentdomain.PaymentEvent
}

func (a *recordingTransferApplier) ApplyTransferSucceeded(_ context.Context, event *paymentdomain.PaymentEvent) error {
	a.succeeded = append(a.succeeded, event)
	return nil
}

func (a *recordingTransferApplier) ApplyTransferFailed(_ context.Context, event *paymentdomain.PaymentEvent) error {
	a.failed = append(a.failed, event)
	return nil
}

type ingestFixture struct {
	conn      *gorm.DB
	svc       paymentdomain.Service
	charges   *recordingChargeApplier
	transfers *recordingTransferApplier
}

func setupIngestTest(t *testing.T) *ingestFixture {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, conn.AutoMigrate(&paymentdomain.EventRecord{}))

	node, _ := snowflake.NewNode(1)
	charges := &recordingChargeApplier{}
	transfers := &recordingTransferApplier{}
	svc := NewService(Params{
		DB:              conn,
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clock.NewFakeClock(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)),
		Registry:        adapters.NewRegistry(fakepay.New()),
		ChargeApplier:   charges,
		TransferApplier: transfers,
	})
	return &ingestFixture{conn: conn, svc: svc, charges: charges, transfers: transfers}
}

func TestIngest_RoutesChargeEvents(t *testing.T) {
	f := setupIngestTest(t)
	ctx := context.Background()

	payload := fakepay.EventPayload("evt_001", paymentdomain.EventTypeChargeSucceeded, "fp_ch_000001", "", 1500)
	assert.NoError(t, f.svc.Ingest(ctx, "fakepay", payload))

	assert.Len(t, f.charges.succeeded, 1)
	assert.Equal(t, "fp_ch_000001", f.charges.succeeded[0].ChargeID)
	assert.Equal(t, int64(1500), f.charges.succeeded[0].Amount)

	var processed int64
	err := f.conn.Raw(`
		SELECT COUNT(*) FROM payment_events
		WHERE provider = 'fakepay' AND provider_event_id = 'evt_001' AND processed_at IS NOT NULL
	`).Scan(&processed).Error
	assert.NoError(t, err)
	assert.Equal(t, int64(1), processed)
}

func TestIngest_DuplicateEventAppliedOnce(t *testing.T) {
	f := setupIngestTest(t)
	ctx := context.Background()

	payload := fakepay.EventPayload("evt_dup", paymentdomain.EventTypeChargeSucceeded, "fp_ch_000009", "", 700)
	assert.NoError(t, f.svc.Ingest(ctx, "fakepay", payload))
	assert.NoError(t, f.svc.Ingest(ctx, "fakepay", payload))

	assert.Len(t, f.charges.succeeded, 1)

	var count int64
	err := f.conn.Raw(`SELECT COUNT(*) FROM payment_events WHERE provider_event_id = 'evt_dup'`).
		Scan(&count).Error
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIngest_RetryAfterFailedApplyGoesThrough(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, conn.AutoMigrate(&paymentdomain.EventRecord{}))

	node, _ := snowflake.NewNode(1)
	charges := &flakyChargeApplier{failuresLeft: 1}
	svc := NewService(Params{
		DB:              conn,
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clock.NewFakeClock(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)),
		Registry:        adapters.NewRegistry(fakepay.New()),
		ChargeApplier:   charges,
		TransferApplier: &recordingTransferApplier{},
	})
	ctx := context.Background()

	payload := fakepay.EventPayload("evt_retry", paymentdomain.EventTypeChargeSucceeded, "fp_ch_000042", "", 900)
	assert.Error(t, svc.Ingest(ctx, "fakepay", payload))
	assert.Empty(t, charges.succeeded)

	// The processor retries the same event id; the recorded-but-unprocessed
	// row must not gate it out.
	assert.NoError(t, svc.Ingest(ctx, "fakepay", payload))
	assert.Len(t, charges.succeeded, 1)

	var processed int64
	err = conn.Raw(`
		SELECT COUNT(*) FROM payment_events
		WHERE provider_event_id = 'evt_retry' AND processed_at IS NOT NULL
	`).Scan(&processed).Error
	assert.NoError(t, err)
	assert.Equal(t, int64(1), processed)

	// A third delivery is a true duplicate now.
	assert.NoError(t, svc.Ingest(ctx, "fakepay", payload))
	assert.Len(t, charges.succeeded, 1)
}

func TestIngest_RoutesTransferEvents(t *testing.T) {
	f := setupIngestTest(t)
	ctx := context.Background()

	assert.NoError(t, f.svc.Ingest(ctx, "fakepay",
		fakepay.EventPayload("evt_tr1", paymentdomain.EventTypeTransferSucceeded, "", "fp_tr_000001", 22_000)))
	assert.NoError(t, f.svc.Ingest(ctx, "fakepay",
		fakepay.EventPayload("evt_tr2", paymentdomain.EventTypeTransferFailed, "", "fp_tr_000002", 5_000)))

	assert.Len(t, f.transfers.succeeded, 1)
	assert.Equal(t, "fp_tr_000001", f.transfers.succeeded[0].TransferID)
	assert.Len(t, f.transfers.failed, 1)
}

func TestIngest_IgnoredEventTypeIsNotAnError(t *testing.T) {
	f := setupIngestTest(t)

	payload := fakepay.EventPayload("evt_noise", "customer.updated", "", "", 0)
	assert.NoError(t, f.svc.Ingest(context.Background(), "fakepay", payload))

	assert.Empty(t, f.charges.succeeded)
	var count int64
	assert.NoError(t, f.conn.Raw(`SELECT COUNT(*) FROM payment_events`).Scan(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestIngest_UnknownProvider(t *testing.T) {
	f := setupIngestTest(t)
	err := f.svc.Ingest(context.Background(), "nopay", []byte(`{}`))
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
}

func TestIngest_MalformedPayload(t *testing.T) {
	f := setupIngestTest(t)
	err := f.svc.Ingest(context.Background(), "fakepay", []byte(`not json`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}
