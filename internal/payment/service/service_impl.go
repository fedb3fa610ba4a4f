package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/roundup/internal/clock"
	obsmetrics "github.com/smallbiznis/roundup/internal/observability/metrics"
	"github.com/smallbiznis/roundup/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/roundup/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Registry        *adapters.Registry
	ChargeApplier   paymentdomain.ChargeApplier
	TransferApplier paymentdomain.TransferApplier
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	registry        *adapters.Registry
	chargeApplier   paymentdomain.ChargeApplier
	transferApplier paymentdomain.TransferApplier
	obsMetrics      *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("payment.webhook"),
		genID:           p.GenID,
		clock:           p.Clock,
		registry:        p.Registry,
		chargeApplier:   p.ChargeApplier,
		transferApplier: p.TransferApplier,
		obsMetrics:      p.ObsMetrics,
	}
}

// Ingest parses, deduplicates, and applies one processor webhook payload.
// The event row is the dedup gate: a (provider, event id) pair that was
// already applied is dropped, while a recorded-but-unapplied pair (a failed
// earlier attempt) is applied again on redelivery.
func (s *Service) Ingest(ctx context.Context, providerName string, payload []byte) error {
	provider, err := s.registry.Get(providerName)
	if err != nil {
		return err
	}

	event, err := provider.ParseEvent(payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.log.Debug("ignoring webhook event", zap.String("provider", providerName))
			return nil
		}
		return err
	}

	inserted, err := s.recordEvent(ctx, event)
	if err != nil {
		return err
	}
	if !inserted {
		// An existing record only counts as a duplicate once it was applied.
		// A record without processed_at means an earlier attempt failed
		// mid-apply; the processor's retry must go through again.
		pending, err := s.awaitingApply(ctx, event)
		if err != nil {
			return err
		}
		if !pending {
			s.log.Info("duplicate webhook event dropped",
				zap.String("provider", event.Provider),
				zap.String("provider_event_id", event.ProviderEventID),
			)
			return nil
		}
		s.log.Info("reapplying webhook event after failed attempt",
			zap.String("provider", event.Provider),
			zap.String("provider_event_id", event.ProviderEventID),
		)
	}
	if inserted {
		s.obsMetrics.RecordPaymentEvent(ctx, event.Type)
	}

	if err := s.apply(ctx, event); err != nil {
		return err
	}
	return s.markProcessed(ctx, event)
}

func (s *Service) apply(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	switch event.Type {
	case paymentdomain.EventTypeChargeSucceeded:
		return s.chargeApplier.ApplyChargeSucceeded(ctx, event)
	case paymentdomain.EventTypeChargeFailed:
		return s.chargeApplier.ApplyChargeFailed(ctx, event)
	case paymentdomain.EventTypeChargeRefunded:
		return s.chargeApplier.ApplyChargeRefunded(ctx, event)
	case paymentdomain.EventTypeTransferSucceeded:
		return s.transferApplier.ApplyTransferSucceeded(ctx, event)
	case paymentdomain.EventTypeTransferFailed:
		return s.transferApplier.ApplyTransferFailed(ctx, event)
	default:
		return paymentdomain.ErrInvalidPayload
	}
}

// recordEvent inserts the event row, reporting false when the (provider,
// event id) pair was already seen.
func (s *Service) recordEvent(ctx context.Context, event *paymentdomain.PaymentEvent) (bool, error) {
	result := s.db.WithContext(ctx).Exec(`
		INSERT INTO payment_events (id, provider, provider_event_id, event_type, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`,
		s.genID.Generate(),
		event.Provider,
		event.ProviderEventID,
		event.Type,
		string(event.RawPayload),
		s.clock.Now(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// awaitingApply reports whether the recorded event is still missing its
// processed_at stamp. Appliers are idempotent on their own unique keys, so
// reapplying is safe.
func (s *Service) awaitingApply(ctx context.Context, event *paymentdomain.PaymentEvent) (bool, error) {
	var record paymentdomain.EventRecord
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Record vanished between the insert attempt and now; treat the
			// retry as fresh rather than dropping it.
			return true, nil
		}
		return false, err
	}
	return record.ProcessedAt == nil, nil
}

func (s *Service) markProcessed(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).
		Model(&paymentdomain.EventRecord{}).
		Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		Update("processed_at", &now).Error
}
