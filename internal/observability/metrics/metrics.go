package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments for the roundup ledger.
type Metrics struct {
	roundupsComputed    metric.Int64Counter
	roundupsSkipped     metric.Int64Counter
	batchesCreated      metric.Int64Counter
	chargesSubmitted    metric.Int64Counter
	donorPayouts        metric.Int64Counter
	orgPayouts          metric.Int64Counter
	allocations         metric.Int64Counter
	commissionsAccrued  metric.Int64Counter
	paymentEventsSeen   metric.Int64Counter
	allocationViolation metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "roundup"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	for metricName, dst := range map[string]*metric.Int64Counter{
		"roundup_transactions_total":          &m.roundupsComputed,
		"roundup_transactions_skipped_total":  &m.roundupsSkipped,
		"roundup_collection_batches_total":    &m.batchesCreated,
		"roundup_charges_submitted_total":     &m.chargesSubmitted,
		"roundup_donor_payouts_total":         &m.donorPayouts,
		"roundup_organization_payouts_total":  &m.orgPayouts,
		"roundup_payout_allocations_total":    &m.allocations,
		"roundup_referral_commissions_total":  &m.commissionsAccrued,
		"roundup_payment_events_total":        &m.paymentEventsSeen,
		"roundup_allocation_violations_total": &m.allocationViolation,
	} {
		counter, err := meter.Int64Counter(metricName)
		if err != nil {
			return nil, err
		}
		*dst = counter
	}

	return m, nil
}

// RecordRoundup increments the computed roundup count.
func (m *Metrics) RecordRoundup(ctx context.Context) {
	if m == nil {
		return
	}
	m.roundupsComputed.Add(ctx, 1)
}

// RecordRoundupSkipped increments skipped roundups by reason.
func (m *Metrics) RecordRoundupSkipped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.roundupsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBatchCreated increments the collection batch count.
func (m *Metrics) RecordBatchCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.batchesCreated.Add(ctx, 1)
}

// RecordChargeSubmitted increments submitted charges by outcome.
func (m *Metrics) RecordChargeSubmitted(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.chargesSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDonorPayout increments the settled donor payout count.
func (m *Metrics) RecordDonorPayout(ctx context.Context) {
	if m == nil {
		return
	}
	m.donorPayouts.Add(ctx, 1)
}

// RecordOrganizationPayout increments the organization payout count.
func (m *Metrics) RecordOrganizationPayout(ctx context.Context) {
	if m == nil {
		return
	}
	m.orgPayouts.Add(ctx, 1)
}

// RecordAllocations adds newly written payout allocation rows.
func (m *Metrics) RecordAllocations(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.allocations.Add(ctx, int64(n))
}

// RecordCommissionAccrued increments the referral commission count.
func (m *Metrics) RecordCommissionAccrued(ctx context.Context) {
	if m == nil {
		return
	}
	m.commissionsAccrued.Add(ctx, 1)
}

// RecordPaymentEvent increments ingested payment events by type.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.paymentEventsSeen.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", strings.TrimSpace(eventType))))
}

// RecordAllocationViolation counts aborted settlements. This should stay at zero.
func (m *Metrics) RecordAllocationViolation(ctx context.Context) {
	if m == nil {
		return
	}
	m.allocationViolation.Add(ctx, 1)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported metrics exporter protocol %q", protocol)
	}
}
