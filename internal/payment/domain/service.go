package domain

import "context"

// ChargeApplier reacts to charge lifecycle events. Implemented by the donor
// payout ledger.
type ChargeApplier interface {
	ApplyChargeSucceeded(ctx context.Context, event *PaymentEvent) error
	ApplyChargeFailed(ctx context.Context, event *PaymentEvent) error
	ApplyChargeRefunded(ctx context.Context, event *PaymentEvent) error
}

// TransferApplier reacts to transfer lifecycle events. Implemented by the
// organization payout aggregator.
type TransferApplier interface {
	ApplyTransferSucceeded(ctx context.Context, event *PaymentEvent) error
	ApplyTransferFailed(ctx context.Context, event *PaymentEvent) error
}

// Service ingests processor webhooks. Replays of the same provider event id
// are absorbed without reapplying side effects.
type Service interface {
	Ingest(ctx context.Context, providerName string, payload []byte) error
}
