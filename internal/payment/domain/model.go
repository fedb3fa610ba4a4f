package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord stores every ingested processor event for idempotent replay
// protection. (provider, provider_event_id) is unique.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypeChargeSucceeded   = "charge_succeeded"
	EventTypeChargeFailed      = "charge_failed"
	EventTypeChargeRefunded    = "charge_refunded"
	EventTypeTransferSucceeded = "transfer_succeeded"
	EventTypeTransferFailed    = "transfer_failed"
)

// PaymentEvent is the canonical processor event parsed by adapters.
type PaymentEvent struct {
	Provider        string
	ProviderEventID string
	Type            string
	ChargeID        string
	TransferID      string
	Amount          int64
	Currency        string
	FailureReason   string
	OccurredAt      time.Time
	RawPayload      []byte
}

// ChargeRequest asks the processor to collect a batch from a donor.
type ChargeRequest struct {
	UserID         snowflake.ID
	OrgID          snowflake.ID
	Amount         int64
	Currency       string
	IdempotencyKey string
	Description    string
}

// TransferRequest asks the processor to move pooled funds to an organization.
type TransferRequest struct {
	OrgID             snowflake.ID
	ProviderAccountID string
	Amount            int64
	Currency          string
	IdempotencyKey    string
	Description       string
}

// Provider is the outbound face of the payment processor collaborator. Calls
// are bounded request/response; retry policy belongs to the caller.
type Provider interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (chargeID string, err error)
	CreateTransfer(ctx context.Context, req TransferRequest) (transferID string, err error)
	// ParseEvent converts a raw webhook payload into canonical events.
	ParseEvent(payload []byte) (*PaymentEvent, error)
}

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrEventIgnored     = errors.New("event_ignored")
	// ErrRetryable marks processor-side transient failures; callers retry
	// with backoff up to their ceiling.
	ErrRetryable = errors.New("payment_retryable")
)
