// Package fakepay is an in-memory payment processor for development and
// tests. Charges and transfers always succeed unless a failure is scripted
// first, and idempotency keys are honored the way a real processor would.
package fakepay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	paymentdomain "github.com/smallbiznis/roundup/internal/payment/domain"
)

type Adapter struct {
	mu        sync.Mutex
	seq       int64
	byIdemKey map[string]string

	failCharges   map[string]string
	failTransfers map[string]string

	Charges   []paymentdomain.ChargeRequest
	Transfers []paymentdomain.TransferRequest
}

func New() *Adapter {
	return &Adapter{
		byIdemKey:     make(map[string]string),
		failCharges:   make(map[string]string),
		failTransfers: make(map[string]string),
	}
}

func (a *Adapter) Name() string { return "fakepay" }

// FailNextCharge scripts a failure for the given idempotency key.
func (a *Adapter) FailNextCharge(idempotencyKey, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failCharges[idempotencyKey] = reason
}

func (a *Adapter) FailNextTransfer(idempotencyKey, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failTransfers[idempotencyKey] = reason
}

func (a *Adapter) CreateCharge(ctx context.Context, req paymentdomain.ChargeRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if reason, ok := a.failCharges[req.IdempotencyKey]; ok {
		delete(a.failCharges, req.IdempotencyKey)
		return "", fmt.Errorf("%w: %s", paymentdomain.ErrRetryable, reason)
	}
	if id, ok := a.byIdemKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return id, nil
	}

	a.seq++
	id := fmt.Sprintf("fp_ch_%06d", a.seq)
	if req.IdempotencyKey != "" {
		a.byIdemKey[req.IdempotencyKey] = id
	}
	a.Charges = append(a.Charges, req)
	return id, nil
}

func (a *Adapter) CreateTransfer(ctx context.Context, req paymentdomain.TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if reason, ok := a.failTransfers[req.IdempotencyKey]; ok {
		delete(a.failTransfers, req.IdempotencyKey)
		return "", fmt.Errorf("%w: %s", paymentdomain.ErrRetryable, reason)
	}
	if id, ok := a.byIdemKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return id, nil
	}

	a.seq++
	id := fmt.Sprintf("fp_tr_%06d", a.seq)
	if req.IdempotencyKey != "" {
		a.byIdemKey[req.IdempotencyKey] = id
	}
	a.Transfers = append(a.Transfers, req)
	return id, nil
}

type fakeEvent struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	ChargeID   string `json:"charge_id"`
	TransferID string `json:"transfer_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Reason     string `json:"reason"`
	OccurredAt int64  `json:"occurred_at"`
}

// EventPayload builds a webhook payload in fakepay's own wire shape. Tests
// feed the result straight into the webhook ingest path.
func EventPayload(eventID, eventType, chargeID, transferID string, amount int64) []byte {
	payload, _ := json.Marshal(fakeEvent{
		ID:         eventID,
		Type:       eventType,
		ChargeID:   chargeID,
		TransferID: transferID,
		Amount:     amount,
		Currency:   "usd",
		OccurredAt: time.Now().Unix(),
	})
	return payload
}

func (a *Adapter) ParseEvent(payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event fakeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	switch event.Type {
	case paymentdomain.EventTypeChargeSucceeded,
		paymentdomain.EventTypeChargeFailed,
		paymentdomain.EventTypeChargeRefunded,
		paymentdomain.EventTypeTransferSucceeded,
		paymentdomain.EventTypeTransferFailed:
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	occurredAt := time.Unix(event.OccurredAt, 0).UTC()
	if event.OccurredAt == 0 {
		occurredAt = time.Now().UTC()
	}

	return &paymentdomain.PaymentEvent{
		Provider:        a.Name(),
		ProviderEventID: event.ID,
		Type:            event.Type,
		ChargeID:        event.ChargeID,
		TransferID:      event.TransferID,
		Amount:          event.Amount,
		Currency:        event.Currency,
		FailureReason:   event.Reason,
		OccurredAt:      occurredAt,
		RawPayload:      payload,
	}, nil
}
