// Package stripeconnect talks to a Stripe-style connect processor: charges
// collect from donors on the platform account, transfers move pooled funds
// to the organization's connected account.
package stripeconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/roundup/internal/payment/domain"
)

const defaultBaseURL = "https://api.stripe.com"

type Config struct {
	SecretKey string
	BaseURL   string
	Timeout   time.Duration
}

type Adapter struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

func New(cfg Config) (*Adapter, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidProvider
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Adapter{
		secretKey: secret,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (a *Adapter) Name() string { return "stripeconnect" }

func (a *Adapter) CreateCharge(ctx context.Context, req paymentdomain.ChargeRequest) (string, error) {
	form := url.Values{}
	form.Set("amount", fmt.Sprintf("%d", req.Amount))
	form.Set("currency", strings.ToLower(defaultCurrency(req.Currency)))
	form.Set("confirm", "true")
	form.Set("description", req.Description)
	form.Set("metadata[user_id]", req.UserID.String())
	form.Set("metadata[org_id]", req.OrgID.String())

	return a.post(ctx, "/v1/payment_intents", form, req.IdempotencyKey)
}

func (a *Adapter) CreateTransfer(ctx context.Context, req paymentdomain.TransferRequest) (string, error) {
	form := url.Values{}
	form.Set("amount", fmt.Sprintf("%d", req.Amount))
	form.Set("currency", strings.ToLower(defaultCurrency(req.Currency)))
	form.Set("destination", req.ProviderAccountID)
	form.Set("description", req.Description)
	form.Set("metadata[org_id]", req.OrgID.String())

	return a.post(ctx, "/v1/transfers", form, req.IdempotencyKey)
}

func (a *Adapter) post(ctx context.Context, path string, form url.Values, idempotencyKey string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(a.secretKey, "")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", paymentdomain.ErrRetryable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", paymentdomain.ErrRetryable, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: status %d", paymentdomain.ErrRetryable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("processor rejected request: status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.ID == "" {
		return "", paymentdomain.ErrInvalidPayload
	}
	return parsed.ID, nil
}

type webhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID             string `json:"id"`
			Amount         int64  `json:"amount"`
			AmountReceived int64  `json:"amount_received"`
			Currency       string `json:"currency"`
			FailureMessage string `json:"failure_message"`
		} `json:"object"`
	} `json:"data"`
}

// ParseEvent maps processor webhook payloads onto the canonical event set.
// Event types outside that set are reported as ErrEventIgnored.
func (a *Adapter) ParseEvent(payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	canonical := paymentdomain.PaymentEvent{
		Provider:        a.Name(),
		ProviderEventID: event.ID,
		Currency:        event.Data.Object.Currency,
		FailureReason:   event.Data.Object.FailureMessage,
		OccurredAt:      time.Unix(event.Created, 0).UTC(),
		RawPayload:      payload,
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		canonical.Type = paymentdomain.EventTypeChargeSucceeded
		canonical.ChargeID = event.Data.Object.ID
		canonical.Amount = amountOf(event)
	case "payment_intent.payment_failed":
		canonical.Type = paymentdomain.EventTypeChargeFailed
		canonical.ChargeID = event.Data.Object.ID
		canonical.Amount = amountOf(event)
	case "charge.refunded":
		canonical.Type = paymentdomain.EventTypeChargeRefunded
		canonical.ChargeID = event.Data.Object.ID
		canonical.Amount = amountOf(event)
	case "transfer.created":
		canonical.Type = paymentdomain.EventTypeTransferSucceeded
		canonical.TransferID = event.Data.Object.ID
		canonical.Amount = event.Data.Object.Amount
	case "transfer.reversed":
		canonical.Type = paymentdomain.EventTypeTransferFailed
		canonical.TransferID = event.Data.Object.ID
		canonical.Amount = event.Data.Object.Amount
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	return &canonical, nil
}

func amountOf(event webhookEvent) int64 {
	if event.Data.Object.AmountReceived > 0 {
		return event.Data.Object.AmountReceived
	}
	return event.Data.Object.Amount
}

func defaultCurrency(currency string) string {
	if strings.TrimSpace(currency) == "" {
		return "usd"
	}
	return currency
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
