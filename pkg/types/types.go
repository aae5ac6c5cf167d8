package types

import "encoding/json"

// Gateway API wire types. Amounts are minor currency units.

type IntentRequest struct {
	Amount         int64             `json:"amount" validate:"required,gt=0"`
	Currency       string            `json:"currency" validate:"required,len=3"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"-" validate:"required"`
}

type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	CheckoutURL  string `json:"checkout_url"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

type RefundRequest struct {
	IntentID       string `json:"payment_intent" validate:"required"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"-" validate:"required"`
}

type Refund struct {
	ID       string `json:"id"`
	IntentID string `json:"payment_intent"`
	Amount   int64  `json:"amount"`
	Status   string `json:"status"`
}

type GatewayError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type GatewayErrorResponse struct {
	Error GatewayError `json:"error"`
}

// Webhook event types the reconciler understands.
const (
	EventIntentSucceeded     = "payment_intent.succeeded"
	EventIntentFailed        = "payment_intent.payment_failed"
	EventCheckoutSessionDone = "checkout.session.completed"
)

// WebhookEnvelope is the outer shape of every gateway callback.
type WebhookEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type IntentObject struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type CheckoutSessionObject struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Metadata      map[string]string `json:"metadata"`
}
