package webhook

import (
	"encoding/json"

	"github.com/Niiaks/Lodge/pkg/types"
	"github.com/pkg/errors"
)

// Event is one decoded gateway callback. Exactly one of the concrete types
// below implements it.
type Event interface {
	EventID() string
	EventType() string
}

type base struct {
	ID   string
	Type string
}

func (b base) EventID() string   { return b.ID }
func (b base) EventType() string { return b.Type }

type IntentSucceeded struct {
	base
	IntentID string
	Amount   int64
}

type IntentFailed struct {
	base
	IntentID string
	Reason   string
}

type CheckoutSessionPaid struct {
	base
	SessionID string
	IntentID  string
	Amount    int64
}

// UnknownEvent covers every type the reconciler does not act on, including a
// checkout session that completed without being paid.
type UnknownEvent struct {
	base
}

// Parse decodes the envelope and its data object into the matching variant.
func Parse(body []byte) (Event, error) {
	var env types.WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrap(err, "decode webhook envelope")
	}
	if env.ID == "" {
		return nil, errors.New("webhook envelope has no event id")
	}
	b := base{ID: env.ID, Type: env.Type}

	switch env.Type {
	case types.EventIntentSucceeded:
		var obj types.IntentObject
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, errors.Wrapf(err, "decode %s object", env.Type)
		}
		if obj.ID == "" {
			return nil, errors.Errorf("%s event %s has no intent id", env.Type, env.ID)
		}
		return IntentSucceeded{base: b, IntentID: obj.ID, Amount: obj.Amount}, nil

	case types.EventIntentFailed:
		var obj types.IntentObject
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, errors.Wrapf(err, "decode %s object", env.Type)
		}
		if obj.ID == "" {
			return nil, errors.Errorf("%s event %s has no intent id", env.Type, env.ID)
		}
		reason := "payment failed"
		if obj.LastPaymentError != nil && obj.LastPaymentError.Message != "" {
			reason = obj.LastPaymentError.Message
		}
		return IntentFailed{base: b, IntentID: obj.ID, Reason: reason}, nil

	case types.EventCheckoutSessionDone:
		var obj types.CheckoutSessionObject
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, errors.Wrapf(err, "decode %s object", env.Type)
		}
		if obj.PaymentStatus != "paid" || obj.PaymentIntent == "" {
			return UnknownEvent{base: b}, nil
		}
		return CheckoutSessionPaid{base: b, SessionID: obj.ID, IntentID: obj.PaymentIntent, Amount: obj.AmountTotal}, nil
	}

	return UnknownEvent{base: b}, nil
}
