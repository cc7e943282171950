package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pixlift/pixlift/internal/domain"
)

// Lemon Squeezy webhook event names.
const (
	eventOrderCreated          = "order_created"
	eventSubscriptionCreated   = "subscription_created"
	eventSubscriptionResumed   = "subscription_resumed"
	eventSubscriptionPayment   = "subscription_payment_success"
	eventSubscriptionCancelled = "subscription_cancelled"
	eventSubscriptionExpired   = "subscription_expired"
)

// VerifySignature checks the X-Signature header against an HMAC-SHA256 of the
// raw payload, in constant time. This runs before any parsing: an unsigned
// payload is never even decoded.
func VerifySignature(payload []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// =============================================================================
// Typed Events
// =============================================================================

// Event is one parsed webhook delivery. Exactly one variant is produced per
// payload; handlers switch on the concrete type instead of re-inspecting raw
// JSON.
type Event interface {
	// EventName returns the Lemon Squeezy event name for logging and metrics.
	EventName() string
}

// OrderCreated is a completed one-time purchase.
type OrderCreated struct {
	OrderID   string
	VariantID string
	UserID    uuid.UUID
}

func (e OrderCreated) EventName() string { return eventOrderCreated }

// SubscriptionStarted covers subscription_created and subscription_resumed:
// a subscription that is now active and owed its first period's credits.
type SubscriptionStarted struct {
	Name           string // which of the two events this was
	SubscriptionID string
	VariantID      string
	UserID         uuid.UUID
	RenewsAt       time.Time
}

func (e SubscriptionStarted) EventName() string { return e.Name }

// SubscriptionPaymentSucceeded is a successful recurring charge.
type SubscriptionPaymentSucceeded struct {
	SubscriptionID string
	UserID         uuid.UUID
	RenewsAt       time.Time
}

func (e SubscriptionPaymentSucceeded) EventName() string { return eventSubscriptionPayment }

// SubscriptionEnded covers subscription_cancelled and subscription_expired.
type SubscriptionEnded struct {
	Name           string
	SubscriptionID string
	UserID         uuid.UUID
}

func (e SubscriptionEnded) EventName() string { return e.Name }

// Unrecognized is any event name we don't handle. It is acknowledged and
// ignored so Lemon Squeezy doesn't retry it forever.
type Unrecognized struct {
	Name string
}

func (e Unrecognized) EventName() string { return e.Name }

// =============================================================================
// Parsing
// =============================================================================

// flexID tolerates Lemon Squeezy's habit of sending IDs as either JSON
// strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", data)
	}
	*f = flexID(n.String())
	return nil
}

type rawEvent struct {
	Meta struct {
		EventName  string `json:"event_name"`
		CustomData struct {
			UserID string `json:"user_id"`
		} `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         flexID `json:"id"`
		Attributes struct {
			VariantID      flexID `json:"variant_id"`
			SubscriptionID flexID `json:"subscription_id"`
			RenewsAt       string `json:"renews_at"`
			FirstOrderItem struct {
				VariantID flexID `json:"variant_id"`
			} `json:"first_order_item"`
		} `json:"attributes"`
	} `json:"data"`
}

// ParseEvent decodes a verified webhook payload into its typed event.
// A payload without an event name or user_id is malformed, not merely
// unrecognized.
func ParseEvent(payload []byte) (Event, error) {
	const op = "billing.parse_event"

	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, domain.Invalid(op, "malformed webhook payload")
	}

	name := raw.Meta.EventName
	if name == "" {
		return nil, domain.Invalid(op, "missing event name")
	}

	userID, err := uuid.Parse(raw.Meta.CustomData.UserID)
	if err != nil {
		return nil, domain.Invalid(op, "missing or invalid user_id in custom data")
	}

	switch name {
	case eventOrderCreated:
		return OrderCreated{
			OrderID:   string(raw.Data.ID),
			VariantID: string(raw.Data.Attributes.FirstOrderItem.VariantID),
			UserID:    userID,
		}, nil

	case eventSubscriptionCreated, eventSubscriptionResumed:
		return SubscriptionStarted{
			Name:           name,
			SubscriptionID: string(raw.Data.ID),
			VariantID:      string(raw.Data.Attributes.VariantID),
			UserID:         userID,
			RenewsAt:       parseRenewsAt(raw.Data.Attributes.RenewsAt),
		}, nil

	case eventSubscriptionPayment:
		return SubscriptionPaymentSucceeded{
			SubscriptionID: string(raw.Data.Attributes.SubscriptionID),
			UserID:         userID,
			RenewsAt:       parseRenewsAt(raw.Data.Attributes.RenewsAt),
		}, nil

	case eventSubscriptionCancelled, eventSubscriptionExpired:
		return SubscriptionEnded{
			Name:           name,
			SubscriptionID: string(raw.Data.ID),
			UserID:         userID,
		}, nil

	default:
		return Unrecognized{Name: name}, nil
	}
}

// parseRenewsAt returns the zero time when the timestamp is absent or
// mangled. Redeliveries of the same event must produce the same grant dedup
// key, so nothing downstream may substitute the current time.
func parseRenewsAt(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
