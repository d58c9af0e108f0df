package settlement

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mbd888/handyhub/internal/money"
	"github.com/stripe/stripe-go/v81"
)

// Metadata keys written on outbound Stripe objects.
const (
	metaBookingID  = "booking_id"
	metaProviderID = "provider_id"
)

// ParseStripeEvent normalizes a verified Stripe event.
func ParseStripeEvent(e stripe.Event) (Event, error) {
	ev := Event{Provider: ProviderStripe, ID: e.ID, Type: string(e.Type), Kind: KindIgnored}
	if e.Data == nil {
		return ev, nil
	}

	switch e.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(e.Data.Raw, &s); err != nil {
			return ev, fmt.Errorf("decode checkout session: %w", err)
		}
		// Delayed payment methods complete the session before funds move.
		if s.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return ev, nil
		}
		ev.Kind = KindCapture
		ev.BookingID = s.Metadata[metaBookingID]
		if ev.BookingID == "" {
			ev.BookingID = s.ClientReferenceID
		}
		ev.Reference = s.ID
		if s.PaymentIntent != nil && s.PaymentIntent.ID != "" {
			ev.Reference = s.PaymentIntent.ID
		}
		ev.Method = "checkout"
		ev.Amount = money.Amount(s.AmountTotal)

	case stripe.EventTypePaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(e.Data.Raw, &pi); err != nil {
			return ev, fmt.Errorf("decode payment intent: %w", err)
		}
		ev.BookingID = pi.Metadata[metaBookingID]
		if ev.BookingID == "" {
			// Not one of ours.
			return ev, nil
		}
		ev.Kind = KindCapture
		ev.Reference = pi.ID
		if len(pi.PaymentMethodTypes) > 0 {
			ev.Method = pi.PaymentMethodTypes[0]
		}
		ev.Amount = money.Amount(pi.AmountReceived)
		if ev.Amount == 0 {
			ev.Amount = money.Amount(pi.Amount)
		}

	case stripe.EventTypeIdentityVerificationSessionVerified:
		var vs stripe.IdentityVerificationSession
		if err := json.Unmarshal(e.Data.Raw, &vs); err != nil {
			return ev, fmt.Errorf("decode verification session: %w", err)
		}
		ev.ProviderID = vs.Metadata[metaProviderID]
		if ev.ProviderID == "" {
			return ev, nil
		}
		ev.Kind = KindIdentityVerified
		ev.Reference = vs.ID
	}
	return ev, nil
}

type paystackEvent struct {
	Event string `json:"event"`
	Data  struct {
		ID        json.Number     `json:"id"`
		Reference string          `json:"reference"`
		Amount    int64           `json:"amount"`
		Currency  string          `json:"currency"`
		Status    string          `json:"status"`
		Channel   string          `json:"channel"`
		Metadata  json.RawMessage `json:"metadata"`
	} `json:"data"`
}

// ParsePaystackEvent normalizes a verified Paystack event body. Paystack
// events carry no event id, so the transaction id stands in for it.
func ParsePaystackEvent(body []byte) (Event, error) {
	var pe paystackEvent
	if err := json.Unmarshal(body, &pe); err != nil {
		return Event{}, fmt.Errorf("decode paystack event: %w", err)
	}
	ev := Event{Provider: ProviderPaystack, Type: pe.Event, Kind: KindIgnored}
	ev.ID = pe.Event + ":" + pe.Data.ID.String()
	if pe.Data.ID == "" {
		ev.ID = pe.Event + ":" + pe.Data.Reference
	}
	if pe.Event != "charge.success" || pe.Data.Status != "success" {
		return ev, nil
	}

	ev.BookingID = paystackBookingID(pe.Data.Metadata)
	if ev.BookingID == "" {
		return ev, nil
	}
	ev.Kind = KindCapture
	ev.Reference = pe.Data.Reference
	ev.Method = pe.Data.Channel
	ev.Amount = money.Amount(pe.Data.Amount)
	return ev, nil
}

// paystackBookingID reads booking_id from metadata, which Paystack passes
// through as either an object or a JSON-encoded string.
func paystackBookingID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil || json.Unmarshal([]byte(s), &meta) != nil {
			return ""
		}
	}
	switch v := meta[metaBookingID].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
