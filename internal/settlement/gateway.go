package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/handyhub/internal/escrow"
	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/internal/money"
	"github.com/mbd888/handyhub/internal/traces"
)

// Gateway applies verified provider events to the escrow core exactly once
// per (provider, event id).
type Gateway struct {
	settler  Settler
	identity IdentityListener
	events   EventStore
	now      func() time.Time
}

// NewGateway creates a settlement gateway. identity may be nil when
// identity events are not expected.
func NewGateway(settler Settler, events EventStore, identity IdentityListener) *Gateway {
	if events == nil {
		events = NewMemoryEventStore()
	}
	return &Gateway{settler: settler, identity: identity, events: events, now: time.Now}
}

// OnCheckoutCompleted settles a completed Stripe Checkout session.
func (g *Gateway) OnCheckoutCompleted(ctx context.Context, eventID, bookingID, reference string, amount money.Amount) (Outcome, error) {
	return g.Handle(ctx, Event{
		Provider: ProviderStripe, ID: eventID, Type: "checkout.session.completed", Kind: KindCapture,
		BookingID: bookingID, Reference: reference, Method: "checkout", Amount: amount,
	}, nil)
}

// OnPaymentIntentSucceeded settles a succeeded Stripe PaymentIntent.
func (g *Gateway) OnPaymentIntentSucceeded(ctx context.Context, eventID, bookingID, reference string, amount money.Amount) (Outcome, error) {
	return g.Handle(ctx, Event{
		Provider: ProviderStripe, ID: eventID, Type: "payment_intent.succeeded", Kind: KindCapture,
		BookingID: bookingID, Reference: reference, Amount: amount,
	}, nil)
}

// Handle processes one event. Business rejections are recorded and
// reported as OutcomeRejected with a nil error. A lost concurrent write or a
// booking that is not visible yet is recorded as OutcomeDeferred and
// returned as ErrDeferred; infrastructure failures return their error. In
// both cases the event stays retryable.
func (g *Gateway) Handle(ctx context.Context, ev Event, payload []byte) (Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Handle",
		traces.Provider(ev.Provider), traces.EventID(ev.ID), traces.BookingID(ev.BookingID), traces.Reference(ev.Reference))
	defer span.End()
	ctx = logging.WithAttrs(ctx, "provider", ev.Provider, "event_id", ev.ID, "event_type", ev.Type)
	log := logging.L(ctx)

	if ev.ID == "" {
		return "", fmt.Errorf("%w: event has no id", escrow.ErrInvalidRequest)
	}
	done, err := g.events.Processed(ctx, ev.Provider, ev.ID)
	if err != nil {
		traces.Fail(span, err, "dedupe lookup failed")
		return "", fmt.Errorf("check event %s: %w", ev.ID, err)
	}
	if done {
		eventsTotal.WithLabelValues(ev.Provider, string(OutcomeDuplicate)).Inc()
		log.Info("duplicate webhook event")
		return OutcomeDuplicate, nil
	}

	rec := &EventRecord{Provider: ev.Provider, EventID: ev.ID, EventType: ev.Type, Payload: payload, ReceivedAt: g.now()}
	outcome, err := g.dispatch(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, escrow.ErrConflict), errors.Is(err, escrow.ErrNotFound):
		// The ledger's reference check makes a redelivery safe.
		rec.Outcome, rec.Error = OutcomeDeferred, err.Error()
		if recErr := g.events.Record(ctx, rec); recErr != nil {
			log.Warn("record deferred event", "error", recErr)
		}
		eventsTotal.WithLabelValues(ev.Provider, string(OutcomeDeferred)).Inc()
		log.Warn("webhook event deferred", "booking_id", ev.BookingID, "error", err)
		return OutcomeDeferred, fmt.Errorf("%w: %v", ErrDeferred, err)
	case escrow.IsBusiness(err):
		log.Warn("webhook event rejected", "booking_id", ev.BookingID, "error", err)
		outcome, rec.Error = OutcomeRejected, err.Error()
	case errors.Is(err, escrow.ErrConsistency):
		// Redelivery cannot heal a diverged pair; keep the event for operators.
		outcome, rec.Error = OutcomeConsistency, err.Error()
	default:
		rec.Error = err.Error()
		if recErr := g.events.Record(ctx, rec); recErr != nil {
			log.Warn("record failed event", "error", recErr)
		}
		eventsTotal.WithLabelValues(ev.Provider, "error").Inc()
		traces.Fail(span, err, "settlement failed")
		return "", err
	}

	processed := g.now()
	rec.Outcome, rec.ProcessedAt = outcome, &processed
	if err := g.events.Record(ctx, rec); err != nil {
		// The ledger reference check keeps a redelivery harmless.
		log.Warn("record processed event", "outcome", outcome, "error", err)
	}
	eventsTotal.WithLabelValues(ev.Provider, string(outcome)).Inc()
	log.Info("webhook event processed", "outcome", outcome, "booking_id", ev.BookingID)
	return outcome, nil
}

func (g *Gateway) dispatch(ctx context.Context, ev Event) (Outcome, error) {
	switch ev.Kind {
	case KindCapture:
		res, err := g.settler.Settle(ctx, escrow.SettleRequest{
			Provider:  ev.Provider,
			EventID:   ev.ID,
			BookingID: ev.BookingID,
			Reference: ev.Reference,
			Method:    ev.Method,
			Amount:    ev.Amount,
		})
		if err != nil {
			return "", err
		}
		switch res.Outcome {
		case escrow.SettleDuplicate:
			return OutcomeDuplicate, nil
		case escrow.SettleIgnored:
			return OutcomeIgnored, nil
		}
		return OutcomeApplied, nil

	case KindIdentityVerified:
		if g.identity == nil {
			return OutcomeIgnored, nil
		}
		if err := g.identity.MarkVerified(ctx, ev.ProviderID, ev.Reference); err != nil {
			return "", err
		}
		return OutcomeApplied, nil
	}
	return OutcomeIgnored, nil
}
