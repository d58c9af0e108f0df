package escrow

import (
	"context"
	"fmt"

	"github.com/mbd888/handyhub/internal/traces"
)

// ResolveRequest contains an operator's decision on a dispute.
type ResolveRequest struct {
	Outcome Outcome `json:"outcome" binding:"required"`
	Note    string  `json:"note"`
}

// Resolver closes disputes on behalf of operators.
type Resolver struct {
	ledger *Ledger
	store  Store
}

// NewResolver creates a dispute resolver.
func NewResolver(ledger *Ledger) *Resolver {
	return &Resolver{ledger: ledger, store: ledger.store}
}

// Get returns a dispute by ID.
func (r *Resolver) Get(ctx context.Context, id string) (*Dispute, error) {
	return r.store.GetDispute(ctx, id)
}

// ListOpen returns unresolved disputes, oldest first.
func (r *Resolver) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	return r.store.ListOpenDisputes(ctx, limit)
}

// Resolve applies the terminal ledger action for outcome and marks the
// dispute resolved.
func (r *Resolver) Resolve(ctx context.Context, disputeID string, outcome Outcome, resolverID, note string) (*Pair, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.DisputeID(disputeID), traces.Actor(resolverID))
	defer span.End()

	if outcome != OutcomeRelease && outcome != OutcomeRefund {
		return nil, fmt.Errorf("%w: outcome must be %q or %q", ErrInvalidRequest, OutcomeRelease, OutcomeRefund)
	}
	if resolverID == "" {
		return nil, ErrForbidden
	}
	d, err := r.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	var pair *Pair
	err = r.ledger.withBooking(ctx, d.BookingID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		d, err := tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status != DisputeOpen {
			return invalidTransition("dispute", string(d.Status), string(DisputeResolved))
		}
		if p == nil || p.ID != d.PaymentID {
			return inconsistent(ctx, b, paymentStatus(p))
		}

		switch outcome {
		case OutcomeRelease:
			err = r.ledger.releaseTx(ctx, tx, b, p, true, out)
		case OutcomeRefund:
			reason := "dispute resolved in favour of the customer"
			if note != "" {
				reason = note
			}
			err = r.ledger.refundTx(ctx, tx, b, p, reason, true, out)
		}
		if err != nil {
			return err
		}

		now := r.ledger.now()
		d.Status = DisputeResolved
		d.Resolution = outcome
		d.ResolutionNote = note
		d.ResolvedBy = resolverID
		d.ResolvedAt = &now
		if err := tx.UpdateDispute(ctx, d, DisputeOpen); err != nil {
			return err
		}

		payload := pairPayload(b, p)
		payload["dispute_id"] = d.ID
		payload["resolution"] = string(outcome)
		msg := fmt.Sprintf("Dispute on booking %s resolved: %s", b.ID, outcome)
		out.user(b.CustomerID, "dispute_resolved", msg, payload)
		out.user(b.ProviderID, "dispute_resolved", msg, payload)
		out.operator("dispute_resolved", msg, payload)
		out.mark("dispute", DisputeResolved)
		pair = &Pair{Booking: b, Payment: p, Dispute: d}
		return nil
	})
	if err != nil {
		traces.Fail(span, err, "resolve dispute failed")
		return nil, err
	}
	return pair, nil
}
