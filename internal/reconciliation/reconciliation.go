// Package reconciliation repairs missed payment webhooks and audits
// booking/payment pairs for divergence.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/handyhub/internal/escrow"
	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/internal/money"
	"github.com/mbd888/handyhub/internal/pagination"
	"github.com/mbd888/handyhub/internal/settlement"
)

// Defaults for a reconciliation pass.
const (
	DefaultStaleAfter = 30 * time.Minute
	DefaultBatchSize  = 200
)

// PaymentSource lists the records a pass inspects. escrow.Store satisfies it.
type PaymentSource interface {
	ListStalePending(ctx context.Context, provider string, cutoff time.Time, after *pagination.Cursor, limit int) ([]*escrow.Payment, error)
	ListActivePairs(ctx context.Context, after *pagination.Cursor, limit int) ([]escrow.Pair, error)
}

// CheckoutLookup fetches a checkout session from the provider.
type CheckoutLookup interface {
	CheckoutSession(ctx context.Context, id string) (*settlement.CheckoutSession, error)
}

// CheckoutSettler applies a paid checkout exactly as its webhook would.
type CheckoutSettler interface {
	OnCheckoutCompleted(ctx context.Context, eventID, bookingID, reference string, amount money.Amount) (settlement.Outcome, error)
}

// Report summarizes one pass.
type Report struct {
	StaleChecked int           `json:"staleChecked"`
	Settled      int           `json:"settled"`
	Unpaid       int           `json:"unpaid"`
	PairsChecked int           `json:"pairsChecked"`
	Divergent    int           `json:"divergent"`
	Errors       int           `json:"errors"`
	Duration     time.Duration `json:"duration"`
}

// Runner performs reconciliation passes.
type Runner struct {
	payments   PaymentSource
	checkouts  CheckoutLookup
	settler    CheckoutSettler
	staleAfter time.Duration
	batch      int
	now        func() time.Time
}

// NewRunner creates a runner. checkouts and settler may be nil when no
// checkout provider is configured; only the pair audit runs then.
func NewRunner(payments PaymentSource, checkouts CheckoutLookup, settler CheckoutSettler, staleAfter time.Duration) *Runner {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Runner{
		payments:   payments,
		checkouts:  checkouts,
		settler:    settler,
		staleAfter: staleAfter,
		batch:      DefaultBatchSize,
		now:        time.Now,
	}
}

// RunAll runs every check. Individual failures are counted and logged; the
// returned error joins the failures of whole checks.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	rep := &Report{}

	var errs []error
	if r.checkouts != nil && r.settler != nil {
		if err := r.settleStale(ctx, rep); err != nil {
			errs = append(errs, fmt.Errorf("stale payments: %w", err))
		}
	}
	if err := r.auditPairs(ctx, rep); err != nil {
		errs = append(errs, fmt.Errorf("pair audit: %w", err))
	}

	rep.Duration = r.now().Sub(start)
	runDuration.Observe(rep.Duration.Seconds())
	divergentPairs.Set(float64(rep.Divergent))
	if rep.Errors > 0 || len(errs) > 0 {
		runErrors.Add(float64(rep.Errors + len(errs)))
	}

	logging.L(ctx).Info("reconciliation finished",
		"stale_checked", rep.StaleChecked, "settled", rep.Settled, "unpaid", rep.Unpaid,
		"pairs_checked", rep.PairsChecked, "divergent", rep.Divergent, "errors", rep.Errors,
		"duration_ms", rep.Duration.Milliseconds())
	return rep, errors.Join(errs...)
}

// settleStale looks up pending checkouts whose webhook may have been lost
// and settles the paid ones. It walks every stale checkout in batches.
func (r *Runner) settleStale(ctx context.Context, rep *Report) error {
	cutoff := r.now().Add(-r.staleAfter)
	var after *pagination.Cursor
	for {
		stale, err := r.payments.ListStalePending(ctx, settlement.ProviderStripe, cutoff, after, r.batch)
		if err != nil {
			return err
		}
		for _, p := range stale {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.settleOne(ctx, p, rep)
		}
		if len(stale) < r.batch {
			return nil
		}
		last := stale[len(stale)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

func (r *Runner) settleOne(ctx context.Context, p *escrow.Payment, rep *Report) {
	log := logging.L(ctx)
	rep.StaleChecked++

	session, err := r.checkouts.CheckoutSession(ctx, p.CheckoutReference)
	if err != nil {
		rep.Errors++
		log.Warn("checkout lookup failed", "payment_id", p.ID, "checkout", p.CheckoutReference, "error", err)
		return
	}
	if !session.Paid {
		rep.Unpaid++
		return
	}

	ref := session.PaymentIntentID
	if ref == "" {
		ref = session.ID
	}
	outcome, err := r.settler.OnCheckoutCompleted(ctx, "reconcile:"+session.ID, p.BookingID, ref, session.AmountTotal)
	if err != nil {
		rep.Errors++
		log.Warn("reconcile settle failed", "payment_id", p.ID, "error", err)
		return
	}
	settledTotal.WithLabelValues(string(outcome)).Inc()
	if outcome == settlement.OutcomeApplied {
		rep.Settled++
		log.Info("settled payment from missed webhook", "payment_id", p.ID, "booking_id", p.BookingID, "reference", ref)
	}
}

// auditPairs flags non-terminal bookings whose payment pairing is not
// allowed or whose mirrored payment status has drifted.
func (r *Runner) auditPairs(ctx context.Context, rep *Report) error {
	var after *pagination.Cursor
	for {
		pairs, err := r.payments.ListActivePairs(ctx, after, r.batch)
		if err != nil {
			return err
		}
		for _, pair := range pairs {
			rep.PairsChecked++
			ps := escrow.PaymentNone
			if pair.Payment != nil {
				ps = pair.Payment.Status
			}
			b := pair.Booking
			if escrow.PairAllowed(b.Status, ps) && b.PaymentStatus == ps {
				continue
			}
			rep.Divergent++
			logging.L(ctx).Error("booking/payment pair diverged",
				"booking_id", b.ID, "booking_status", b.Status,
				"mirrored_payment_status", b.PaymentStatus, "payment_status", ps)
		}
		if len(pairs) < r.batch {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		last := pairs[len(pairs)-1].Booking
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}
