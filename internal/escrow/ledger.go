package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/handyhub/internal/fees"
	"github.com/mbd888/handyhub/internal/idgen"
	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/internal/money"
	"github.com/mbd888/handyhub/internal/traces"
)

// DefaultCurrency is used when a payment request names none.
const DefaultCurrency = "USD"

// DefaultGatewayTimeout bounds every outbound refund or cancellation call.
const DefaultGatewayTimeout = 10 * time.Second

// Notifier receives lifecycle notifications after a transition commits.
// Implementations must not block.
type Notifier interface {
	Emit(ctx context.Context, userID, typ, message string, payload map[string]any)
	EmitOperator(ctx context.Context, typ, message string, payload map[string]any)
}

// PaymentGateway reverses money movements at the external provider.
type PaymentGateway interface {
	// CancelAuthorization voids a payment that was never captured.
	CancelAuthorization(ctx context.Context, p *Payment) error
	// RefundCapture returns captured funds to the customer.
	RefundCapture(ctx context.Context, p *Payment, reason string) error
}

// Capture describes funds taken by a gateway.
type Capture struct {
	Provider  string
	Reference string
	Method    string
}

// ExternalSettlement creates a payment directly in completed status. Both
// Reference and Reason are required and the reason is persisted.
type ExternalSettlement struct {
	Capture
	Reason string
}

// CreatePaymentRequest contains the parameters for creating a payment.
type CreatePaymentRequest struct {
	BookingID  string
	Amount     money.Amount
	Currency   string
	CustomerID string
	ProviderID string
	ServiceID  string
	External   *ExternalSettlement
}

// Ledger owns the lifecycle of the payment attached to each booking.
type Ledger struct {
	store   Store
	fees    fees.Calculator
	gateway PaymentGateway
	notify  Notifier
	timeout time.Duration
	now     func() time.Time
}

// NewLedger creates a ledger over store. A zero calculator uses the default
// platform fee.
func NewLedger(store Store, calc fees.Calculator) *Ledger {
	if calc.RateBPS() <= 0 {
		calc = fees.Default()
	}
	return &Ledger{
		store:   store,
		fees:    calc,
		notify:  discard{},
		timeout: DefaultGatewayTimeout,
		now:     time.Now,
	}
}

// WithGateway sets the provider used for refund side effects and the
// timeout applied to each call.
func (l *Ledger) WithGateway(g PaymentGateway, timeout time.Duration) *Ledger {
	l.gateway = g
	if timeout > 0 {
		l.timeout = timeout
	}
	return l
}

// WithNotifier sets the notification sink.
func (l *Ledger) WithNotifier(n Notifier) *Ledger {
	if n != nil {
		l.notify = n
	}
	return l
}

// Fees returns the calculator used for new payments.
func (l *Ledger) Fees() fees.Calculator { return l.fees }

// GetPayment returns a payment by ID.
func (l *Ledger) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return l.store.GetPayment(ctx, id)
}

// CreatePayment opens the payment for a booking.
func (l *Ledger) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreatePayment", traces.BookingID(req.BookingID))
	defer span.End()

	var created *Payment
	err := l.withBooking(ctx, req.BookingID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		var err error
		created, err = l.createPaymentTx(ctx, tx, b, false, p, req, out)
		return err
	})
	if err != nil {
		traces.Fail(span, err, "create payment failed")
		return nil, err
	}
	return created, nil
}

// MarkCompleted records that the gateway captured the funds of a pending
// payment.
func (l *Ledger) MarkCompleted(ctx context.Context, paymentID string, capture Capture) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.MarkCompleted", traces.PaymentID(paymentID))
	defer span.End()

	var result *Payment
	err := l.withPayment(ctx, paymentID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		if err := l.markCompletedTx(ctx, tx, b, p, capture, out); err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		traces.Fail(span, err, "mark completed failed")
		return nil, err
	}
	return result, nil
}

// AttachCheckout stores the outbound checkout session of a pending payment.
func (l *Ledger) AttachCheckout(ctx context.Context, paymentID, provider, reference string) (*Payment, error) {
	if reference == "" {
		return nil, fmt.Errorf("%w: checkout reference is required", ErrInvalidRequest)
	}
	var result *Payment
	err := l.withPayment(ctx, paymentID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		if p.Status != PaymentPending {
			return invalidTransition("payment", string(p.Status), "checkout")
		}
		from := p.Status
		p.Provider = provider
		p.CheckoutReference = reference
		p.UpdatedAt = l.now()
		if err := tx.UpdatePayment(ctx, p, from); err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Release pays out a completed payment to the provider and completes the
// booking. The booking must be awaiting the customer's confirmation.
func (l *Ledger) Release(ctx context.Context, paymentID string) (*Pair, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.PaymentID(paymentID))
	defer span.End()

	pair, err := l.paymentOp(ctx, paymentID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		return l.releaseTx(ctx, tx, b, p, false, out)
	})
	if err != nil {
		traces.Fail(span, err, "release failed")
	}
	return pair, err
}

// Refund returns a pending or completed payment to the customer and cancels
// the booking with reason.
func (l *Ledger) Refund(ctx context.Context, paymentID, reason string) (*Pair, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.PaymentID(paymentID))
	defer span.End()

	pair, err := l.paymentOp(ctx, paymentID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		return l.refundTx(ctx, tx, b, p, reason, false, out)
	})
	if err != nil {
		traces.Fail(span, err, "refund failed")
	}
	return pair, err
}

// OpenDispute freezes a completed payment and its booking. actorID must be
// the customer or the provider.
func (l *Ledger) OpenDispute(ctx context.Context, paymentID, reason, description, actorID string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute", traces.PaymentID(paymentID), traces.Actor(actorID))
	defer span.End()

	pair, err := l.paymentOp(ctx, paymentID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		_, err := l.openDisputeTx(ctx, tx, b, p, reason, description, actorID, out)
		return err
	})
	if err != nil {
		traces.Fail(span, err, "open dispute failed")
		return nil, err
	}
	return pair.Dispute, nil
}

// --- transaction-level operations, shared with Bookings and Resolver ---

func (l *Ledger) createPaymentTx(ctx context.Context, tx Tx, b *Booking, newBooking bool, existing *Payment, req CreatePaymentRequest, out *outbox) (*Payment, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if err := l.fees.Check(req.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.CustomerID != b.CustomerID || req.ProviderID != b.ProviderID || req.ServiceID != b.ServiceID {
		return nil, fmt.Errorf("%w: payment parties do not match booking %s", ErrInvalidRequest, b.ID)
	}
	if existing != nil && !existing.Status.IsTerminal() {
		return nil, ErrDuplicatePayment
	}
	if !b.Status.IsActive() {
		return nil, invalidTransition("booking", string(b.Status), "create payment")
	}

	now := l.now()
	fee, total := l.fees.Breakdown(req.Amount)
	currency := req.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	p := &Payment{
		ID:          idgen.New(idgen.Payment),
		BookingID:   b.ID,
		ServiceID:   b.ServiceID,
		Amount:      req.Amount,
		PlatformFee: fee,
		TotalAmount: total,
		Currency:    currency,
		CustomerID:  b.CustomerID,
		ProviderID:  b.ProviderID,
		Status:      PaymentPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ext := req.External; ext != nil {
		if ext.Reference == "" || ext.Reason == "" {
			return nil, fmt.Errorf("%w: external settlement requires a reference and a reason", ErrInvalidRequest)
		}
		p.Status = PaymentCompleted
		p.Provider = ext.Provider
		p.PaymentMethod = ext.Method
		p.ExternalReference = ext.Reference
		p.BypassReason = ext.Reason
		logging.L(ctx).Warn("payment created already settled",
			"payment_id", p.ID, "booking_id", b.ID, "reference", ext.Reference, "reason", ext.Reason)
	}

	bFrom := b.Status
	b.PaymentStatus = p.Status
	b.UpdatedAt = now
	if err := l.apply(ctx, tx, pairWrite{
		booking: b, bookingFrom: bFrom, newBooking: newBooking,
		payment: p, newPayment: true,
	}, out); err != nil {
		return nil, err
	}
	return p, nil
}

func (l *Ledger) markCompletedTx(ctx context.Context, tx Tx, b *Booking, p *Payment, capture Capture, out *outbox) error {
	if !CanTransitionPayment(p.Status, PaymentCompleted) {
		return invalidTransition("payment", string(p.Status), string(PaymentCompleted))
	}
	if capture.Reference == "" {
		return fmt.Errorf("%w: capture reference is required", ErrInvalidRequest)
	}
	now := l.now()
	pFrom, bFrom := p.Status, b.Status
	p.Status = PaymentCompleted
	p.ExternalReference = capture.Reference
	if capture.Provider != "" {
		p.Provider = capture.Provider
	}
	if capture.Method != "" {
		p.PaymentMethod = capture.Method
	}
	p.UpdatedAt = now
	b.PaymentStatus = PaymentCompleted
	b.UpdatedAt = now
	if err := l.apply(ctx, tx, pairWrite{booking: b, bookingFrom: bFrom, payment: p, paymentFrom: pFrom}, out); err != nil {
		return err
	}
	out.user(b.ProviderID, "payment_captured",
		fmt.Sprintf("Payment of %s received for booking %s", p.TotalAmount, b.ID), pairPayload(b, p))
	return nil
}

// releaseTx moves the payment to released and the booking to completed.
// resolving enables the disputed edge used by the resolver.
func (l *Ledger) releaseTx(ctx context.Context, tx Tx, b *Booking, p *Payment, resolving bool, out *outbox) error {
	pFrom, bFrom := p.Status, b.Status
	if resolving {
		if !CanResolvePayment(pFrom, PaymentReleased) || bFrom != BookingDisputed {
			return invalidTransition("payment", string(pFrom), string(PaymentReleased))
		}
	} else {
		if !CanTransitionPayment(pFrom, PaymentReleased) {
			return invalidTransition("payment", string(pFrom), string(PaymentReleased))
		}
		if bFrom != BookingPendingCompletion {
			return invalidTransition("booking", string(bFrom), string(BookingCompleted))
		}
	}

	now := l.now()
	p.Status = PaymentReleased
	p.UpdatedAt = now
	b.Status = BookingCompleted
	b.PaymentStatus = PaymentReleased
	b.UpdatedAt = now
	if err := l.apply(ctx, tx, pairWrite{booking: b, bookingFrom: bFrom, payment: p, paymentFrom: pFrom}, out); err != nil {
		return err
	}
	out.user(b.ProviderID, "payment_released",
		fmt.Sprintf("Payment of %s released for booking %s", p.Amount, b.ID), pairPayload(b, p))
	return nil
}

// refundTx moves the payment to refunded and cancels the booking. The
// gateway is called after the writes are staged so a failure rolls them
// back.
func (l *Ledger) refundTx(ctx context.Context, tx Tx, b *Booking, p *Payment, reason string, resolving bool, out *outbox) error {
	pFrom, bFrom := p.Status, b.Status
	if resolving {
		if !CanResolvePayment(pFrom, PaymentRefunded) || bFrom != BookingDisputed {
			return invalidTransition("payment", string(pFrom), string(PaymentRefunded))
		}
	} else {
		if !CanTransitionPayment(pFrom, PaymentRefunded) {
			return invalidTransition("payment", string(pFrom), string(PaymentRefunded))
		}
		if !b.Status.IsActive() {
			return invalidTransition("booking", string(bFrom), string(BookingCancelled))
		}
	}

	snapshot := *p
	now := l.now()
	p.Status = PaymentRefunded
	p.UpdatedAt = now
	b.Status = BookingCancelled
	b.PaymentStatus = PaymentRefunded
	b.CancellationReason = reason
	b.UpdatedAt = now
	if err := l.apply(ctx, tx, pairWrite{booking: b, bookingFrom: bFrom, payment: p, paymentFrom: pFrom}, out); err != nil {
		return err
	}
	op, err := l.reverse(ctx, &snapshot, reason)
	if err != nil {
		return err
	}
	if op != "" {
		out.recordReversal(op, &snapshot)
	}
	out.user(b.CustomerID, "payment_refunded",
		fmt.Sprintf("Payment of %s refunded for booking %s", p.TotalAmount, b.ID), pairPayload(b, p))
	return nil
}

func (l *Ledger) openDisputeTx(ctx context.Context, tx Tx, b *Booking, p *Payment, reason, description, actorID string, out *outbox) (*Dispute, error) {
	if !b.IsParty(actorID) {
		return nil, ErrForbidden
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", ErrInvalidRequest)
	}
	pFrom, bFrom := p.Status, b.Status
	if !CanTransitionPayment(pFrom, PaymentDisputed) {
		return nil, invalidTransition("payment", string(pFrom), string(PaymentDisputed))
	}
	if !CanTransitionBooking(bFrom, BookingDisputed) {
		return nil, invalidTransition("booking", string(bFrom), string(BookingDisputed))
	}

	now := l.now()
	p.Status = PaymentDisputed
	p.UpdatedAt = now
	b.Status = BookingDisputed
	b.PaymentStatus = PaymentDisputed
	b.UpdatedAt = now
	if err := l.apply(ctx, tx, pairWrite{booking: b, bookingFrom: bFrom, payment: p, paymentFrom: pFrom}, out); err != nil {
		return nil, err
	}

	d := &Dispute{
		ID:          idgen.New(idgen.Dispute),
		PaymentID:   p.ID,
		BookingID:   b.ID,
		CreatedBy:   actorID,
		Reason:      reason,
		Description: description,
		Status:      DisputeOpen,
		CustomerID:  b.CustomerID,
		ProviderID:  b.ProviderID,
		CreatedAt:   now,
	}
	if err := tx.InsertDispute(ctx, d); err != nil {
		return nil, err
	}
	out.dispute = d

	other := b.ProviderID
	if actorID == b.ProviderID {
		other = b.CustomerID
	}
	payload := pairPayload(b, p)
	payload["dispute_id"] = d.ID
	out.user(other, "dispute_opened", fmt.Sprintf("A dispute was opened on booking %s", b.ID), payload)
	out.operator("dispute_opened", fmt.Sprintf("Dispute %s opened on booking %s: %s", d.ID, b.ID, reason), payload)
	return d, nil
}

// --- plumbing ---

type pairWrite struct {
	booking     *Booking
	bookingFrom BookingStatus
	newBooking  bool

	payment     *Payment
	paymentFrom PaymentStatus
	newPayment  bool
	// keepPayment checks the pairing against payment without writing it.
	keepPayment bool
}

// apply checks the resulting pairing and stages the writes.
func (l *Ledger) apply(ctx context.Context, tx Tx, w pairWrite, out *outbox) error {
	if !PairAllowed(w.booking.Status, paymentStatus(w.payment)) {
		return inconsistent(ctx, w.booking, paymentStatus(w.payment))
	}
	if w.newBooking {
		if err := tx.InsertBooking(ctx, w.booking); err != nil {
			return err
		}
		out.mark("booking", w.booking.Status)
	} else {
		if err := tx.UpdateBooking(ctx, w.booking, w.bookingFrom); err != nil {
			return err
		}
		if w.booking.Status != w.bookingFrom {
			out.mark("booking", w.booking.Status)
		}
	}
	if w.payment == nil || w.keepPayment {
		return nil
	}
	if w.newPayment {
		if err := tx.InsertPayment(ctx, w.payment); err != nil {
			return err
		}
		out.mark("payment", w.payment.Status)
		return nil
	}
	if err := tx.UpdatePayment(ctx, w.payment, w.paymentFrom); err != nil {
		return err
	}
	if w.payment.Status != w.paymentFrom {
		out.mark("payment", w.payment.Status)
	}
	return nil
}

// withBooking runs fn on the locked pair of bookingID and flushes the
// collected notifications after commit.
func (l *Ledger) withBooking(ctx context.Context, bookingID string, fn func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error) error {
	var out outbox
	var reversed []reversal
	err := l.store.Atomic(ctx, bookingID, func(ctx context.Context, tx Tx) error {
		out = outbox{reversed: &reversed}
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		p, err := tx.PaymentForBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if !PairAllowed(b.Status, paymentStatus(p)) {
			return inconsistent(ctx, b, paymentStatus(p))
		}
		return fn(ctx, tx, b, p, &out)
	})
	if err != nil {
		if len(reversed) > 0 {
			l.alertUncommitted(ctx, reversed, err)
		}
		return err
	}
	l.flush(ctx, &out)
	return nil
}

// alertUncommitted reports provider reversals whose ledger write was rolled
// back. Provider reversals are idempotent, so retrying the operation
// completes it.
func (l *Ledger) alertUncommitted(ctx context.Context, rs []reversal, cause error) {
	for _, r := range rs {
		uncommittedReversals.WithLabelValues(r.op).Inc()
		logging.L(ctx).Error("provider reversal succeeded but the ledger write failed",
			"op", r.op, "payment_id", r.paymentID, "booking_id", r.bookingID, "provider", r.provider, "error", cause)
		l.notify.EmitOperator(ctx, "reversal_uncommitted",
			fmt.Sprintf("Payment %s was reversed at %s but the ledger did not record it; retry the operation", r.paymentID, r.provider),
			map[string]any{"payment_id": r.paymentID, "booking_id": r.bookingID, "provider": r.provider, "op": r.op})
	}
}

func (l *Ledger) withPayment(ctx context.Context, paymentID string, fn func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error) error {
	current, err := l.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	return l.withBooking(ctx, current.BookingID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		if p == nil || p.ID != paymentID {
			return fmt.Errorf("%w: payment %s is not the current payment of booking %s", ErrInvalidTransition, paymentID, b.ID)
		}
		return fn(ctx, tx, b, p, out)
	})
}

func (l *Ledger) paymentOp(ctx context.Context, paymentID string, fn func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error) (*Pair, error) {
	var pair *Pair
	err := l.withPayment(ctx, paymentID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		if err := fn(ctx, tx, b, p, out); err != nil {
			return err
		}
		pair = &Pair{Booking: b, Payment: p, Dispute: out.dispute}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// reverse undoes the gateway side of a refund: an uncaptured payment has its
// authorization cancelled, a captured one is refunded. Payments the gateway
// never saw are skipped.
func (l *Ledger) reverse(ctx context.Context, p *Payment, reason string) (op string, err error) {
	if l.gateway == nil || (p.ExternalReference == "" && p.CheckoutReference == "") {
		return "", nil
	}
	op = "refund_capture"
	if !p.Status.Captured() {
		op = "cancel_authorization"
	}

	gctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if op == "cancel_authorization" {
		err = l.gateway.CancelAuthorization(gctx, p)
	} else {
		err = l.gateway.RefundCapture(gctx, p, reason)
	}
	if err != nil {
		gatewayCalls.WithLabelValues(op, "error").Inc()
		logging.L(ctx).Warn("gateway call failed, payment left unchanged",
			"op", op, "payment_id", p.ID, "provider", p.Provider, "error", err)
		return "", fmt.Errorf("%w: %s for payment %s: %v", ErrGateway, op, p.ID, err)
	}
	gatewayCalls.WithLabelValues(op, "ok").Inc()
	return op, nil
}

func (l *Ledger) flush(ctx context.Context, out *outbox) {
	for _, m := range out.marks {
		transitionsTotal.WithLabelValues(m.entity, m.to).Inc()
	}
	for _, n := range out.notices {
		if n.operator {
			l.notify.EmitOperator(ctx, n.typ, n.message, n.payload)
			continue
		}
		l.notify.Emit(ctx, n.userID, n.typ, n.message, n.payload)
	}
}

// outbox collects side effects of a transaction until it commits.
type outbox struct {
	dispute *Dispute
	notices []notice
	marks   []mark
	// reversed outlives the per-attempt reset so a rollback can be reported.
	reversed *[]reversal
}

type reversal struct {
	op, paymentID, bookingID, provider string
}

func (o *outbox) recordReversal(op string, p *Payment) {
	if o.reversed == nil {
		return
	}
	for _, r := range *o.reversed {
		if r.paymentID == p.ID && r.op == op {
			return
		}
	}
	*o.reversed = append(*o.reversed, reversal{op: op, paymentID: p.ID, bookingID: p.BookingID, provider: p.Provider})
}

type notice struct {
	userID   string
	operator bool
	typ      string
	message  string
	payload  map[string]any
}

type mark struct{ entity, to string }

func (o *outbox) user(userID, typ, message string, payload map[string]any) {
	o.notices = append(o.notices, notice{userID: userID, typ: typ, message: message, payload: payload})
}

func (o *outbox) operator(typ, message string, payload map[string]any) {
	o.notices = append(o.notices, notice{operator: true, typ: typ, message: message, payload: payload})
}

func (o *outbox) mark(entity string, to any) {
	o.marks = append(o.marks, mark{entity: entity, to: fmt.Sprint(to)})
}

func pairPayload(b *Booking, p *Payment) map[string]any {
	payload := map[string]any{
		"booking_id":     b.ID,
		"service_id":     b.ServiceID,
		"booking_status": string(b.Status),
	}
	if p != nil {
		payload["payment_id"] = p.ID
		payload["payment_status"] = string(p.Status)
		payload["amount"] = p.Amount.String()
		payload["total_amount"] = p.TotalAmount.String()
	}
	return payload
}

func invalidTransition(entity, from, to string) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, entity, from, to)
}

func inconsistent(ctx context.Context, b *Booking, p PaymentStatus) error {
	consistencyErrors.Inc()
	logging.L(ctx).Error("booking and payment diverged",
		"booking_id", b.ID, "booking_status", string(b.Status), "payment_status", string(p))
	return fmt.Errorf("%w: booking %s is %s with payment %q", ErrConsistency, b.ID, b.Status, p)
}

type discard struct{}

func (discard) Emit(context.Context, string, string, string, map[string]any)   {}
func (discard) EmitOperator(context.Context, string, string, map[string]any) {}
