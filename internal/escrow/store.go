package escrow

import (
	"context"
	"time"

	"github.com/mbd888/handyhub/internal/pagination"
)

// Tx is the view of the store inside an Atomic call. Reads return copies;
// writes become visible to other callers only when the Atomic function
// returns nil.
type Tx interface {
	GetBooking(ctx context.Context, id string) (*Booking, error)
	// PaymentForBooking returns the most recent payment of a booking, or
	// (nil, nil) when the booking has none.
	PaymentForBooking(ctx context.Context, bookingID string) (*Payment, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	HasActiveBooking(ctx context.Context, serviceID, customerID string) (bool, error)

	InsertBooking(ctx context.Context, b *Booking) error
	// UpdateBooking writes b only if the stored status is still from.
	UpdateBooking(ctx context.Context, b *Booking, from BookingStatus) error
	InsertPayment(ctx context.Context, p *Payment) error
	// UpdatePayment writes p only if the stored status is still from and the
	// stored version equals p.Version; it then increments p.Version.
	UpdatePayment(ctx context.Context, p *Payment, from PaymentStatus) error
	InsertDispute(ctx context.Context, d *Dispute) error
	UpdateDispute(ctx context.Context, d *Dispute, from DisputeStatus) error
}

// Store persists bookings, payments and disputes.
type Store interface {
	// Atomic runs fn with exclusive access to the pair identified by key.
	// Returning an error discards every write fn made.
	Atomic(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error

	GetBooking(ctx context.Context, id string) (*Booking, error)
	PaymentForBooking(ctx context.Context, bookingID string) (*Payment, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetDispute(ctx context.Context, id string) (*Dispute, error)

	// ListBookings returns bookings where userID is customer or provider,
	// newest first, strictly older than the cursor position when given.
	ListBookings(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Booking, error)
	ListOpenDisputes(ctx context.Context, limit int) ([]*Dispute, error)
	// ListStalePending returns pending payments at provider that have a
	// checkout reference and were created before cutoff, oldest first,
	// strictly after the cursor position when given.
	ListStalePending(ctx context.Context, provider string, cutoff time.Time, after *pagination.Cursor, limit int) ([]*Payment, error)
	// ListActivePairs returns non-terminal bookings with their current
	// payment, oldest first, strictly after the cursor position when given.
	ListActivePairs(ctx context.Context, after *pagination.Cursor, limit int) ([]Pair, error)
}
