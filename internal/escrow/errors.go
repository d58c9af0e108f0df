package escrow

import (
	"errors"
	"net/http"
)

// Validation errors. Nothing is written when one of these is returned.
var (
	ErrActiveBookingExists = errors.New("an active booking already exists for this service")
	ErrProviderNotVerified = errors.New("provider has not completed verification")
	ErrDuplicatePayment    = errors.New("a non-terminal payment already exists for this booking")
	ErrInvalidRequest      = errors.New("invalid request")
)

var (
	ErrInvalidTransition = errors.New("transition not allowed from current state")
	ErrPaymentRequired   = errors.New("payment has not been captured")
	ErrForbidden         = errors.New("actor may not perform this operation")
	ErrNotFound          = errors.New("not found")
	// ErrConflict is returned when a concurrent writer changed the row first.
	ErrConflict = errors.New("concurrent modification")
	// ErrGateway wraps timeouts and non-2xx answers from a payment provider.
	ErrGateway = errors.New("payment gateway error")
	// ErrConsistency signals a booking/payment pair outside the allowed
	// pairings. Never auto-healed.
	ErrConsistency = errors.New("booking and payment state diverged")
)

// Classify maps err to a stable error code and HTTP status. Unknown errors
// are infrastructure failures.
func Classify(err error) (code string, status int) {
	switch {
	case errors.Is(err, ErrActiveBookingExists):
		return "active_booking_exists", http.StatusConflict
	case errors.Is(err, ErrProviderNotVerified):
		return "provider_not_verified", http.StatusForbidden
	case errors.Is(err, ErrDuplicatePayment):
		return "duplicate_payment", http.StatusConflict
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request", http.StatusBadRequest
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition", http.StatusConflict
	case errors.Is(err, ErrPaymentRequired):
		return "payment_required", http.StatusPaymentRequired
	case errors.Is(err, ErrForbidden):
		return "forbidden", http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return "conflict", http.StatusConflict
	case errors.Is(err, ErrGateway):
		return "gateway_error", http.StatusBadGateway
	case errors.Is(err, ErrConsistency):
		return "consistency_error", http.StatusInternalServerError
	}
	return "internal_error", http.StatusInternalServerError
}

// IsBusiness reports whether err is an expected business outcome rather than
// an infrastructure failure.
func IsBusiness(err error) bool {
	code, _ := Classify(err)
	return code != "internal_error" && code != "consistency_error" && code != "gateway_error"
}
