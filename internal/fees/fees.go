// Package fees computes the marketplace platform fee.
package fees

import (
	"errors"
	"fmt"

	"github.com/mbd888/handyhub/internal/money"
)

// DefaultRateBPS is the platform fee rate in basis points (8%).
const DefaultRateBPS = 800

const bpsDenominator = 10_000

// ErrAmountOutOfRange is returned by Check for amounts the fee cannot be
// charged on.
var ErrAmountOutOfRange = errors.New("fees: amount out of range")

// Calculator computes platform fees at a fixed rate.
type Calculator struct {
	rateBPS int64
}

// New returns a calculator for the given rate in basis points.
// A non-positive rate falls back to DefaultRateBPS and rates above 100%
// are capped.
func New(rateBPS int64) Calculator {
	if rateBPS <= 0 {
		rateBPS = DefaultRateBPS
	}
	rateBPS = min(rateBPS, bpsDenominator)
	return Calculator{rateBPS: rateBPS}
}

// Default returns a calculator at DefaultRateBPS.
func Default() Calculator { return New(DefaultRateBPS) }

// RateBPS returns the configured rate in basis points.
func (c Calculator) RateBPS() int64 { return c.rateBPS }

// Check rejects amounts that are not positive or exceed money.MaxAmount.
func (c Calculator) Check(amount money.Amount) error {
	if !amount.Valid() {
		return fmt.Errorf("%w: %s (max %s)", ErrAmountOutOfRange, amount, money.MaxAmount)
	}
	return nil
}

// PlatformFee returns amount * rate rounded half-up to the cent. The whole
// basis-point units and the remainder are scaled separately so the product
// never overflows.
func (c Calculator) PlatformFee(amount money.Amount) money.Amount {
	if amount <= 0 {
		return 0
	}
	q, r := int64(amount)/bpsDenominator, int64(amount)%bpsDenominator
	return money.Amount(q*c.rateBPS + (r*c.rateBPS+bpsDenominator/2)/bpsDenominator)
}

// Total returns amount plus its platform fee.
func (c Calculator) Total(amount money.Amount) money.Amount {
	return amount + c.PlatformFee(amount)
}

// Breakdown returns the fee and total for amount in one call.
func (c Calculator) Breakdown(amount money.Amount) (fee, total money.Amount) {
	fee = c.PlatformFee(amount)
	return fee, amount + fee
}
