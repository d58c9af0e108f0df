// Package idgen mints identifiers for bookings, payments and the other
// persisted records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefix tags an id with the kind of record it names.
type Prefix string

const (
	Booking      Prefix = "bk_"
	Payment      Prefix = "pay_"
	Dispute      Prefix = "dsp_"
	Service      Prefix = "svc_"
	Notification Prefix = "ntf_"
)

// New returns prefix followed by 24 hex characters taken from a random
// UUID.
func New(p Prefix) string {
	u := uuid.New()
	var sb strings.Builder
	sb.Grow(len(p) + 24)
	sb.WriteString(string(p))
	sb.WriteString(strings.ReplaceAll(u.String(), "-", "")[:24])
	return sb.String()
}

// Is reports whether id was minted with prefix p.
func Is(id string, p Prefix) bool {
	return len(id) > len(p) && strings.HasPrefix(id, string(p))
}

// RequestID returns a fresh id for correlating a request across logs.
func RequestID() string {
	return uuid.NewString()
}
