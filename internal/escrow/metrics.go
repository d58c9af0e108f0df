package escrow

import (
	"context"
	"fmt"

	"github.com/mbd888/handyhub/internal/metrics"
	"github.com/mbd888/handyhub/internal/pagination"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handyhub",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Lifecycle transitions by entity and target status.",
	}, []string{"entity", "to"})

	consistencyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "handyhub",
		Name:      "consistency_errors_total",
		Help:      "Booking/payment pairs found outside the allowed pairings.",
	})

	gatewayCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handyhub",
		Subsystem: "escrow",
		Name:      "gateway_calls_total",
		Help:      "Outbound refund side effects by operation and result.",
	}, []string{"op", "result"})

	uncommittedReversals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handyhub",
		Subsystem: "escrow",
		Name:      "uncommitted_reversals_total",
		Help:      "Provider reversals whose ledger write was rolled back.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, consistencyErrors, gatewayCalls, uncommittedReversals)
}

// snapshotBatch is the number of active pairs read per query while sampling.
const snapshotBatch = 1000

// Snapshot counts active bookings by status and sums the captured funds
// still held in escrow.
func (s *Bookings) Snapshot(ctx context.Context) (metrics.EscrowSnapshot, error) {
	snap := metrics.EscrowSnapshot{Bookings: make(map[string]int)}
	var after *pagination.Cursor
	for {
		pairs, err := s.store.ListActivePairs(ctx, after, snapshotBatch)
		if err != nil {
			return metrics.EscrowSnapshot{}, fmt.Errorf("escrow snapshot: %w", err)
		}
		for _, p := range pairs {
			snap.Bookings[string(p.Booking.Status)]++
			if p.Payment != nil && p.Payment.Status == PaymentCompleted {
				snap.HeldCents += p.Payment.TotalAmount.Cents()
			}
		}
		if len(pairs) < snapshotBatch {
			return snap, nil
		}
		last := pairs[len(pairs)-1].Booking
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}
