package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handyhub",
		Subsystem: "settlement",
		Name:      "webhook_events_total",
		Help:      "Inbound webhook events by provider and outcome.",
	}, []string{"provider", "outcome"})

	signatureFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handyhub",
		Subsystem: "settlement",
		Name:      "signature_failures_total",
		Help:      "Webhook requests rejected because the signature did not verify.",
	}, []string{"provider"})

	outboundCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handyhub",
		Subsystem: "settlement",
		Name:      "outbound_calls_total",
		Help:      "Calls to payment providers by provider, operation and result.",
	}, []string{"provider", "op", "result"})

	outboundLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "handyhub",
		Subsystem: "settlement",
		Name:      "outbound_call_duration_seconds",
		Help:      "Latency of calls to payment providers.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"provider", "op"})
)

func init() {
	prometheus.MustRegister(eventsTotal, signatureFailures, outboundCalls, outboundLatency)
}
