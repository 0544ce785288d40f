// Package services – domain metrics.
//
// Prometheus collectors for the two reconciliation loops. Labels stay
// low-cardinality: finalize outcomes are a closed set, and webhook event
// types are bounded by the provider's catalogue of subscription events.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// finalizeOutcomes counts finalize attempts by domain outcome.
	finalizeOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "link_finalize_total",
			Help: "Total nonce finalize attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// webhookEvents counts ingested billing webhook events by type and outcome.
	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Total billing webhook events by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(finalizeOutcomes, webhookEvents)
}
