// Package metrics defines the prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Commits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coop_repo_commits_total",
			Help: "Commits appended to the log, by operation.",
		},
		[]string{"operation"},
	)

	FirehoseSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coop_firehose_subscribers",
			Help: "Active firehose subscriptions.",
		},
	)

	FirehoseResyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coop_firehose_resyncs_total",
			Help: "Subscriptions backfilled from the log, by reason.",
		},
		[]string{"reason"},
	)

	OutboxDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coop_outbox_deliveries_total",
			Help: "Outbox delivery attempts, by result (sent, failed, dead).",
		},
		[]string{"result"},
	)

	IndexerCursor = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coop_appview_cursor",
			Help: "Last global sequence indexed by the AppView.",
		},
	)

	IndexerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coop_appview_errors_total",
			Help: "AppView errors, by kind (projector, stream).",
		},
		[]string{"kind"},
	)

	SagaRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coop_saga_runs_total",
			Help: "Saga runs, by saga and outcome.",
		},
		[]string{"saga", "outcome"},
	)

	SignatureChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coop_httpsig_verifications_total",
			Help: "Inbound signature verifications, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(Commits)
	prometheus.MustRegister(FirehoseSubscribers)
	prometheus.MustRegister(FirehoseResyncs)
	prometheus.MustRegister(OutboxDeliveries)
	prometheus.MustRegister(IndexerCursor)
	prometheus.MustRegister(IndexerErrors)
	prometheus.MustRegister(SagaRuns)
	prometheus.MustRegister(SignatureChecks)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
