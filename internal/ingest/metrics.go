// Prometheus instrumentation for the ingestion pipeline.
//
// Dropped events surface as counters, not errors: a regressive status
// update or a duplicate external id is expected under provider retries and
// reordering, and the pipeline treats both as success. These counters are
// the only place that behavior is observable.
package ingest

import "github.com/prometheus/client_golang/prometheus"

var (
	// ingestEvents counts normalized webhook events by canonical kind.
	ingestEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Total webhook events processed, by canonical event kind.",
		},
		[]string{"kind"},
	)

	// ingestRejected counts payloads the normalizer refused (missing
	// required fields, malformed JSON). These are dropped, never retried.
	ingestRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_rejected_total",
			Help: "Total webhook payloads rejected by the normalizer.",
		},
	)

	// ingestDuplicates counts inbound inserts short-circuited by an
	// already-recorded external message id.
	ingestDuplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_duplicate_messages_total",
			Help: "Total inbound messages skipped as duplicates of a recorded external id.",
		},
	)

	// ingestStatusRegressions counts status updates discarded because they
	// would move a message backwards along the delivery order.
	ingestStatusRegressions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_status_regressions_total",
			Help: "Total status updates dropped for violating the monotonic delivery order.",
		},
	)

	// ingestUnknownStatuses counts provider status strings outside the
	// documented set. The value is stored verbatim; the counter exists so
	// an unexpected provider catalog change is visible.
	ingestUnknownStatuses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_unknown_statuses_total",
			Help: "Total status updates carrying a provider status outside the known set.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ingestEvents,
		ingestRejected,
		ingestDuplicates,
		ingestStatusRegressions,
		ingestUnknownStatuses,
	)
}
