/*
metrics.go - Prometheus instrumentation for the billing API

PURPOSE:
  Counts the ledger-mutating operations so operators can watch charge runs,
  batch activity and the reduction workflow from a dashboard. Exposed at
  /metrics via promhttp.

SEE ALSO:
  - server.go: mounts the /metrics endpoint
  - handlers.go: increments these counters
*/
package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chargesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messbilling_charges_applied_total",
		Help: "Daily mess charges written to the ledger.",
	})

	chargesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messbilling_charges_skipped_total",
		Help: "Student-days skipped during daily charge runs (exempt attendance, reduction windows, already charged).",
	})

	batchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messbilling_fee_batches_created_total",
		Help: "Bulk fee batches persisted.",
	})

	recordsReverted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messbilling_fee_records_reverted_total",
		Help: "Fee records deleted by batch reverts.",
	})

	reductionsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messbilling_reductions_finalized_total",
		Help: "Day-reduction requests approved at warden tier.",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messbilling_http_requests_total",
		Help: "HTTP requests by route pattern and status class.",
	}, []string{"pattern", "class"})
)
