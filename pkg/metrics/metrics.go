// Package metrics exposes the hot-path counters and histograms
// described in SPEC_FULL.md §1.1: operations applied, transform
// fan-out length, broadcast fan-out size, version snapshots, reverts,
// and errors by kind.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OperationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabdocs_operations_applied_total",
		Help: "Operations successfully applied to a document room, by type.",
	}, []string{"type"})

	OperationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabdocs_operations_rejected_total",
		Help: "Operations rejected during applyEdit, by error kind.",
	}, []string{"kind"})

	TransformFanOut = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collabdocs_transform_fanout_length",
		Help:    "Number of concurrent operations an incoming edit was transformed against.",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	BroadcastFanOut = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collabdocs_broadcast_fanout_size",
		Help:    "Number of members a single operation broadcast was fanned out to.",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
	})

	VersionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabdocs_versions_created_total",
		Help: "Versions created via createVersion (excludes version 0 and reverts).",
	})

	Reverts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabdocs_reverts_total",
		Help: "Successful revertToVersion calls.",
	})

	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabdocs_rooms_active",
		Help: "Document rooms currently in the Active or Draining state.",
	})
)

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
