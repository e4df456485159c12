package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Submissions counts accepted attendance submissions by status.
var Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "classlink_submissions_total",
	Help: "Accepted attendance submissions by status.",
}, []string{"status"})

// Rejections counts refused submissions by admission error.
var Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "classlink_rejections_total",
	Help: "Refused attendance submissions by reason.",
}, []string{"reason"})

// AutoMarked counts records created by the auto-absence sweep.
var AutoMarked = promauto.NewCounter(prometheus.CounterOpts{
	Name: "classlink_auto_marked_total",
	Help: "Absence records created by the reconciler.",
})

// ReconcilerCycles counts sweep runs by outcome.
var ReconcilerCycles = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "classlink_reconciler_cycles_total",
	Help: "Auto-absence sweep runs by outcome.",
}, []string{"outcome"})

// PersistFailures counts failed persistence writes.
var PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "classlink_persist_failures_total",
	Help: "Failed writes to the document store.",
})
