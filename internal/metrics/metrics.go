// Package metrics exposes the signaling core's prometheus instrumentation.
// Collectors are registered on the default registry and served by promhttp
// from the ops router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_calls_created_total",
		Help: "Call records created, by call type.",
	}, []string{"type"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_transitions_total",
		Help: "Accepted status transitions, by target status.",
	}, []string{"to"})

	ConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_status_conflicts_total",
		Help: "Conditional updates that lost the race and were reconciled.",
	})

	ReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_reaped_calls_total",
		Help: "Calls force-terminated by the reaper, by resulting status.",
	}, []string{"to"})

	PrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_pruned_calls_total",
		Help: "Terminal call records archived and deleted by retention.",
	})

	NotifyFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_notify_failures_total",
		Help: "Wake notifications that could not be delivered (best-effort).",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_active_sessions",
		Help: "Session controllers currently bound to a live call.",
	})
)
