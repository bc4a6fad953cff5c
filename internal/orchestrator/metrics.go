package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "academy",
		Subsystem: "orchestrator",
		Name:      "transitions_total",
		Help:      "Session state transitions executed, by target state.",
	}, []string{"to"})

	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "academy",
		Subsystem: "orchestrator",
		Name:      "transition_conflicts_total",
		Help:      "Conditional updates rejected because another trigger advanced the session first.",
	})

	providerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "academy",
		Subsystem: "orchestrator",
		Name:      "provider_errors_total",
		Help:      "Live endpoint provider failures, by class (fatal or transient).",
	}, []string{"class"})

	sweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "academy",
		Subsystem: "orchestrator",
		Name:      "sweeps_total",
		Help:      "Periodic scanner sweeps run, by kind.",
	}, []string{"kind"})

	remindersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "academy",
		Subsystem: "orchestrator",
		Name:      "reminders_total",
		Help:      "Reminder notifications dispatched.",
	})
)
