package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch outcomes recorded per event
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeIgnored   = "ignored"
	OutcomeMalformed = "malformed"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "devbox",
	Subsystem: "lifecycle",
	Name:      "events_total",
	Help:      "Lifecycle events dispatched, by detail type and outcome.",
}, []string{"detail_type", "outcome"})

// Observe records one dispatched event
func Observe(outcome, detailType string) {
	eventsTotal.WithLabelValues(detailType, outcome).Inc()
}
