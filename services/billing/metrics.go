package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "licensing",
	Name:      "billing_events_total",
	Help:      "Billing events by type and outcome.",
}, []string{"type", "outcome"})

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "licensing",
	Name:      "notifications_total",
	Help:      "Customer notifications by template and outcome.",
}, []string{"template", "outcome"})

const (
	outcomeProcessed = "processed"
	outcomeIgnored   = "ignored"
	outcomeFailed    = "failed"
	outcomeSent      = "sent"
)
