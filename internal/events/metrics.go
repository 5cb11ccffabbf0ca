package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deliveriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "modhub",
		Subsystem: "events",
		Name:      "deliveries_total",
		Help:      "Outbox deliveries by event name and outcome (delivered, retry, failed).",
	},
	[]string{"event", "outcome"},
)
