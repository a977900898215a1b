package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketgate",
		Subsystem: "upstream",
		Name:      "frames_total",
		Help:      "Upstream frames by class and decode status.",
	}, []string{"class", "status"})

	controlFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketgate",
		Subsystem: "upstream",
		Name:      "control_frames_total",
		Help:      "Control frames written upstream by request kind and outcome.",
	}, []string{"request", "outcome"})

	connectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketgate",
		Subsystem: "upstream",
		Name:      "connection_state",
		Help:      "Upstream ConnectionState (0 disconnected, 1 connecting, 2 connected, 3 closing).",
	})

	subscriptionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketgate",
		Subsystem: "upstream",
		Name:      "subscriptions",
		Help:      "Subscription keys currently registered upstream.",
	})

	fanoutClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketgate",
		Subsystem: "fanout",
		Name:      "clients",
		Help:      "Attached downstream clients.",
	})

	fanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marketgate",
		Subsystem: "fanout",
		Name:      "dropped_total",
		Help:      "Events dropped because a client mailbox was full.",
	})

	fanoutEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marketgate",
		Subsystem: "fanout",
		Name:      "evicted_total",
		Help:      "Clients removed after a failed delivery.",
	})
)
