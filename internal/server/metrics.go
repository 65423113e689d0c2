package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "hades_relay"

type metrics struct {
	injectsSubmitted prometheus.Counter
	injectsRejected  *prometheus.CounterVec
	reportsPublished prometheus.Counter
	framesForwarded  prometheus.Counter
	framesDropped    prometheus.Counter
	channelsOpen     prometheus.Gauge
	webhookDelivery  *prometheus.CounterVec
}

// newMetrics registers the relay collectors on reg. A nil reg gets a fresh
// registry with the Go and process collectors.
func newMetrics(reg *prometheus.Registry) (*metrics, *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := &metrics{
		injectsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injects_submitted_total",
			Help:      "Injects accepted by the submission endpoint",
		}),
		injectsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injects_rejected_total",
			Help:      "Injects refused by the submission endpoint",
		}, []string{"reason"}),
		reportsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_published_total",
			Help:      "Transcript frames published through the report endpoint",
		}),
		framesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Transcript frames written to channel subscribers",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Transcript frames dropped because a subscriber fell behind",
		}),
		channelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_open",
			Help:      "Number of currently open transcript channels",
		}),
		webhookDelivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by outcome",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.injectsSubmitted,
		m.injectsRejected,
		m.reportsPublished,
		m.framesForwarded,
		m.framesDropped,
		m.channelsOpen,
		m.webhookDelivery,
	)
	return m, reg
}
