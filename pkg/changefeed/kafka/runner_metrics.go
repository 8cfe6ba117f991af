package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	apply *prometheus.CounterVec
	proc  *prometheus.HistogramVec
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		apply: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "changefeed_apply_total",
				Help: "Actions taken for change feed events.",
			},
			[]string{"action"},
		),
		proc: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "changefeed_processing_seconds",
				Help:    "End-to-end processing time for one message.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"op"},
		),
	}
	if r != nil {
		r.MustRegister(m.apply, m.proc)
	}
	return m
}
