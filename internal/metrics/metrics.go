package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	UpdatesTotal     prometheus.Counter
	UpdatesProcessed prometheus.Counter
	UpdatesFailed    prometheus.Counter
	UpdatesDropped   prometheus.Counter
	UpdatesDuplicate prometheus.Counter
	RepliesSent      prometheus.Counter
	ActiveInstances  prometheus.Gauge
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botfleet",
				Name:      "webhook_updates_total",
				Help:      "Total webhook updates received from the provider",
			}),
			UpdatesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botfleet",
				Name:      "updates_processed_total",
				Help:      "Total updates handled to completion",
			}),
			UpdatesFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botfleet",
				Name:      "updates_failed_total",
				Help:      "Total update handler invocations that returned an error",
			}),
			UpdatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botfleet",
				Name:      "updates_dropped_total",
				Help:      "Total updates dropped after exhausting internal retries",
			}),
			UpdatesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botfleet",
				Name:      "updates_duplicate_total",
				Help:      "Total provider redeliveries skipped by deduplication",
			}),
			RepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botfleet",
				Name:      "replies_sent_total",
				Help:      "Total outbound replies sent through the provider",
			}),
			ActiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "botfleet",
				Name:      "instances_active",
				Help:      "Bot instances currently held in the in-memory registry",
			}),
		}
		prometheus.MustRegister(
			global.UpdatesTotal,
			global.UpdatesProcessed,
			global.UpdatesFailed,
			global.UpdatesDropped,
			global.UpdatesDuplicate,
			global.RepliesSent,
			global.ActiveInstances,
		)
	})
	return global
}
