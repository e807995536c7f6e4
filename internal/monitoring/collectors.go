package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	knocks              *prometheus.CounterVec
	goodbyes            *prometheus.CounterVec
	sweepRevocations    *prometheus.CounterVec
	openSessions        prometheus.Gauge
	gateLatency         *prometheus.HistogramVec
	rateLimited         *prometheus.CounterVec
	apiLatency          *prometheus.HistogramVec
	maintenanceRuns     *prometheus.CounterVec
	maintenanceDuration *prometheus.HistogramVec
	maintenanceLastRun  *prometheus.GaugeVec
}

func newCollectors(namespace string) *collectors {
	buckets := prometheus.DefBuckets
	gateBuckets := []float64{
		0.05, 0.1, 0.25, 0.5, // sub-second
		1, 2.5, 5, 10, 30,
	}

	return &collectors{
		knocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "knocks_total",
				Help:      "Knock requests grouped by outcome",
			},
			[]string{"result"},
		),
		goodbyes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "goodbyes_total",
				Help:      "Goodbye requests grouped by outcome",
			},
			[]string{"result"},
		),
		sweepRevocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_revocations_total",
				Help:      "Expired sessions processed by the sweeper",
			},
			[]string{"result"},
		),
		openSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_sessions",
				Help:      "Ingress sessions not yet revoked",
			},
		),
		gateLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gate_call_duration_seconds",
				Help:      "Latency of ingress gate calls",
				Buckets:   gateBuckets,
			},
			[]string{"operation", "result"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
		apiLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_latency_seconds",
				Help:      "API endpoint latency",
				Buckets:   buckets,
			},
			[]string{"method", "path", "status"},
		),
		maintenanceRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "maintenance_runs_total",
				Help:      "Maintenance job executions",
			},
			[]string{"job", "result"},
		),
		maintenanceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "maintenance_duration_seconds",
				Help:      "Maintenance job duration",
				Buckets:   buckets,
			},
			[]string{"job"},
		),
		maintenanceLastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "maintenance_last_success_timestamp",
				Help:      "Timestamp of the last successful maintenance run (seconds since epoch)",
			},
			[]string{"job"},
		),
	}
}

func (c *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.knocks,
		c.goodbyes,
		c.sweepRevocations,
		c.openSessions,
		c.gateLatency,
		c.rateLimited,
		c.apiLatency,
		c.maintenanceRuns,
		c.maintenanceDuration,
		c.maintenanceLastRun,
	}
}

func observeDuration(observer prometheus.Observer, d time.Duration) {
	if observer == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	observer.Observe(d.Seconds())
}
