package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/internal/pool"
)

const namespace = "leasehub"

// Outcomes of a petition or release
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Outcome classifies the result of a petition or release
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeAccepted
	case models.IsRejection(err), errors.Is(err, models.ErrUnknownGrant):
		return OutcomeRejected
	}
	return OutcomeFailed
}

// Metrics holds every collector of one process on its own registry
type Metrics struct {
	registry *prometheus.Registry

	Petitions   *prometheus.CounterVec
	Releases    *prometheus.CounterVec
	Settlements prometheus.Counter
	Rebated     prometheus.Counter
	Blocked     prometheus.Counter
	Reports     prometheus.Counter
	Monitors    prometheus.Gauge
	Violations  *prometheus.CounterVec
	Mismatches  *prometheus.GaugeVec
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Petitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "petitions_total",
			Help:      "Lease petitions by resource kind and outcome.",
		}, []string{"kind", "outcome"}),
		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Free events by resource kind and outcome.",
		}, []string{"kind", "outcome"}),
		Settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Pending charges settled.",
		}),
		Rebated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebated_tokens_total",
			Help:      "Tokens returned to accounts on settlement.",
		}),
		Blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounts_blocked_total",
			Help:      "Accounts whose credit reached zero.",
		}),
		Reports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "behavior_reports_total",
			Help:      "Behavior reports received from monitors.",
		}),
		Monitors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitors_connected",
			Help:      "Monitors with an open connection.",
		}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Packets matching a classifier rule.",
		}, []string{"rule"}),
		Mismatches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_mismatches",
			Help:      "Accounts whose ledger usage differs from the store in the last audit.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Petitions,
		m.Releases,
		m.Settlements,
		m.Rebated,
		m.Blocked,
		m.Reports,
		m.Monitors,
		m.Violations,
		m.Mismatches,
	)
	return m
}

// WatchPools exports capacity and availability of the pools
func (m *Metrics) WatchPools(pools ...*pool.Pool) {
	m.registry.MustRegister(&poolCollector{pools: pools})
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var (
	availableDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "available"),
		"Units of the pool not granted.",
		[]string{"kind"}, nil,
	)
	capacityDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "capacity"),
		"Total units of the pool.",
		[]string{"kind"}, nil,
	)
)

type poolCollector struct {
	pools []*pool.Pool
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- availableDesc
	ch <- capacityDesc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.pools {
		kind := string(p.Kind())
		ch <- prometheus.MustNewConstMetric(availableDesc, prometheus.GaugeValue, float64(p.Available()), kind)
		ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(p.Capacity()), kind)
	}
}
