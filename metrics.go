package conio

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "conio"

type groupMetrics struct {
	results    prometheus.Counter
	accepted   prometheus.Counter
	channels   prometheus.Gauge
	coroutines prometheus.Gauge
}

func newGroupMetrics(reg prometheus.Registerer, group string) *groupMetrics {
	results := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "group",
		Name:      "results_dispatched_total",
		Help:      "Result records dispatched on the group loop.",
	}, []string{"group"}))
	accepted := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "group",
		Name:      "accepted_total",
		Help:      "Inbound connections accepted.",
	}, []string{"group"}))
	channels := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "group",
		Name:      "open_channels",
		Help:      "Channels currently open.",
	}, []string{"group"}))
	coroutines := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "group",
		Name:      "coroutines",
		Help:      "Coroutines alive on the group loop.",
	}, []string{"group"}))

	return &groupMetrics{
		results:    results.WithLabelValues(group),
		accepted:   accepted.WithLabelValues(group),
		channels:   channels.WithLabelValues(group),
		coroutines: coroutines.WithLabelValues(group),
	}
}

type poolMetrics struct {
	pool      string
	live      *prometheus.GaugeVec
	waiters   *prometheus.GaugeVec
	acquires  *prometheus.CounterVec
	destroyed prometheus.Counter
	probes    *prometheus.CounterVec
}

func newPoolMetrics(reg prometheus.Registerer, pool string) *poolMetrics {
	live := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "pool",
		Name:      "live_channels",
		Help:      "Open pooled channels per destination, in use or free.",
	}, []string{"pool", "destination"}))
	waiters := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "pool",
		Name:      "waiters",
		Help:      "Coroutines waiting for a channel per destination.",
	}, []string{"pool", "destination"}))
	acquires := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "pool",
		Name:      "acquires_total",
		Help:      "Channel acquisitions by outcome.",
	}, []string{"pool", "outcome"}))
	destroyed := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "pool",
		Name:      "destroyed_total",
		Help:      "Pooled channels destroyed.",
	}, []string{"pool"}))
	probes := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "pool",
		Name:      "heartbeat_probes_total",
		Help:      "Heartbeat probes by outcome.",
	}, []string{"pool", "outcome"}))

	return &poolMetrics{
		pool:      pool,
		live:      live,
		waiters:   waiters,
		acquires:  acquires,
		destroyed: destroyed.WithLabelValues(pool),
		probes:    probes,
	}
}

func (m *poolMetrics) acquire(outcome string) {
	m.acquires.WithLabelValues(m.pool, outcome).Inc()
}

func (m *poolMetrics) probe(outcome string) {
	m.probes.WithLabelValues(m.pool, outcome).Inc()
}

func (m *poolMetrics) destination(addr string, live, waiting int) {
	m.live.WithLabelValues(m.pool, addr).Set(float64(live))
	m.waiters.WithLabelValues(m.pool, addr).Set(float64(waiting))
}

func (m *poolMetrics) forget(addr string) {
	m.live.DeleteLabelValues(m.pool, addr)
	m.waiters.DeleteLabelValues(m.pool, addr)
}

// register adds c to reg, reusing the collector registered earlier
// under the same descriptor. A nil reg leaves c unregistered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
