// Package metrics exports Prometheus collectors for the sandbox engine:
// UID pool pressure, provisioning and teardown outcomes, and per-command
// execution results.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus collectors for the sandbox engine.
type Metrics struct {
	// UID pool
	AcquireWaitSeconds prometheus.Histogram
	TokensLeased       prometheus.Gauge

	// Container lifecycle
	ProvisionTotal *prometheus.CounterVec
	TeardownTotal  *prometheus.CounterVec

	// Command execution
	CommandsTotal          *prometheus.CounterVec
	CommandDurationSeconds prometheus.Histogram
	OutputBytesTotal       *prometheus.CounterVec
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.AcquireWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gradebox",
		Subsystem: "uidpool",
		Name:      "acquire_wait_seconds",
		Help:      "Time spent waiting for a free UID token",
		Buckets:   []float64{.001, .01, .1, .5, 1, 5, 15, 30, 60},
	})

	m.TokensLeased = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gradebox",
		Subsystem: "uidpool",
		Name:      "tokens_leased",
		Help:      "UID tokens currently leased by this process",
	})

	m.ProvisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gradebox",
		Subsystem: "sandbox",
		Name:      "provision_total",
		Help:      "Sandbox provisioning attempts by outcome",
	}, []string{"outcome"})

	m.TeardownTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gradebox",
		Subsystem: "sandbox",
		Name:      "teardown_total",
		Help:      "Sandbox teardowns by outcome",
	}, []string{"outcome"})

	m.CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gradebox",
		Subsystem: "sandbox",
		Name:      "commands_total",
		Help:      "Commands executed by outcome (completed, nonzero, timeout, launch_error)",
	}, []string{"outcome"})

	m.CommandDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gradebox",
		Subsystem: "sandbox",
		Name:      "command_duration_seconds",
		Help:      "Wall-clock duration of command executions",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
	})

	m.OutputBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gradebox",
		Subsystem: "sandbox",
		Name:      "output_bytes_total",
		Help:      "Captured output bytes by stream, before truncation",
	}, []string{"stream"})

	return m
}
