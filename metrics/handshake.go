// Package metrics exports Prometheus metrics for the startup handshake.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Hook results.
const (
	ResultOK         = "ok"
	ResultSkipped    = "skipped"
	ResultFailed     = "failed"
	ResultOutOfOrder = "out_of_order"
)

// Handshake provides metrics for the lifecycle dispatcher.
// All methods are nil-safe: calls on a nil *Handshake are no-ops.
type Handshake struct {
	// Phase is the numeric handshake phase (see lifecycle.Phase).
	Phase prometheus.Gauge

	// HookInvocations counts hook calls by hook name and result.
	HookInvocations *prometheus.CounterVec

	// BackendCreate observes how long the backend factory suspended the caller.
	BackendCreate prometheus.Histogram

	// MountTotal counts mount attempts by result ("ok", "already_mounted",
	// or a WASI errno name).
	MountTotal *prometheus.CounterVec
}

// NewHandshake creates and registers the handshake metrics. If reg is nil the
// metrics are created but not registered.
func NewHandshake(reg prometheus.Registerer) *Handshake {
	m := &Handshake{
		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wasmfs",
			Name:      "handshake_phase",
			Help:      "Current handshake phase",
		}),
		HookInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wasmfs",
			Name:      "hook_invocations_total",
			Help:      "Lifecycle hook invocations by hook and result",
		}, []string{"hook", "result"}),
		BackendCreate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wasmfs",
			Name:      "backend_create_seconds",
			Help:      "Time spent waiting for the backend factory",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}),
		MountTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wasmfs",
			Name:      "mount_total",
			Help:      "Mount attempts by result",
		}, []string{"result"}),
	}

	if reg != nil {
		m.Phase = registerOrReuse(reg, m.Phase).(prometheus.Gauge)
		m.HookInvocations = registerOrReuse(reg, m.HookInvocations).(*prometheus.CounterVec)
		m.BackendCreate = registerOrReuse(reg, m.BackendCreate).(prometheus.Histogram)
		m.MountTotal = registerOrReuse(reg, m.MountTotal).(*prometheus.CounterVec)
	}

	return m
}

func (m *Handshake) SetPhase(phase int) {
	if m == nil {
		return
	}
	m.Phase.Set(float64(phase))
}

func (m *Handshake) RecordHook(hook, result string) {
	if m == nil {
		return
	}
	m.HookInvocations.WithLabelValues(hook, result).Inc()
}

func (m *Handshake) ObserveBackendCreate(d time.Duration) {
	if m == nil {
		return
	}
	m.BackendCreate.Observe(d.Seconds())
}

func (m *Handshake) RecordMount(result string) {
	if m == nil {
		return
	}
	m.MountTotal.WithLabelValues(result).Inc()
}

// registerOrReuse registers c, or returns the collector already registered
// under the same descriptor.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
