package mediator

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func vmidLabel(vmid uint64) string {
	return strconv.FormatUint(vmid, 10)
}

// Metrics mirrors virtcontainers/sandbox_metrics.go: a small set of
// prometheus gauges/counters tracking the resource caps and call volume
// spec.md §5/§8 reason about, registered once per Mediator instance rather
// than via package-level globals so multiple mediators in the same process
// (as in tests) don't collide on registration.
type Metrics struct {
	vmCount       prometheus.Gauge
	pinnedPages   *prometheus.GaugeVec
	inflightCalls *prometheus.GaugeVec
	dispatchTotal *prometheus.CounterVec
}

// NewMetrics builds and registers the mediator's metrics against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		vmCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "optee_mediator",
			Name:      "vm_count",
			Help:      "Number of live VM contexts.",
		}),
		pinnedPages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "optee_mediator",
			Name:      "shm_pinned_pages",
			Help:      "Pinned SHM pages per VM.",
		}, []string{"vmid"}),
		inflightCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "optee_mediator",
			Name:      "inflight_calls",
			Help:      "In-flight standard calls per VM.",
		}, []string{"vmid"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optee_mediator",
			Name:      "dispatch_total",
			Help:      "Dispatched SMC calls by function id and outcome.",
		}, []string{"func", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.vmCount, m.pinnedPages, m.inflightCalls, m.dispatchTotal)
	}
	return m
}

func (m *Metrics) vmCreated()   { m.vmCount.Inc() }
func (m *Metrics) vmDestroyed() { m.vmCount.Dec() }

func (m *Metrics) setVMGauges(vmid uint64, pinned uint64, calls int) {
	label := vmidLabel(vmid)
	m.pinnedPages.WithLabelValues(label).Set(float64(pinned))
	m.inflightCalls.WithLabelValues(label).Set(float64(calls))
}

func (m *Metrics) dropVMGauges(vmid uint64) {
	label := vmidLabel(vmid)
	m.pinnedPages.DeleteLabelValues(label)
	m.inflightCalls.DeleteLabelValues(label)
}

func (m *Metrics) observeDispatch(funcName, outcome string) {
	m.dispatchTotal.WithLabelValues(funcName, outcome).Inc()
}
