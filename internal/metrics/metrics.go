// Package metrics wires the kernel's CPU-usage and scheduling counters
// into a prometheus.Registry, following the corpus's pattern of building
// an explicit Registerer and registering metrics against it rather than
// relying on the global default registry (grafana's grpcserver service
// takes a prometheus.Registerer as a constructor argument for the same
// reason: let the owner control registration lifetime and namespace).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gos2022"

// Registry owns the kernel's metric set and exposes an http.Handler for
// scraping.
type Registry struct {
	reg *prometheus.Registry

	cpuUsagePermille  *prometheus.GaugeVec
	contextSwitches   prometheus.Counter
	tickCount         prometheus.Counter
	taskTimeouts      *prometheus.CounterVec
	queueFullEvents   *prometheus.CounterVec
	signalInvocations *prometheus.CounterVec
}

// New builds and registers every metric against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		cpuUsagePermille: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_cpu_usage_permille",
			Help:      "Per-task CPU usage, in permille of the last accounting window.",
		}, []string{"task"}),
		contextSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_switches_total",
			Help:      "Total number of scheduler context switches.",
		}),
		tickCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sys_ticks_total",
			Help:      "Total number of system tick interrupts observed.",
		}),
		taskTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocking_timeouts_total",
			Help:      "Total number of blocking calls that returned Timeout, by primitive.",
		}, []string{"primitive"}),
		queueFullEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_full_events_total",
			Help:      "Total number of times a named queue transitioned to full.",
		}, []string{"queue"}),
		signalInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_invocations_total",
			Help:      "Total number of signal invocations dispatched by the signal daemon.",
		}, []string{"signal"}),
	}

	reg.MustRegister(
		r.cpuUsagePermille,
		r.contextSwitches,
		r.tickCount,
		r.taskTimeouts,
		r.queueFullEvents,
		r.signalInvocations,
	)
	return r
}

// Handler exposes the registry for scraping (spec §6's external
// collaborators consume this; the core itself never reads it back).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveCPUUsage records a task's latest CPU-usage permille snapshot.
func (r *Registry) ObserveCPUUsage(taskName string, permille uint16) {
	r.cpuUsagePermille.WithLabelValues(taskName).Set(float64(permille))
}

// IncContextSwitch bumps the context-switch counter by one.
func (r *Registry) IncContextSwitch() { r.contextSwitches.Inc() }

// IncTick bumps the system-tick counter by one.
func (r *Registry) IncTick() { r.tickCount.Inc() }

// IncTimeout records a Timeout return from the named blocking primitive
// (e.g. "mutex", "trigger", "queue", "message").
func (r *Registry) IncTimeout(primitive string) {
	r.taskTimeouts.WithLabelValues(primitive).Inc()
}

// IncQueueFull records a queue's full-hook firing.
func (r *Registry) IncQueueFull(queueName string) {
	r.queueFullEvents.WithLabelValues(queueName).Inc()
}

// IncSignalInvocation records a dispatched signal invocation.
func (r *Registry) IncSignalInvocation(signalName string) {
	r.signalInvocations.WithLabelValues(signalName).Inc()
}
