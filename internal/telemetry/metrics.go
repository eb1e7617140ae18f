// Package telemetry hosts the prometheus counters/gauges and the
// OpenTelemetry meter/tracer shared by pkg/alloc and pkg/queue. Nothing
// here is on the hot path's correctness: every call is a side-effect that
// a missing or misconfigured exporter degrades silently, never fails.
package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics groups the counters a single allocator or queue instance
// updates. Construct one with NewMetrics and keep it alongside the
// allocator/queue state; there is no global registry singleton so tests
// can spin up independent instances without cross-test interference.
type Metrics struct {
	Allocations  prometheus.Counter
	Deallocations prometheus.Counter
	Publishes    prometheus.Counter
	Takes        prometheus.Counter
	CrossDomainCopies prometheus.Counter
	RingFull     prometheus.Counter
}

// NewMetrics builds a Metrics set registered against reg. Passing a fresh
// prometheus.NewRegistry() per allocator/queue avoids the global
// DefaultRegisterer's "duplicate metrics collector registration" panic
// when multiple topics or allocators of the same kind coexist.
func NewMetrics(reg *prometheus.Registry, subsystem string) *Metrics {
	m := &Metrics{
		Allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hazcat", Subsystem: subsystem, Name: "allocations_total",
			Help: "Total number of successful allocate() calls.",
		}),
		Deallocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hazcat", Subsystem: subsystem, Name: "deallocations_total",
			Help: "Total number of dealloc() calls.",
		}),
		Publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hazcat", Subsystem: subsystem, Name: "publishes_total",
			Help: "Total number of publish() calls.",
		}),
		Takes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hazcat", Subsystem: subsystem, Name: "takes_total",
			Help: "Total number of take() calls.",
		}),
		CrossDomainCopies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hazcat", Subsystem: subsystem, Name: "cross_domain_copies_total",
			Help: "Total number of lazy cross-domain copies performed by take().",
		}),
		RingFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hazcat", Subsystem: subsystem, Name: "ring_full_total",
			Help: "Total number of allocate() calls that found the ring full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Allocations, m.Deallocations, m.Publishes, m.Takes, m.CrossDomainCopies, m.RingFull)
	}
	return m
}

// CounterValue reads a prometheus.Counter's current value, following the
// same Write-into-a-dto.Metric pattern the teacher's test suite used to
// assert on counter state without scraping an HTTP endpoint.
func CounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

// Tracer and Meter are process-wide otel handles; callers obtain spans and
// instruments from these rather than from the global otel package so unit
// tests can swap in a no-op provider.
var (
	Tracer trace.Tracer = trace.NewNoopTracerProvider().Tracer("hazcat")
	Meter  metric.Meter = noop.NewMeterProvider().Meter("hazcat")
)
