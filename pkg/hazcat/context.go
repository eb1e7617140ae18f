// Package hazcat is the thin outer facade (C7) a pub/sub middleware sits
// behind: it owns the per-process registry, topic cache and device-DMA
// engine, and forwards every operation straight into pkg/queue/pkg/alloc.
// It is deliberately thin — no policy, no retries beyond what the inner
// packages already do on their own.
package hazcat

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nightduck/rmw-hazcat/internal/audit"
	"github.com/nightduck/rmw-hazcat/internal/devicediscovery"
	"github.com/nightduck/rmw-hazcat/internal/health"
	"github.com/nightduck/rmw-hazcat/internal/logging"
	"github.com/nightduck/rmw-hazcat/internal/telemetry"
	"github.com/nightduck/rmw-hazcat/pkg/dmaengine"
	"github.com/nightduck/rmw-hazcat/pkg/queue"
	"github.com/nightduck/rmw-hazcat/pkg/registry"
)

var log = logging.New("hazcat")

// Context is the per-process handle hazcat_init returns. Every other
// operation in this package takes one as its first argument, replacing
// the source's global mutable state per the Design Notes.
type Context struct {
	registry   *registry.Registry
	topics     *queue.Cache
	engine     *dmaengine.Engine
	health     *health.Handler
	audit      *audit.Trail
	domains    []devicediscovery.Domain
	metricsReg *prometheus.Registry
	metricsMu  sync.Mutex
	metrics    map[string]*telemetry.Metrics
}

// Options configures Init. AuditPath may be empty to skip the sqlite
// audit trail entirely (e.g. in tests).
type Options struct {
	AuditPath    string
	EngineWorkers int
}

// Init implements hazcat_init: it builds the per-process registry, topic
// cache, DMA engine and optional audit trail, and probes the host for
// simulated device domains via internal/devicediscovery.
func Init(opts Options) (*Context, error) {
	workers := opts.EngineWorkers
	if workers <= 0 {
		workers = 4
	}
	engine, err := dmaengine.New(workers)
	if err != nil {
		return nil, fmt.Errorf("hazcat: init dma engine: %w", err)
	}

	reg := registry.New()
	c := &Context{
		registry:   reg,
		topics:     queue.NewCache(reg),
		engine:     engine,
		domains:    devicediscovery.Discover(),
		metricsReg: prometheus.NewRegistry(),
		metrics:    make(map[string]*telemetry.Metrics),
	}
	c.health = health.New(func() error {
		if c.registry.Len() < 0 {
			return fmt.Errorf("registry length went negative")
		}
		return nil
	})

	if opts.AuditPath != "" {
		trail, err := audit.Open(opts.AuditPath)
		if err != nil {
			engine.Close()
			return nil, err
		}
		c.audit = trail
	}

	log.Debugf("hazcat_init: %d device domains discovered", len(c.domains))
	return c, nil
}

// Fini implements hazcat_fini: tears down the DMA engine and audit trail.
// It does not unregister any remaining endpoint — callers are expected
// to have unregistered everything first, matching the source's
// shutdown-order assumption.
func (c *Context) Fini() error {
	c.engine.Close()
	if c.audit != nil {
		return c.audit.Close()
	}
	return nil
}

// Health exposes the liveness/readiness handler for an operator's HTTP
// mux to mount.
func (c *Context) Health() *health.Handler { return c.health }

// Domains returns the simulated device domains discovered at Init.
func (c *Context) Domains() []devicediscovery.Domain { return c.domains }

// MetricsRegistry exposes the prometheus registry every allocator and
// topic endpoint this Context creates reports into, for an operator's
// HTTP mux to serve via promhttp.
func (c *Context) MetricsRegistry() *prometheus.Registry { return c.metricsReg }

// metricsFor builds (or returns the cached) counter set scoped to
// subsystem, keyed on the name the caller passes (an allocator's name or
// a topic's name) so that a second lookup of the same name in one process
// reuses one set of counters instead of panicking on prometheus's
// duplicate-registration check.
func (c *Context) metricsFor(subsystem string) *telemetry.Metrics {
	key := sanitizeSubsystem(subsystem)
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	if m, ok := c.metrics[key]; ok {
		return m
	}
	m := telemetry.NewMetrics(c.metricsReg, key)
	c.metrics[key] = m
	return m
}

func sanitizeSubsystem(name string) string {
	b := []byte(name)
	for i, r := range b {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		b[i] = '_'
	}
	return string(b)
}

func (c *Context) recordAudit(kind audit.EventKind, topic string, domainID uint32) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(context.Background(), kind, topic, fmt.Sprintf("%#x", domainID), os.Getpid()); err != nil {
		log.Debugf("audit record failed: %v", err)
	}
}
