// Package health exposes liveness/readiness checks over the registry and
// queue state, built on heptiolabs/healthcheck the same way the teacher's
// test suite exercised it: AddLivenessCheck/AddReadinessCheck callbacks
// wired to an http.Handler.
package health

import (
	"fmt"
	"sync"

	"github.com/heptiolabs/healthcheck"
)

// Handler wraps healthcheck.Handler with the checks this module cares
// about: whether the allocator registry can still be probed, and how many
// topics are currently live (mirroring the original implementation's
// global count of attached message queues, used there for diagnostics).
type Handler struct {
	healthcheck.Handler

	mu         sync.Mutex
	liveTopics int
}

// New builds a Handler with a readiness check named "registry-reachable"
// driven by probe, plus a liveness check that always reports healthy
// (process-level liveness has no failure mode of its own here).
func New(probe func() error) *Handler {
	h := &Handler{Handler: healthcheck.NewHandler()}
	h.AddLivenessCheck("hazcat-process", func() error { return nil })
	h.AddReadinessCheck("registry-reachable", probe)
	h.AddReadinessCheck("live-topic-count", func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.liveTopics < 0 {
			return fmt.Errorf("live topic count went negative: %d", h.liveTopics)
		}
		return nil
	})
	return h
}

// TopicRegistered and TopicUnregistered adjust the live-topic count that
// the readiness check and SPEC_FULL.md's "Supplemented Features" both
// refer to; pkg/hazcat calls TopicRegistered when a register opens a topic
// with no other endpoint in this process, and TopicUnregistered when an
// unregister closes the topic's last one.
func (h *Handler) TopicRegistered() {
	h.mu.Lock()
	h.liveTopics++
	h.mu.Unlock()
}

func (h *Handler) TopicUnregistered() {
	h.mu.Lock()
	h.liveTopics--
	h.mu.Unlock()
}

// LiveTopics returns the current live-topic count.
func (h *Handler) LiveTopics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.liveTopics
}
