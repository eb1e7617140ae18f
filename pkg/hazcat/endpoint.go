package hazcat

import (
	"fmt"

	"github.com/nightduck/rmw-hazcat/internal/audit"
	"github.com/nightduck/rmw-hazcat/internal/shm"
	"github.com/nightduck/rmw-hazcat/pkg/alloc"
	"github.com/nightduck/rmw-hazcat/pkg/queue"
)

// RegisterPublisher implements hazcat_register_publisher.
func (c *Context) RegisterPublisher(topic string, allocator alloc.Dispatch, depth uint32) (*queue.Endpoint, error) {
	_, open := c.topics.Lookup(topic)
	ep, err := c.topics.Register(topic, queue.RolePublisher, allocator, depth)
	if err != nil {
		return nil, err
	}
	ep.Metrics = c.metricsFor(topic)
	c.recordAudit(audit.EventRegisterPublisher, topic, allocator.DomainID())
	if !open {
		c.health.TopicRegistered()
	}
	return ep, nil
}

// RegisterSubscription implements hazcat_register_subscription.
func (c *Context) RegisterSubscription(topic string, allocator alloc.Dispatch, depth uint32) (*queue.Endpoint, error) {
	_, open := c.topics.Lookup(topic)
	ep, err := c.topics.Register(topic, queue.RoleSubscriber, allocator, depth)
	if err != nil {
		return nil, err
	}
	ep.Metrics = c.metricsFor(topic)
	c.recordAudit(audit.EventRegisterSubscription, topic, allocator.DomainID())
	if !open {
		c.health.TopicRegistered()
	}
	return ep, nil
}

// UnregisterPublisher implements hazcat_unregister_publisher.
func (c *Context) UnregisterPublisher(ep *queue.Endpoint) error {
	return c.unregister(ep, audit.EventUnregisterPublisher)
}

// UnregisterSubscription implements hazcat_unregister_subscription.
func (c *Context) UnregisterSubscription(ep *queue.Endpoint) error {
	return c.unregister(ep, audit.EventUnregisterSubscription)
}

func (c *Context) unregister(ep *queue.Endpoint, kind audit.EventKind) error {
	domainID := ep.Allocator().DomainID()
	topic := ep.Topic().Name
	if err := c.topics.Unregister(ep); err != nil {
		return err
	}
	c.recordAudit(kind, topic, domainID)
	if _, open := c.topics.Lookup(topic); !open {
		c.health.TopicUnregistered()
	}
	return nil
}

// Publish implements hazcat_publish(endpoint, payload_pointer, len),
// expressed in Go as a byte slice rather than a raw pointer/length pair.
func (c *Context) Publish(ep *queue.Endpoint, payload []byte) error {
	return queue.Publish(ep, c.registry, payload)
}

// Take implements hazcat_take(endpoint) → (allocator, payload) | none.
// dst must be sized for the largest message the topic's publishers send;
// Take returns the number of bytes actually written.
func (c *Context) Take(ep *queue.Endpoint, dst []byte) (n int, err error) {
	n, err = queue.Take(ep, c.registry, dst)
	if err == queue.ErrNoMessage {
		return 0, err
	}
	return n, err
}

// GetMatchingAllocator implements get_matching_allocator(endpoint,
// message_ptr): subscribers that release a previously-taken message look
// up the allocator that owns it by the endpoint's own domain, since a
// subscriber only ever holds copies in its own allocator.
func (c *Context) GetMatchingAllocator(ep *queue.Endpoint) alloc.Dispatch {
	return ep.Allocator()
}

// AllocatorCreateCPU implements allocator_create_<variant> for the CPU
// ring strategy.
func (c *Context) AllocatorCreateCPU(name string, itemSize, ringSize int, deviceNumber uint32) (alloc.Dispatch, error) {
	a, err := alloc.CreateCPURing(name, itemSize, ringSize, deviceNumber)
	if err != nil {
		return nil, err
	}
	a.SetMetrics(c.metricsFor(name))
	return a, nil
}

// AllocatorCreateDevice implements allocator_create_<variant> for the
// device ring strategy, rounding item_size up to the discovered device's
// granularity per spec §4.4/§6 Configuration.
func (c *Context) AllocatorCreateDevice(name string, itemSize, ringSize int, deviceNumber uint32) (alloc.Dispatch, error) {
	granularity := 1
	for _, d := range c.domains {
		if d.DeviceNumber == deviceNumber {
			granularity = d.Granularity
			break
		}
	}
	a, err := alloc.CreateDeviceRing(name, itemSize, ringSize, deviceNumber, granularity, c.engine)
	if err != nil {
		return nil, err
	}
	a.SetMetrics(c.metricsFor(name))
	return a, nil
}

// AttachAllocator attaches an already-created allocator segment by name
// and device type, registering it in the allocator registry (C5) so
// other endpoints in this process can resolve it by shm.SegmentID.
func (c *Context) AttachAllocator(name string, deviceType alloc.DeviceType) (alloc.Dispatch, error) {
	var a alloc.Dispatch
	var err error
	switch deviceType {
	case alloc.DeviceTypeCPU:
		var cpu *alloc.CPURing
		cpu, err = alloc.AttachCPURing(name)
		if cpu != nil {
			cpu.SetMetrics(c.metricsFor(name))
		}
		a = cpu
	case alloc.DeviceTypeCUDA, alloc.DeviceTypeOther:
		var dev *alloc.DeviceRing
		dev, err = alloc.AttachDeviceRing(name, c.engine)
		if dev != nil {
			dev.SetMetrics(c.metricsFor(name))
		}
		a = dev
	default:
		return nil, fmt.Errorf("hazcat: unknown device type %d", deviceType)
	}
	if err != nil {
		return nil, err
	}
	_, err = c.registry.Get(a.ShmemID(), func(shm.SegmentID) (alloc.Dispatch, error) { return a, nil })
	if err != nil {
		return nil, err
	}
	return a, nil
}
