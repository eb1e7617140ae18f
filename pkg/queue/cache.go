package queue

import (
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/nightduck/rmw-hazcat/internal/filelock"
	"github.com/nightduck/rmw-hazcat/internal/naming"
	"github.com/nightduck/rmw-hazcat/internal/shm"
	"github.com/nightduck/rmw-hazcat/pkg/alloc"
	"github.com/nightduck/rmw-hazcat/pkg/registry"
)

// Cache is the process-wide topic-name to Topic map (Supplemented
// Feature, spec §9): every endpoint registered from this process against
// the same topic name shares one Topic and therefore one mmap, so a grow
// triggered by one endpoint's registration is visible to endpoints that
// registered earlier in the same process without re-attaching.
type Cache struct {
	topics cmap.ConcurrentMap[string, *cachedTopic]
	allocs *registry.Registry
}

type cachedTopic struct {
	mu       sync.Mutex
	topic    *Topic
	refCount int
}

// NewCache creates an empty process-wide topic cache backed by the given
// allocator registry (may be nil to skip allocator registration, e.g. in
// tests that only exercise the registration/unregistration bookkeeping).
func NewCache(allocs *registry.Registry) *Cache {
	return &Cache{topics: cmap.New[*cachedTopic](), allocs: allocs}
}

// Register attaches to (creating if necessary) the named topic and binds
// a new endpoint to it, reusing an already-open Topic for this process if
// one exists.
func (c *Cache) Register(topicName string, role Role, allocator alloc.Dispatch, depth uint32) (*Endpoint, error) {
	if depth == 0 {
		return nil, &Error{Kind: KindInvalidArgument, Op: "register", Err: errDepthZero}
	}
	segName := naming.TopicSegmentName(topicName)

	ct := c.topics.Upsert(segName, nil, func(exists bool, old, _ *cachedTopic) *cachedTopic {
		if exists {
			return old
		}
		return &cachedTopic{}
	})

	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.topic == nil {
		t, err := openTopic(topicName, depth)
		if err != nil {
			c.topics.Remove(segName)
			return nil, err
		}
		ct.topic = t
	}
	t := ct.topic

	lock, err := filelock.WLock(shm.FD(t.region))
	if err != nil {
		return nil, &Error{Kind: KindLockFailure, Op: "register", Err: err}
	}
	ep, err := t.bind(role, allocator, depth)
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	ct.refCount++

	registerAllocator(c.allocs, allocator)
	return ep, nil
}

// Unregister reverses Register, unmapping the Topic's segment and
// evicting it from the cache only once every endpoint bound to it in this
// process has unregistered.
func (c *Cache) Unregister(ep *Endpoint) error {
	if !ep.markTorndown() {
		return &Error{Kind: KindInvalidArgument, Op: "unregister", Err: errEndpointTorndown}
	}
	t := ep.topic
	segName := t.segName

	ct, ok := c.topics.Get(segName)
	if !ok {
		return &Error{Kind: KindInvalidArgument, Op: "unregister", Err: errUnknownTopic}
	}

	if c.allocs != nil {
		if a, removed := c.allocs.Release(ep.allocator.ShmemID()); removed {
			_ = a.Unmap()
		}
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	lock, err := filelock.WLock(shm.FD(t.region))
	if err != nil {
		return &Error{Kind: KindLockFailure, Op: "unregister", Err: err}
	}
	empty, err := t.unregisterCounts(ep)
	lock.Unlock()
	if err != nil {
		return err
	}

	ct.refCount--
	if ct.refCount <= 0 {
		c.topics.Remove(segName)
		return shm.Detach(t.region, empty)
	}
	return nil
}

// Lookup returns the cached Topic for a name, if this process has
// registered an endpoint against it.
func (c *Cache) Lookup(topicName string) (*Topic, bool) {
	ct, ok := c.topics.Get(naming.TopicSegmentName(topicName))
	if !ok {
		return nil, false
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.topic, ct.topic != nil
}

// Len reports how many distinct topics this process currently has open.
func (c *Cache) Len() int { return c.topics.Count() }
