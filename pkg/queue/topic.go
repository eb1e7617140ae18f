package queue

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nightduck/rmw-hazcat/internal/filelock"
	"github.com/nightduck/rmw-hazcat/internal/logging"
	"github.com/nightduck/rmw-hazcat/internal/naming"
	"github.com/nightduck/rmw-hazcat/internal/shm"
	"github.com/nightduck/rmw-hazcat/internal/telemetry"
	"github.com/nightduck/rmw-hazcat/pkg/alloc"
	"github.com/nightduck/rmw-hazcat/pkg/registry"
)

var log = logging.New("queue")

// Role distinguishes publisher endpoints from subscriber endpoints.
type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
)

func (r Role) String() string {
	if r == RolePublisher {
		return "publisher"
	}
	return "subscriber"
}

// Topic is one attached queue segment (C6), shared by every endpoint this
// process has registered against the same topic name through a Cache —
// there is exactly one mmap per topic per process, so a structural grow
// triggered by one endpoint's registration is immediately visible to
// every other endpoint holding a pointer to this Topic.
type Topic struct {
	Name       string // original, unnormalized topic name
	segName    string
	region     *shm.Region
	h          *header
	generation uint32
}

// Endpoint is one registered publisher or subscriber (spec §3 "per-
// endpoint data"). Label is the Supplemented Feature debug handle (topic
// + domain + role), used only by logging/metrics.
//
// An Endpoint moves through the states spec.md §"Endpoint" names:
// unregistered → registered → torn-down. torndown is set exactly once,
// by whichever Unregister call wins the compare-and-swap in
// markTorndown; every operation that would otherwise touch shared
// counters or shared-memory state on behalf of this Endpoint checks it
// first and returns InvalidArgument instead of proceeding.
type Endpoint struct {
	topic     *Topic
	allocator alloc.Dispatch
	domainID  uint32
	arrayNum  int
	depth     uint32
	role      Role
	nextIndex uint32
	torndown  uint32
	Label     string
	Metrics   *telemetry.Metrics
}

func (e *Endpoint) Topic() *Topic     { return e.topic }
func (e *Endpoint) Role() Role        { return e.role }
func (e *Endpoint) ArrayNum() int     { return e.arrayNum }
func (e *Endpoint) NextIndex() uint32 { return e.nextIndex }
func (e *Endpoint) Allocator() alloc.Dispatch { return e.allocator }

// Torndown reports whether this Endpoint has already been unregistered.
func (e *Endpoint) Torndown() bool { return atomic.LoadUint32(&e.torndown) != 0 }

// checkNotTorndown returns an InvalidArgument error if this Endpoint has
// already been unregistered, for use-after-teardown calls to Publish/Take.
func (e *Endpoint) checkNotTorndown(op string) error {
	if e.Torndown() {
		return &Error{Kind: KindInvalidArgument, Op: op, Err: errEndpointTorndown}
	}
	return nil
}

// markTorndown transitions the Endpoint to torn-down exactly once. It
// returns false (without mutating anything) if the Endpoint was already
// torn down, which callers turn into an InvalidArgument error instead of
// decrementing shared pub_count/sub_count a second time.
func (e *Endpoint) markTorndown() bool {
	return atomic.CompareAndSwapUint32(&e.torndown, 0, 1)
}

// openOrCreateSegment opens or creates the named segment sized for an
// initial single-column queue of the given depth, retrying transient
// shared-memory failures per the Supplemented Feature covering the
// original's open-or-create ENOENT/EEXIST races.
func openOrCreateSegment(segName string, initialDepth uint32) (*shm.Region, error) {
	initialSize := segmentSize(int(initialDepth), 1)

	var region *shm.Region
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 2 * time.Millisecond
	eb.MaxInterval = 40 * time.Millisecond
	policy := backoff.WithMaxRetries(eb, 5)

	err := backoff.Retry(func() error {
		r, err := shm.Open(shm.MapOptions{Name: segName, Size: initialSize, Create: true})
		if err != nil {
			return err
		}
		region = r
		return nil
	}, policy)
	if err != nil {
		return nil, &Error{Kind: KindSharedMemoryError, Op: "open_or_create", Err: err}
	}
	return region, nil
}

// openTopic is the low-level open-or-attach half of registration, with no
// endpoint bookkeeping yet.
func openTopic(topicName string, depth uint32) (*Topic, error) {
	segName := naming.TopicSegmentName(topicName)
	region, err := openOrCreateSegment(segName, depth)
	if err != nil {
		return nil, err
	}
	h := headerAt(region.Addr)
	return &Topic{Name: topicName, segName: segName, region: region, h: h, generation: h.Generation()}, nil
}

// refresh catches this process's mapping up to the segment's current
// generation: another process (or, in this process, another Topic handle
// through the non-Cache Register path) may have grown the segment since
// this Topic last observed it. Resize is a no-op when the size already
// matches, so calling refresh speculatively on every publish/take is
// cheap in the steady state.
func (t *Topic) refresh() error {
	gen := t.h.Generation()
	if gen == t.generation {
		return nil
	}
	newSize := segmentSize(int(t.h.Len()), int(t.h.NumDomains()))
	if newSize != t.region.Size {
		if err := shm.Resize(t.region, newSize); err != nil {
			return &Error{Kind: KindSharedMemoryError, Op: "refresh", Err: err}
		}
		t.h = headerAt(t.region.Addr)
	}
	t.generation = gen
	return nil
}

// bind implements the structural half of register_publisher/
// register_subscription (spec §4.6.1) against an already-open Topic,
// under the caller's already-held write lock.
func (t *Topic) bind(role Role, allocator alloc.Dispatch, depth uint32) (*Endpoint, error) {
	domainID := allocator.DomainID()
	ep := &Endpoint{topic: t, allocator: allocator, domainID: domainID, depth: depth, role: role}

	if t.h.Len() == 0 {
		numDomains := 1
		t.h.setDomain(0, alloc.DomainID(alloc.DeviceTypeCPU, 0))
		if domainID != alloc.DomainID(alloc.DeviceTypeCPU, 0) {
			t.h.setDomain(1, domainID)
			numDomains = 2
		}
		t.h.numDomains = uint32(numDomains)
		t.h.length = depth
		ep.arrayNum = t.h.domainColumn(domainID)
	} else {
		if err := t.ensureCapacity(depth, domainID); err != nil {
			return nil, err
		}
		ep.arrayNum = t.h.domainColumn(domainID)
	}

	if role == RolePublisher {
		if t.h.pubCount >= 0xFFFF {
			return nil, &Error{Kind: KindCountOverflow, Op: "register", Err: fmt.Errorf("pub_count overflow")}
		}
		t.h.pubCount++
	} else {
		if t.h.subCount >= 0xFFFF {
			return nil, &Error{Kind: KindCountOverflow, Op: "register", Err: fmt.Errorf("sub_count overflow")}
		}
		t.h.subCount++
		ep.nextIndex = t.h.Index()
	}

	ep.Label = fmt.Sprintf("%s/domain=%#x/%s", t.Name, domainID, role)
	log.Debugf("registered %s", ep.Label)
	return ep, nil
}

// ensureCapacity implements the existing-queue half of §4.6.1: find or
// append the endpoint's domain column, and grow length if depth exceeds
// it. Both mutations happen under the caller's already-held write lock.
func (t *Topic) ensureCapacity(depth uint32, domainID uint32) error {
	col := t.h.domainColumn(domainID)
	numDomains := int(t.h.NumDomains())
	oldLen := int(t.h.Len())
	newLen := oldLen
	if int(depth) > oldLen {
		newLen = int(depth)
	}
	newNumDomains := numDomains
	if col == -1 {
		if numDomains >= DomainsPerTopic {
			return &Error{Kind: KindTooManyDomains, Op: "register"}
		}
		newNumDomains = numDomains + 1
	}

	if newLen != oldLen || newNumDomains != numDomains {
		if err := t.grow(oldLen, numDomains, newLen, newNumDomains); err != nil {
			return err
		}
	}
	if col == -1 {
		t.h.setDomain(numDomains, domainID)
		t.h.numDomains = uint32(newNumDomains)
	}
	if newLen != oldLen {
		t.h.length = uint32(newLen)
	}
	if newLen != oldLen || newNumDomains != numDomains {
		t.h.bumpGeneration()
	}
	return nil
}

// grow resizes the segment and relocates entry columns into their new,
// wider-stride positions. ref_bits never moves: its offset is constant.
// A new domain column lands in the tail that Resize zero-fills; when len
// grows, the new ref_bits rows land where entry column 0 used to start
// and are zeroed by the vacated-range clearing below. Entries move highest column
// first so Go's memmove-safe copy() never reads through a destination it
// hasn't copied from yet.
func (t *Topic) grow(oldLen, oldNumDomains, newLen, newNumDomains int) error {
	newSize := segmentSize(newLen, newNumDomains)
	if err := shm.Resize(t.region, newSize); err != nil {
		return &Error{Kind: KindSharedMemoryError, Op: "grow", Err: err}
	}
	t.h = headerAt(t.region.Addr)

	if newLen == oldLen {
		return nil
	}
	for c := oldNumDomains - 1; c >= 0; c-- {
		oldBase := refBitsOffset() + oldLen*refBitsRowSize + c*oldLen*entryCellSize
		newBase := entryOffset(newLen, c, 0)
		src := t.region.Addr[oldBase : oldBase+oldLen*entryCellSize]
		dst := t.region.Addr[newBase : newBase+oldLen*entryCellSize]
		copy(dst, src)
		if newBase > oldBase {
			// zero the vacated source range so a stale read through a
			// not-yet-overwritten old offset can't see live-looking bytes
			tail := t.region.Addr[oldBase:newBase]
			for i := range tail {
				tail[i] = 0
			}
		}
	}
	return nil
}

// unregisterCounts implements the counter half of spec §4.6.4 against an
// already-open Topic, under the caller's already-held write lock. It
// reports whether both counts have reached zero.
func (t *Topic) unregisterCounts(ep *Endpoint) (empty bool, err error) {
	if ep.role == RolePublisher {
		if t.h.pubCount == 0 {
			return false, &Error{Kind: KindCountOverflow, Op: "unregister", Err: fmt.Errorf("pub_count underflow")}
		}
		t.h.pubCount--
	} else {
		if t.h.subCount == 0 {
			return false, &Error{Kind: KindCountOverflow, Op: "unregister", Err: fmt.Errorf("sub_count underflow")}
		}
		t.h.subCount--
	}
	log.Debugf("unregistered %s (pub=%d sub=%d)", ep.Label, t.h.pubCount, t.h.subCount)
	return t.h.pubCount == 0 && t.h.subCount == 0, nil
}

// Register implements register_publisher/register_subscription (spec
// §4.6.1) without process-wide topic sharing; exported for callers (such
// as tests) that want one Topic mapping per call. Most production callers
// should go through a Cache instead, see cache.go.
func Register(topicName string, role Role, allocator alloc.Dispatch, depth uint32, reg *registry.Registry) (*Endpoint, error) {
	if depth == 0 {
		return nil, &Error{Kind: KindInvalidArgument, Op: "register", Err: fmt.Errorf("depth must be > 0")}
	}
	t, err := openTopic(topicName, depth)
	if err != nil {
		return nil, err
	}

	lock, err := filelock.WLock(shm.FD(t.region))
	if err != nil {
		_ = shm.Detach(t.region, false)
		return nil, &Error{Kind: KindLockFailure, Op: "register", Err: err}
	}
	ep, err := t.bind(role, allocator, depth)
	lock.Unlock()
	if err != nil {
		_ = shm.Detach(t.region, false)
		return nil, err
	}

	registerAllocator(reg, allocator)
	return ep, nil
}

func registerAllocator(reg *registry.Registry, allocator alloc.Dispatch) {
	if reg == nil {
		return
	}
	_, _ = reg.Get(allocator.ShmemID(), func(shm.SegmentID) (alloc.Dispatch, error) { return allocator, nil })
}

// Snapshot is a read-only dump of a queue segment's header, for debug
// tooling (Supplemented Feature: operator introspection, spec §6).
type Snapshot struct {
	Index      uint32
	Len        uint32
	NumDomains uint32
	Domains    []uint32
	PubCount   uint16
	SubCount   uint16
	Generation uint32
}

// Inspect attaches to topicName read-only (no registration, no counter
// changes) and returns a snapshot of its header. Attaching is harmless
// even if the segment doesn't exist yet: it gets created empty and left
// that way, matching any other open-or-attach call.
func Inspect(topicName string) (Snapshot, error) {
	t, err := openTopic(topicName, 1)
	if err != nil {
		return Snapshot{}, err
	}
	defer shm.Detach(t.region, false)

	n := int(t.h.NumDomains())
	domains := make([]uint32, n)
	for i := 0; i < n; i++ {
		domains[i] = t.h.Domain(i)
	}
	return Snapshot{
		Index:      t.h.Index(),
		Len:        t.h.Len(),
		NumDomains: t.h.NumDomains(),
		Domains:    domains,
		PubCount:   t.h.PubCount(),
		SubCount:   t.h.SubCount(),
		Generation: t.h.Generation(),
	}, nil
}

// ForceUnregister decrements pub_count or sub_count on topicName without
// an Endpoint handle, for operator tooling cleaning up after a crashed
// process that never called Unregister itself. It does not touch the
// allocator registry, since a crashed process's allocator isn't attached
// in this one anyway.
func ForceUnregister(topicName string, role Role) error {
	t, err := openTopic(topicName, 1)
	if err != nil {
		return err
	}
	lock, err := filelock.WLock(shm.FD(t.region))
	if err != nil {
		return &Error{Kind: KindLockFailure, Op: "force_unregister", Err: err}
	}
	empty, err := t.unregisterCounts(&Endpoint{topic: t, role: role})
	lock.Unlock()
	if err != nil {
		return err
	}
	return shm.Detach(t.region, empty)
}

// Unregister implements spec §4.6.4 for a standalone (non-Cache) Topic.
func Unregister(ep *Endpoint, reg *registry.Registry) error {
	if !ep.markTorndown() {
		return &Error{Kind: KindInvalidArgument, Op: "unregister", Err: errEndpointTorndown}
	}
	t := ep.topic

	if reg != nil {
		if a, removed := reg.Release(ep.allocator.ShmemID()); removed {
			_ = a.Unmap()
		}
	}

	lock, err := filelock.WLock(shm.FD(t.region))
	if err != nil {
		return &Error{Kind: KindLockFailure, Op: "unregister", Err: err}
	}
	empty, err := t.unregisterCounts(ep)
	lock.Unlock()
	if err != nil {
		return err
	}
	return shm.Detach(t.region, empty)
}
