package queue

import (
	"github.com/nightduck/rmw-hazcat/internal/filelock"
	"github.com/nightduck/rmw-hazcat/internal/shm"
	"github.com/nightduck/rmw-hazcat/pkg/registry"
)

// Publish implements spec §4.6.2. It never blocks behind a structural
// resize for longer than that resize takes, since it only ever needs the
// shared file lock.
func Publish(ep *Endpoint, reg *registry.Registry, data []byte) error {
	if ep.role != RolePublisher {
		return &Error{Kind: KindInvalidArgument, Op: "publish", Err: errNotPublisher}
	}
	if err := ep.checkNotTorndown("publish"); err != nil {
		return err
	}
	t := ep.topic

	lock, err := filelock.RLock(shm.FD(t.region))
	if err != nil {
		return &Error{Kind: KindLockFailure, Op: "publish", Err: err}
	}
	defer lock.Unlock()

	if err := t.refresh(); err != nil {
		return err
	}

	length := t.h.Len()
	i := t.h.fetchAddIndex(length)
	row := rowAt(t.region.Addr, int(i))

	row.lockRow()
	defer row.unlockRow()

	if row.InterestCount() > 0 {
		releaseRow(t, reg, int(i), int(t.h.NumDomains()))
	}

	cell := entryAt(t.region.Addr, int(length), ep.arrayNum, int(i))
	offset, err := ep.allocator.Allocate(len(data))
	if err != nil {
		return &Error{Kind: KindNoSpace, Op: "publish", Err: err}
	}
	if err := ep.allocator.CopyTo(offset, data); err != nil {
		_ = ep.allocator.Deallocate(offset)
		return &Error{Kind: KindDeviceError, Op: "publish", Err: err}
	}
	cell.set(int64(ep.allocator.ShmemID()), offset, int32(len(data)))

	row.setAvailability(1 << uint(ep.arrayNum))
	row.setInterestCount(int32(t.h.SubCount()))
	if ep.Metrics != nil {
		ep.Metrics.Publishes.Inc()
	}
	return nil
}

// releaseRow deallocates every live copy in row i, one per domain column
// whose availability bit is set, looking up each column's owning
// allocator through the registry. Used both by overwrite-on-full in
// Publish and by the zero-interest cleanup in Take.
func releaseRow(t *Topic, reg *registry.Registry, row, numDomains int) {
	r := rowAt(t.region.Addr, row)
	avail := r.Availability()
	length := int(t.h.Len())
	for c := 0; c < numDomains; c++ {
		if avail&(1<<uint(c)) == 0 {
			continue
		}
		cell := entryAt(t.region.Addr, length, c, row)
		if a, ok := reg.Lookup(shm.SegmentID(cell.AllocShmemID())); ok {
			_ = a.Deallocate(cell.Offset())
		}
		cell.clear()
	}
	r.setAvailability(0)
}
