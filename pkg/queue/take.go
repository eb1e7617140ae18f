package queue

import (
	"github.com/nightduck/rmw-hazcat/internal/filelock"
	"github.com/nightduck/rmw-hazcat/internal/shm"
	"github.com/nightduck/rmw-hazcat/pkg/registry"
)

// ErrNoMessage is returned by Take when the subscriber has already
// consumed every message currently in the queue.
var ErrNoMessage = &Error{Kind: KindInvalidArgument, Op: "take", Err: errNoMessage}

// Take implements spec §4.6.3: keep-last skew correction, zero-copy reuse
// for a domain that already has a live copy in this row, and a
// cross-domain copy-and-record path otherwise.
func Take(ep *Endpoint, reg *registry.Registry, dst []byte) (n int, err error) {
	if ep.role != RoleSubscriber {
		return 0, &Error{Kind: KindInvalidArgument, Op: "take", Err: errNotSubscriber}
	}
	if err := ep.checkNotTorndown("take"); err != nil {
		return 0, err
	}
	t := ep.topic

	lock, err := filelock.RLock(shm.FD(t.region))
	if err != nil {
		return 0, &Error{Kind: KindLockFailure, Op: "take", Err: err}
	}
	defer lock.Unlock()

	if err := t.refresh(); err != nil {
		return 0, err
	}

	length := t.h.Len()
	index := t.h.Index() % length
	i := ep.nextIndex

	skew := (index + length - i) % length
	if skew > ep.depth {
		i = (index + length - ep.depth) % length
	}
	if i == index {
		return 0, ErrNoMessage
	}

	d := ep.arrayNum
	row := rowAt(t.region.Addr, int(i))

	row.lockRow()

	var srcCell *entryCell
	if row.Availability()&(1<<uint(d)) != 0 {
		srcCell = entryAt(t.region.Addr, int(length), d, int(i))
		owner, ok := reg.Lookup(shm.SegmentID(srcCell.AllocShmemID()))
		if !ok {
			row.unlockRow()
			return 0, &Error{Kind: KindSharedMemoryError, Op: "take", Err: errSourceAllocatorMissing}
		}
		if err := owner.Share(srcCell.Offset()); err != nil {
			row.unlockRow()
			return 0, &Error{Kind: KindDeviceError, Op: "take", Err: err}
		}
		n, err = readCell(owner, srcCell, dst)
	} else {
		lowest := lowestAvailableColumn(row.Availability(), int(t.h.NumDomains()))
		if lowest == -1 {
			row.unlockRow()
			return 0, &Error{Kind: KindInvalidArgument, Op: "take", Err: errNoLiveCopy}
		}
		srcCell = entryAt(t.region.Addr, int(length), lowest, int(i))
		srcAlloc, ok := reg.Lookup(shm.SegmentID(srcCell.AllocShmemID()))
		if !ok {
			row.unlockRow()
			return 0, &Error{Kind: KindSharedMemoryError, Op: "take", Err: errSourceAllocatorMissing}
		}
		length32 := srcCell.Length()
		dstOffset, aerr := ep.allocator.Allocate(int(length32))
		if aerr != nil {
			row.unlockRow()
			return 0, &Error{Kind: KindNoSpace, Op: "take", Err: aerr}
		}
		if cerr := ep.allocator.Copy(dstOffset, srcAlloc, srcCell.Offset(), int(length32)); cerr != nil {
			_ = ep.allocator.Deallocate(dstOffset)
			row.unlockRow()
			return 0, &Error{Kind: KindDeviceError, Op: "take", Err: cerr}
		}
		dstCell := entryAt(t.region.Addr, int(length), d, int(i))
		dstCell.set(int64(ep.allocator.ShmemID()), dstOffset, length32)
		row.orAvailability(1 << uint(d))
		n, err = readCell(ep.allocator, dstCell, dst)
		if err == nil && ep.Metrics != nil {
			ep.Metrics.CrossDomainCopies.Inc()
		}
	}
	if err != nil {
		row.unlockRow()
		return 0, err
	}

	if row.decInterestCount() <= 0 {
		releaseRow(t, reg, int(i), int(t.h.NumDomains()))
	}
	row.unlockRow()
	ep.nextIndex = (i + 1) % length
	if ep.Metrics != nil {
		ep.Metrics.Takes.Inc()
	}
	return n, nil
}

// readCell copies the entry's payload out of the allocator's domain into
// dst, for callers that want the bytes locally (e.g. a CPU subscriber).
// dst must be at least as large as the entry's recorded length.
func readCell(a interface {
	CopyFrom(srcOffset int32, dst []byte) error
}, cell *entryCell, dst []byte) (int, error) {
	length := int(cell.Length())
	if length > len(dst) {
		length = len(dst)
	}
	if err := a.CopyFrom(cell.Offset(), dst[:length]); err != nil {
		return 0, &Error{Kind: KindDeviceError, Op: "take", Err: err}
	}
	return length, nil
}

func lowestAvailableColumn(availability uint32, numDomains int) int {
	for c := 0; c < numDomains; c++ {
		if availability&(1<<uint(c)) != 0 {
			return c
		}
	}
	return -1
}
