package alloc

import "github.com/nightduck/rmw-hazcat/internal/shm"

// Dispatch is the capability set every allocator variant implements (C2).
// pkg/queue selects an implementation by (Strategy, DeviceType) — in
// practice by holding the concrete *CPURing/*DeviceRing returned from
// Create/Attach, never by switching on the tag itself; the tag exists so
// a peer that only has the header bytes can tell which Attach function to
// call.
type Dispatch interface {
	// Header returns the common header every variant carries at offset 0.
	Header() *Header

	// Allocate reserves len bytes (ignored by fixed-stride ring variants,
	// which always return one item_size slot) and returns the offset of
	// the allocation relative to the segment base, or a *Error with
	// Kind == KindNoSpace if the allocator is full.
	Allocate(len int) (offset int32, err error)

	// Deallocate releases the allocation at offset. Idempotent: freeing
	// an already-dead slot is a no-op, matching the pairing with Share
	// described in spec §4.2.
	Deallocate(offset int32) error

	// Share increments the allocation's reference count; simple ring
	// variants that don't track per-allocation refcounts treat this as a
	// no-op that must be paired with one extra Deallocate.
	Share(offset int32) error

	// CopyTo writes src into this allocator's domain at dstOffset (host
	// to device for C4, a plain byte copy for C3).
	CopyTo(dstOffset int32, src []byte) error

	// CopyFrom reads len(dst) bytes out of this allocator's domain at
	// srcOffset into dst (device to host for C4, a plain byte copy for
	// C3).
	CopyFrom(srcOffset int32, dst []byte) error

	// Copy transfers length bytes from srcAlloc at srcOffset into this
	// allocator at dstOffset, using a peer-to-peer path when both
	// allocators are the same concrete type (for device rings, also the
	// same device number) and staging through host memory otherwise.
	Copy(dstOffset int32, srcAlloc Dispatch, srcOffset int32, length int) error

	// Unmap detaches this process's mapping and, if this process owns the
	// segment, unlinks it.
	Unmap() error

	// ShmemID is a convenience accessor equal to Header().ShmemID().
	ShmemID() shm.SegmentID

	// DomainID is a convenience accessor equal to Header().DomainID().
	DomainID() uint32
}
