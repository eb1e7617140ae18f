package alloc

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/nightduck/rmw-hazcat/internal/shm"
	"github.com/nightduck/rmw-hazcat/internal/telemetry"
)

// cpuRingBody is the C3 body appended after Header. Its layout is private
// to this file; only Header's own offsets are required to match across
// variants.
type cpuRingBody struct {
	itemSize uint32
	ringSize uint32
	count    uint32
	rearIt   uint32
	lock     uint32
	_        uint32 // padding, keeps the bitmap/data region 8-byte aligned
}

const cpuRingBodySize = 24

// CPURing is the fixed-stride CPU allocator (C3): backing bytes live in
// the same segment as the header, laid out as
// [Header][cpuRingBody][live bitmap][stride-aligned items].
type CPURing struct {
	region  *shm.Region
	header  *Header
	body    *cpuRingBody
	bitmap  []byte
	data    []byte
	owner   bool
	metrics *telemetry.Metrics
}

// SetMetrics attaches a counter set that Allocate/Deallocate update. Passing
// nil (the default) disables metrics recording for this ring.
func (r *CPURing) SetMetrics(m *telemetry.Metrics) { r.metrics = m }

func cpuDataOffset(ringSize int) int {
	bitmapBytes := AlignUp((ringSize+7)/8, 8)
	return HeaderSize + cpuRingBodySize + bitmapBytes
}

// CPURingSegmentSize returns the total byte size a CPU ring segment needs
// for the given item size and capacity.
func CPURingSegmentSize(itemSize, ringSize int) int {
	return cpuDataOffset(ringSize) + itemSize*ringSize
}

// CreateCPURing creates and maps a new CPU ring allocator segment of
// ringSize items of itemSize bytes each.
func CreateCPURing(name string, itemSize, ringSize int, deviceNumber uint32) (*CPURing, error) {
	size := CPURingSegmentSize(itemSize, ringSize)
	region, err := shm.Open(shm.MapOptions{Name: name, Size: size, Create: true})
	if err != nil {
		return nil, &Error{Kind: KindSharedMemoryError, Op: "create_cpu_ring", Err: err}
	}
	h := InitHeader(region.Addr, region.ID, StrategyRing, DeviceTypeCPU, deviceNumber)
	body := (*cpuRingBody)(unsafe.Pointer(&region.Addr[HeaderSize]))
	atomic.StoreUint32(&body.itemSize, uint32(itemSize))
	atomic.StoreUint32(&body.ringSize, uint32(ringSize))
	atomic.StoreUint32(&body.count, 0)
	atomic.StoreUint32(&body.rearIt, 0)
	atomic.StoreUint32(&body.lock, 0)

	dataOff := cpuDataOffset(ringSize)
	bitmapLen := dataOff - (HeaderSize + cpuRingBodySize)
	bitmapOff := HeaderSize + cpuRingBodySize

	return &CPURing{
		region: region,
		header: h,
		body:   body,
		bitmap: region.Addr[bitmapOff : bitmapOff+bitmapLen],
		data:   region.Addr[dataOff:],
		owner:  true,
	}, nil
}

// AttachCPURing maps an existing CPU ring allocator segment by name.
func AttachCPURing(name string) (*CPURing, error) {
	region, err := shm.Open(shm.MapOptions{Name: name})
	if err != nil {
		return nil, &Error{Kind: KindSharedMemoryError, Op: "attach_cpu_ring", Err: err}
	}
	h := headerAt(region.Addr)
	body := (*cpuRingBody)(unsafe.Pointer(&region.Addr[HeaderSize]))
	ringSize := int(atomic.LoadUint32(&body.ringSize))
	dataOff := cpuDataOffset(ringSize)
	bitmapLen := dataOff - (HeaderSize + cpuRingBodySize)
	bitmapOff := HeaderSize + cpuRingBodySize

	return &CPURing{
		region: region,
		header: h,
		body:   body,
		bitmap: region.Addr[bitmapOff : bitmapOff+bitmapLen],
		data:   region.Addr[dataOff:],
		owner:  false,
	}, nil
}

func (r *CPURing) Header() *Header       { return r.header }
func (r *CPURing) ShmemID() shm.SegmentID { return r.header.ShmemID() }
func (r *CPURing) DomainID() uint32       { return r.header.DomainID() }
func (r *CPURing) ItemSize() int          { return int(atomic.LoadUint32(&r.body.itemSize)) }
func (r *CPURing) RingSize() int          { return int(atomic.LoadUint32(&r.body.ringSize)) }
func (r *CPURing) Count() int             { return int(atomic.LoadUint32(&r.body.count)) }
func (r *CPURing) RearIt() int            { return int(atomic.LoadUint32(&r.body.rearIt)) }

func (r *CPURing) lockRing() {
	addr := unsafe.Pointer(&r.body.lock)
	for !shm.TestAndSetUint32(addr) {
		runtime.Gosched()
	}
}

func (r *CPURing) unlockRing() {
	shm.ClearUint32(unsafe.Pointer(&r.body.lock))
}

func (r *CPURing) isDead(idx int) bool {
	return r.bitmap[idx/8]&(1<<(uint(idx)%8)) != 0
}

func (r *CPURing) setDead(idx int, dead bool) {
	mask := byte(1 << (uint(idx) % 8))
	if dead {
		r.bitmap[idx/8] |= mask
	} else {
		r.bitmap[idx/8] &^= mask
	}
}

// Allocate returns the segment-relative byte offset of a fresh item slot:
// cpuDataOffset(ring_size) + ((rear_it+count) mod ring_size) * item_size,
// where cpuDataOffset covers the common header, the ring body and the
// live-slot bitmap. The len argument is ignored; stride is fixed by
// ItemSize.
func (r *CPURing) Allocate(int) (int32, error) {
	r.lockRing()
	defer r.unlockRing()

	ringSize := int(r.body.ringSize)
	count := int(r.body.count)
	if count == ringSize {
		if r.metrics != nil {
			r.metrics.RingFull.Inc()
		}
		return -1, &Error{Kind: KindNoSpace, Op: "allocate"}
	}
	rearIt := int(r.body.rearIt)
	idx := (rearIt + count) % ringSize
	r.setDead(idx, false)
	atomic.StoreUint32(&r.body.count, uint32(count+1))

	dataOff := cpuDataOffset(ringSize)
	offset := dataOff + idx*int(r.body.itemSize)
	if r.metrics != nil {
		r.metrics.Allocations.Inc()
	}
	return int32(offset), nil
}

// Deallocate implements the rear-advance/eager-reclaim behavior of C3.
func (r *CPURing) Deallocate(offset int32) error {
	idx, err := r.indexOf(offset)
	if err != nil {
		return err
	}

	r.lockRing()
	defer r.unlockRing()

	ringSize := int(r.body.ringSize)
	rearIt := int(r.body.rearIt)
	count := int(r.body.count)

	if idx != rearIt {
		r.setDead(idx, true)
		if r.metrics != nil {
			r.metrics.Deallocations.Inc()
		}
		return nil
	}

	rearIt = (rearIt + 1) % ringSize
	count--
	for count > 0 && r.isDead(rearIt) {
		r.setDead(rearIt, false)
		rearIt = (rearIt + 1) % ringSize
		count--
	}
	atomic.StoreUint32(&r.body.rearIt, uint32(rearIt))
	atomic.StoreUint32(&r.body.count, uint32(count))
	if r.metrics != nil {
		r.metrics.Deallocations.Inc()
	}
	return nil
}

func (r *CPURing) indexOf(offset int32) (int, error) {
	itemSize := int(r.body.itemSize)
	ringSize := int(r.body.ringSize)
	dataOff := cpuDataOffset(ringSize)
	rel := int(offset) - dataOff
	if rel < 0 || itemSize == 0 || rel%itemSize != 0 {
		return 0, &Error{Kind: KindInvalidArgument, Op: "deallocate"}
	}
	idx := rel / itemSize
	if idx >= ringSize {
		return 0, &Error{Kind: KindInvalidArgument, Op: "deallocate"}
	}
	return idx, nil
}

// Share is a no-op for the plain ring allocator: it carries no
// per-allocation refcount of its own, so callers that "share" an
// allocation must balance it with one extra Deallocate, per spec §4.2.
func (r *CPURing) Share(int32) error { return nil }

func (r *CPURing) slotBytes(offset int32, length int) ([]byte, error) {
	dataOff := cpuDataOffset(int(r.body.ringSize))
	rel := int(offset) - dataOff
	if rel < 0 || rel+length > len(r.data) {
		return nil, &Error{Kind: KindInvalidArgument, Op: "slot_bytes"}
	}
	return r.data[rel : rel+length], nil
}

func (r *CPURing) CopyTo(dstOffset int32, src []byte) error {
	dst, err := r.slotBytes(dstOffset, len(src))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (r *CPURing) CopyFrom(srcOffset int32, dst []byte) error {
	src, err := r.slotBytes(srcOffset, len(dst))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Copy moves length bytes from srcAlloc at srcOffset into this ring at
// dstOffset. When srcAlloc is another CPURing this is a plain same-domain
// byte copy; otherwise it stages through a host buffer via srcAlloc's own
// CopyFrom, which is the only path a non-CPU allocator exposes.
func (r *CPURing) Copy(dstOffset int32, srcAlloc Dispatch, srcOffset int32, length int) error {
	if peer, ok := srcAlloc.(*CPURing); ok {
		src, err := peer.slotBytes(srcOffset, length)
		if err != nil {
			return err
		}
		return r.CopyTo(dstOffset, src)
	}
	staging := make([]byte, length)
	if err := srcAlloc.CopyFrom(srcOffset, staging); err != nil {
		return err
	}
	return r.CopyTo(dstOffset, staging)
}

func (r *CPURing) Unmap() error {
	if err := shm.Detach(r.region, r.owner); err != nil {
		return &Error{Kind: KindSharedMemoryError, Op: "unmap", Err: err}
	}
	return nil
}
