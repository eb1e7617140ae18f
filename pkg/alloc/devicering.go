package alloc

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/nightduck/rmw-hazcat/internal/devicediscovery"
	"github.com/nightduck/rmw-hazcat/internal/shm"
	"github.com/nightduck/rmw-hazcat/internal/telemetry"
	"github.com/nightduck/rmw-hazcat/pkg/dmaengine"
)

// deviceRingBody is the C4 body appended after Header. The backing bytes
// for device allocations live in a second segment (deviceSegment below)
// rather than inline after this body, modeling an accelerator's
// exportable pinned allocation: the header segment is the thing every
// process maps to learn the allocator's bookkeeping, while the payload
// bytes live behind a handle, here a second shared-memory segment name
// derived deterministically from this one's.
type deviceRingBody struct {
	itemSize uint32
	ringSize uint32
	count    uint32
	rearIt   uint32
	lock     uint32
	_        uint32
}

const deviceRingBodySize = 24

func deviceBitmapOffset() int { return HeaderSize + deviceRingBodySize }

func deviceBitmapLen(ringSize int) int { return AlignUp((ringSize+7)/8, 8) }

// DeviceRing is the device (GPU) ring allocator (C4): same ring
// bookkeeping as CPURing, but CopyTo/CopyFrom/Copy run through an Engine
// instead of a plain memcpy, and CreateDeviceRing rounds item_size up to
// the device's allocation granularity; ring_size is used as requested.
type DeviceRing struct {
	region       *shm.Region // header + bookkeeping segment
	deviceRegion *shm.Region // simulated device memory segment
	header       *Header
	body         *deviceRingBody
	bitmap       []byte
	engine       *dmaengine.Engine
	owner        bool
	metrics      *telemetry.Metrics
}

// SetMetrics attaches a counter set that Allocate/Deallocate update. Passing
// nil (the default) disables metrics recording for this ring.
func (r *DeviceRing) SetMetrics(m *telemetry.Metrics) { r.metrics = m }

func deviceSegmentName(headerName string) string { return headerName + ".devmem" }

// CreateDeviceRing creates a device ring allocator. requestedItemSize is
// rounded up to granularity (GE(requested), per spec §4.4) before the
// segment is sized; requestedRingSize is used unchanged.
func CreateDeviceRing(name string, requestedItemSize, requestedRingSize int, deviceNumber uint32, granularity int, engine *dmaengine.Engine) (*DeviceRing, error) {
	itemSize := devicediscovery.RoundUp(requestedItemSize, granularity)
	ringSize := requestedRingSize

	headerSize := HeaderSize + deviceRingBodySize + deviceBitmapLen(ringSize)
	region, err := shm.Open(shm.MapOptions{Name: name, Size: headerSize, Create: true})
	if err != nil {
		return nil, &Error{Kind: KindSharedMemoryError, Op: "create_device_ring", Err: err}
	}

	devSize := itemSize * ringSize
	if devSize < 1 {
		devSize = 1
	}
	devRegion, err := shm.Open(shm.MapOptions{Name: deviceSegmentName(name), Size: devSize, Create: true})
	if err != nil {
		_ = shm.Detach(region, true)
		return nil, &Error{Kind: KindDeviceError, Op: "create_device_ring", Err: err}
	}

	h := InitHeader(region.Addr, region.ID, StrategyRing, DeviceTypeCUDA, deviceNumber)
	body := (*deviceRingBody)(unsafe.Pointer(&region.Addr[HeaderSize]))
	atomic.StoreUint32(&body.itemSize, uint32(itemSize))
	atomic.StoreUint32(&body.ringSize, uint32(ringSize))
	atomic.StoreUint32(&body.count, 0)
	atomic.StoreUint32(&body.rearIt, 0)
	atomic.StoreUint32(&body.lock, 0)

	bmOff := deviceBitmapOffset()
	bmLen := deviceBitmapLen(ringSize)

	return &DeviceRing{
		region:       region,
		deviceRegion: devRegion,
		header:       h,
		body:         body,
		bitmap:       region.Addr[bmOff : bmOff+bmLen],
		engine:       engine,
		owner:        true,
	}, nil
}

// AttachDeviceRing maps an existing device ring allocator by name.
func AttachDeviceRing(name string, engine *dmaengine.Engine) (*DeviceRing, error) {
	region, err := shm.Open(shm.MapOptions{Name: name})
	if err != nil {
		return nil, &Error{Kind: KindSharedMemoryError, Op: "attach_device_ring", Err: err}
	}
	h := headerAt(region.Addr)
	body := (*deviceRingBody)(unsafe.Pointer(&region.Addr[HeaderSize]))
	ringSize := int(atomic.LoadUint32(&body.ringSize))

	devRegion, err := shm.Open(shm.MapOptions{Name: deviceSegmentName(name)})
	if err != nil {
		_ = shm.Detach(region, false)
		return nil, &Error{Kind: KindDeviceError, Op: "attach_device_ring", Err: err}
	}

	bmOff := deviceBitmapOffset()
	bmLen := deviceBitmapLen(ringSize)

	return &DeviceRing{
		region:       region,
		deviceRegion: devRegion,
		header:       h,
		body:         body,
		bitmap:       region.Addr[bmOff : bmOff+bmLen],
		engine:       engine,
		owner:        false,
	}, nil
}

func (r *DeviceRing) Header() *Header        { return r.header }
func (r *DeviceRing) ShmemID() shm.SegmentID { return r.header.ShmemID() }
func (r *DeviceRing) DomainID() uint32       { return r.header.DomainID() }
func (r *DeviceRing) ItemSize() int          { return int(atomic.LoadUint32(&r.body.itemSize)) }
func (r *DeviceRing) RingSize() int          { return int(atomic.LoadUint32(&r.body.ringSize)) }
func (r *DeviceRing) Count() int             { return int(atomic.LoadUint32(&r.body.count)) }
func (r *DeviceRing) RearIt() int            { return int(atomic.LoadUint32(&r.body.rearIt)) }

func (r *DeviceRing) lockRing() {
	addr := unsafe.Pointer(&r.body.lock)
	for !shm.TestAndSetUint32(addr) {
		runtime.Gosched()
	}
}

func (r *DeviceRing) unlockRing() { shm.ClearUint32(unsafe.Pointer(&r.body.lock)) }

func (r *DeviceRing) isDead(idx int) bool {
	return r.bitmap[idx/8]&(1<<(uint(idx)%8)) != 0
}

func (r *DeviceRing) setDead(idx int, dead bool) {
	mask := byte(1 << (uint(idx) % 8))
	if dead {
		r.bitmap[idx/8] |= mask
	} else {
		r.bitmap[idx/8] &^= mask
	}
}

// Allocate follows the identical bookkeeping as CPURing.Allocate; the
// returned offset indexes into the device segment, not the header
// segment, since device payload bytes never share a segment with the
// header (there is no host-addressable "pointer" into accelerator
// memory in the real system this models).
func (r *DeviceRing) Allocate(int) (int32, error) {
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

	offset := idx * int(r.body.itemSize)
	if r.metrics != nil {
		r.metrics.Allocations.Inc()
	}
	return int32(offset), nil
}

func (r *DeviceRing) Deallocate(offset int32) error {
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

func (r *DeviceRing) indexOf(offset int32) (int, error) {
	itemSize := int(r.body.itemSize)
	ringSize := int(r.body.ringSize)
	rel := int(offset)
	if rel < 0 || itemSize == 0 || rel%itemSize != 0 {
		return 0, &Error{Kind: KindInvalidArgument, Op: "deallocate"}
	}
	idx := rel / itemSize
	if idx >= ringSize {
		return 0, &Error{Kind: KindInvalidArgument, Op: "deallocate"}
	}
	return idx, nil
}

func (r *DeviceRing) Share(int32) error { return nil }

func (r *DeviceRing) deviceBytes(offset int32, length int) ([]byte, error) {
	rel := int(offset)
	if rel < 0 || rel+length > len(r.deviceRegion.Addr) {
		return nil, &Error{Kind: KindInvalidArgument, Op: "device_bytes"}
	}
	return r.deviceRegion.Addr[rel : rel+length], nil
}

// CopyTo performs a host→device transfer through the DMA engine.
func (r *DeviceRing) CopyTo(dstOffset int32, src []byte) error {
	dst, err := r.deviceBytes(dstOffset, len(src))
	if err != nil {
		return err
	}
	if r.engine == nil {
		copy(dst, src)
		return nil
	}
	return r.engine.Run(func() error {
		copy(dst, src)
		return nil
	})
}

// CopyFrom performs a device→host transfer through the DMA engine.
func (r *DeviceRing) CopyFrom(srcOffset int32, dst []byte) error {
	src, err := r.deviceBytes(srcOffset, len(dst))
	if err != nil {
		return err
	}
	if r.engine == nil {
		copy(dst, src)
		return nil
	}
	return r.engine.Run(func() error {
		copy(dst, src)
		return nil
	})
}

// Copy transfers length bytes from srcAlloc into this device ring.
// Device-to-device on the same physical device number copies directly;
// every other pairing stages through a pooled host buffer, per spec
// §4.4's "falls back to staging through host" rule.
func (r *DeviceRing) Copy(dstOffset int32, srcAlloc Dispatch, srcOffset int32, length int) error {
	if peer, ok := srcAlloc.(*DeviceRing); ok && peer.header.DeviceNumber() == r.header.DeviceNumber() {
		src, err := peer.deviceBytes(srcOffset, length)
		if err != nil {
			return err
		}
		dst, err := r.deviceBytes(dstOffset, length)
		if err != nil {
			return err
		}
		if r.engine == nil {
			copy(dst, src)
			return nil
		}
		return r.engine.Run(func() error {
			copy(dst, src)
			return nil
		})
	}

	staging := dmaengine.Stage(length)
	defer dmaengine.Unstage(staging)
	if err := srcAlloc.CopyFrom(srcOffset, staging.B); err != nil {
		return err
	}
	return r.CopyTo(dstOffset, staging.B)
}

func (r *DeviceRing) Unmap() error {
	err1 := shm.Detach(r.deviceRegion, r.owner)
	err2 := shm.Detach(r.region, r.owner)
	if err1 != nil {
		return &Error{Kind: KindDeviceError, Op: "unmap", Err: err1}
	}
	if err2 != nil {
		return &Error{Kind: KindSharedMemoryError, Op: "unmap", Err: err2}
	}
	return nil
}
