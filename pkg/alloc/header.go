// Package alloc implements the per-domain shared-memory allocators (C2-C4):
// a common header/dispatch contract every variant satisfies, a CPU ring
// allocator whose backing bytes live in the same segment as the header,
// and a device ring allocator whose backing bytes live in a second,
// device-like segment reached only through copy operations.
package alloc

import (
	"sync/atomic"
	"unsafe"

	"github.com/nightduck/rmw-hazcat/internal/shm"
)

// Strategy tags which allocation algorithm a segment's body implements.
// Ring is the only strategy this module ships; the tag exists so the
// header format can grow new strategies without breaking the congruence
// invariant on existing ones.
type Strategy uint32

const StrategyRing Strategy = 0

// DeviceType tags which kind of memory domain a segment's body backs.
type DeviceType uint32

const (
	DeviceTypeCPU DeviceType = 0
	DeviceTypeCUDA DeviceType = 1
	DeviceTypeOther DeviceType = 2
)

// HeaderSize is the fixed byte size of Header, identical for every
// allocator variant. Keeping it a named constant (rather than
// unsafe.Sizeof at each call site) means the header-congruence test can
// assert on it directly.
const HeaderSize = 24

// Header is the common prefix (C2) placed at offset 0 of every allocator
// segment. Every field is accessed through sync/atomic because peers in
// other processes may read the same bytes concurrently; every field is
// written once, by InitHeader at creation, and never changes after.
type Header struct {
	shmemID      int64  // offset 0: segment id of this allocator, self-referential
	strategy     uint32 // offset 8
	deviceType   uint32 // offset 12
	deviceNumber uint32 // offset 16
	_            uint32 // offset 20: padding to HeaderSize
}

// headerAt views the first HeaderSize bytes of base as a *Header. Callers
// must ensure base is at least HeaderSize bytes long.
func headerAt(base []byte) *Header {
	return (*Header)(unsafe.Pointer(&base[0]))
}

// InitHeader stamps a freshly created segment's header. Called exactly
// once, by whichever process created the segment; attachers only ever
// read it.
func InitHeader(base []byte, id shm.SegmentID, strategy Strategy, deviceType DeviceType, deviceNumber uint32) *Header {
	h := headerAt(base)
	atomic.StoreInt64(&h.shmemID, int64(id))
	atomic.StoreUint32(&h.strategy, uint32(strategy))
	atomic.StoreUint32(&h.deviceType, uint32(deviceType))
	atomic.StoreUint32(&h.deviceNumber, deviceNumber)
	return h
}

func (h *Header) ShmemID() shm.SegmentID { return shm.SegmentID(atomic.LoadInt64(&h.shmemID)) }
func (h *Header) Strategy() Strategy     { return Strategy(atomic.LoadUint32(&h.strategy)) }
func (h *Header) DeviceType() DeviceType { return DeviceType(atomic.LoadUint32(&h.deviceType)) }
func (h *Header) DeviceNumber() uint32   { return atomic.LoadUint32(&h.deviceNumber) }

// DomainID packs DeviceType and DeviceNumber into the opaque 32-bit
// equality key every queue column is keyed on.
func (h *Header) DomainID() uint32 {
	return (uint32(h.DeviceType()) << 16) | h.DeviceNumber()
}

// DomainID is the free-function form, used where only the two raw values
// are on hand (e.g. in pkg/queue's column-matching code).
func DomainID(deviceType DeviceType, deviceNumber uint32) uint32 {
	return (uint32(deviceType) << 16) | deviceNumber
}
