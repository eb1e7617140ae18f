// Package queue implements the shared message queue (C6): the per-topic
// ring of reference-counted rows, its registration/publish/take/unregister
// operations, and the three-layer concurrency model of spec §5.
package queue

import (
	"sync/atomic"
	"unsafe"
)

// DomainsPerTopic bounds the number of distinct domain columns a single
// topic may carry, per spec §6 Configuration.
const DomainsPerTopic = 32

// header is the fixed-size prefix of every queue segment. domains is
// always DomainsPerTopic entries wide so appending a column never moves
// the header or ref_bits region; only the active prefix up to numDomains
// is meaningful.
type header struct {
	index      uint32
	length     uint32
	numDomains uint32
	domains    [DomainsPerTopic]uint32
	pubCount   uint32
	subCount   uint32
	generation uint32
	_          uint32 // padding to keep header size a multiple of 8
}

const headerSize = int(unsafe.Sizeof(header{}))

func headerAt(base []byte) *header {
	return (*header)(unsafe.Pointer(&base[0]))
}

func (h *header) Index() uint32      { return atomic.LoadUint32(&h.index) }
func (h *header) Len() uint32        { return atomic.LoadUint32(&h.length) }
func (h *header) NumDomains() uint32 { return atomic.LoadUint32(&h.numDomains) }
func (h *header) PubCount() uint16   { return uint16(atomic.LoadUint32(&h.pubCount)) }
func (h *header) SubCount() uint16   { return uint16(atomic.LoadUint32(&h.subCount)) }
func (h *header) Generation() uint32 { return atomic.LoadUint32(&h.generation) }

func (h *header) Domain(col int) uint32 { return atomic.LoadUint32(&h.domains[col]) }

func (h *header) setDomain(col int, domainID uint32) { atomic.StoreUint32(&h.domains[col], domainID) }

// domainColumn returns the column index already assigned to domainID, or
// -1 if no column carries it yet.
func (h *header) domainColumn(domainID uint32) int {
	n := int(h.NumDomains())
	for c := 0; c < n; c++ {
		if h.Domain(c) == domainID {
			return c
		}
	}
	return -1
}

// fetchAddIndex implements the publish-side cursor advance from spec
// §4.6.2/§9 Open Question (a): an unconditional fetch-add followed by a
// modulo reduction via CAS, so the pre-increment slot number can briefly
// exceed len between the two steps. Take reduces the value it reads
// modulo len, so a reader that catches the counter in that window still
// gets a valid slot number.
func (h *header) fetchAddIndex(length uint32) uint32 {
	raw := atomic.AddUint32(&h.index, 1) - 1
	slot := raw % length

	// Best-effort reduction of the shared counter back under length; a
	// failed CAS just means a concurrent publisher already reduced or
	// advanced it, which is fine per Open Question (a) — every publisher
	// computes its own slot from its own raw value, not from whatever
	// index currently holds.
	if cur := atomic.LoadUint32(&h.index); cur >= length {
		atomic.CompareAndSwapUint32(&h.index, cur, cur%length)
	}
	return slot
}

func (h *header) bumpGeneration() { atomic.AddUint32(&h.generation, 1) }
