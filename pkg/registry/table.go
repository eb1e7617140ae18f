// Package registry implements the per-process allocator registry (C5): a
// hash table from segment id to locally attached allocator, open-addressed
// with linear probing per spec §4.5, guarded against concurrent duplicate
// attach via singleflight and transient attach races via backoff.
package registry

import (
	"github.com/nightduck/rmw-hazcat/internal/shm"
	"github.com/nightduck/rmw-hazcat/pkg/alloc"
)

type slot struct {
	used     bool
	id       shm.SegmentID
	alloc    alloc.Dispatch
	refCount int
}

// table is the open-addressed, linearly-probed hash table itself. It
// carries no locking of its own; Registry serializes all access.
type table struct {
	slots []slot
	count int
}

const initialCapacity = 16

func newTable() *table {
	return &table{slots: make([]slot, initialCapacity)}
}

func hashID(id shm.SegmentID, mod int) int {
	// Multiply by a large odd constant (the Fibonacci-hashing multiplier)
	// and reduce modulo the table size, which keeps the low bits. With a
	// power-of-two table, sequential ids (common for freshly created
	// segments) still land in distinct buckets, while ids that are equal
	// modulo the table size share one.
	h := uint64(id) * 11400714819323198485
	return int(h % uint64(mod))
}

// find returns the index of id's slot if present, or the index of the
// first free slot it would occupy, and whether it was found.
func (t *table) find(id shm.SegmentID) (idx int, found bool) {
	n := len(t.slots)
	idx = hashID(id, n)
	for i := 0; i < n; i++ {
		probe := (idx + i) % n
		s := &t.slots[probe]
		if !s.used {
			return probe, false
		}
		if s.id == id {
			return probe, true
		}
	}
	// Table is full; find called on a full table is a program bug. This
	// only happens if grow() failed to keep up, so caller code always
	// grows before insert.
	return -1, false
}

func (t *table) get(id shm.SegmentID) (*slot, bool) {
	idx, found := t.find(id)
	if !found {
		return nil, false
	}
	return &t.slots[idx], true
}

func (t *table) insert(id shm.SegmentID, a alloc.Dispatch) *slot {
	if t.count*4 >= len(t.slots)*3 { // load factor 0.75
		t.grow()
	}
	idx, found := t.find(id)
	if found {
		return &t.slots[idx]
	}
	t.slots[idx] = slot{used: true, id: id, alloc: a, refCount: 0}
	t.count++
	return &t.slots[idx]
}

func (t *table) remove(id shm.SegmentID) {
	idx, found := t.find(id)
	if !found {
		return
	}
	t.slots[idx] = slot{}
	t.count--

	// Linear-probing deletion must re-insert every entry in the cluster
	// following the deleted slot, or a later find() for one of them
	// could stop early at the now-empty hole.
	n := len(t.slots)
	i := (idx + 1) % n
	for t.slots[i].used {
		displaced := t.slots[i]
		t.slots[i] = slot{}
		t.count--
		reinsertIdx, _ := t.find(displaced.id)
		t.slots[reinsertIdx] = displaced
		t.count++
		i = (i + 1) % n
	}
}

func (t *table) grow() {
	old := t.slots
	t.slots = make([]slot, len(old)*2)
	t.count = 0
	for _, s := range old {
		if !s.used {
			continue
		}
		idx, _ := t.find(s.id)
		t.slots[idx] = s
		t.count++
	}
}
