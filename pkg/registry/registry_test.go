package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightduck/rmw-hazcat/internal/shm"
	"github.com/nightduck/rmw-hazcat/pkg/alloc"
)

// fakeAllocator is a minimal alloc.Dispatch stand-in for registry tests,
// which only exercise Header/ShmemID/DomainID/Unmap.
type fakeAllocator struct {
	id        shm.SegmentID
	unmapped  bool
	attachErr error
}

func (f *fakeAllocator) Header() *alloc.Header                   { return nil }
func (f *fakeAllocator) Allocate(int) (int32, error)              { return 0, nil }
func (f *fakeAllocator) Deallocate(int32) error                   { return nil }
func (f *fakeAllocator) Share(int32) error                        { return nil }
func (f *fakeAllocator) CopyTo(int32, []byte) error                { return nil }
func (f *fakeAllocator) CopyFrom(int32, []byte) error              { return nil }
func (f *fakeAllocator) Copy(int32, alloc.Dispatch, int32, int) error { return nil }
func (f *fakeAllocator) Unmap() error                              { f.unmapped = true; return nil }
func (f *fakeAllocator) ShmemID() shm.SegmentID                    { return f.id }
func (f *fakeAllocator) DomainID() uint32                          { return 0 }

func TestRegistryGetAttachesOnlyOnce(t *testing.T) {
	r := New()
	attachCalls := 0
	var mu sync.Mutex

	attach := func(id shm.SegmentID) (alloc.Dispatch, error) {
		mu.Lock()
		attachCalls++
		mu.Unlock()
		return &fakeAllocator{id: id}, nil
	}

	a1, err := r.Get(42, attach)
	require.NoError(t, err)
	a2, err := r.Get(42, attach)
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, 1, attachCalls)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryReleaseUnmapsOnLastReference(t *testing.T) {
	r := New()
	fa := &fakeAllocator{id: 7}
	attach := func(id shm.SegmentID) (alloc.Dispatch, error) { return fa, nil }

	_, err := r.Get(7, attach)
	require.NoError(t, err)
	_, err = r.Get(7, attach)
	require.NoError(t, err)

	released, ok := r.Release(7)
	assert.False(t, ok, "first release of two references must not remove the entry")
	assert.Nil(t, released)

	released, ok = r.Release(7)
	assert.True(t, ok)
	assert.Same(t, fa, released)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryReleaseUnknownID(t *testing.T) {
	r := New()
	_, ok := r.Release(999)
	assert.False(t, ok)
}

func TestRegistryLookupWithoutAttaching(t *testing.T) {
	r := New()
	_, ok := r.Lookup(5)
	assert.False(t, ok)

	attach := func(id shm.SegmentID) (alloc.Dispatch, error) { return &fakeAllocator{id: id}, nil }
	a, err := r.Get(5, attach)
	require.NoError(t, err)

	looked, ok := r.Lookup(5)
	assert.True(t, ok)
	assert.Same(t, a, looked)
}

func TestRegistryGrowsPastInitialCapacity(t *testing.T) {
	r := New()
	attach := func(id shm.SegmentID) (alloc.Dispatch, error) { return &fakeAllocator{id: id}, nil }

	for i := 0; i < initialCapacity*3; i++ {
		_, err := r.Get(shm.SegmentID(i), attach)
		require.NoError(t, err)
	}
	assert.Equal(t, initialCapacity*3, r.Len())

	for i := 0; i < initialCapacity*3; i++ {
		a, ok := r.Lookup(shm.SegmentID(i))
		require.True(t, ok)
		assert.EqualValues(t, i, a.ShmemID())
	}
}

func TestRegistryRemovePreservesProbeChain(t *testing.T) {
	r := New()
	attach := func(id shm.SegmentID) (alloc.Dispatch, error) { return &fakeAllocator{id: id}, nil }

	// Force several ids into the same initial bucket region by inserting
	// enough entries that some collide under Fibonacci hashing, then
	// delete one from the middle and confirm every surviving id is still
	// reachable.
	ids := []shm.SegmentID{1, 17, 33, 49, 65}
	for _, id := range ids {
		_, err := r.Get(id, attach)
		require.NoError(t, err)
	}

	_, ok := r.Release(33)
	require.True(t, ok)

	for _, id := range []shm.SegmentID{1, 17, 49, 65} {
		a, ok := r.Lookup(id)
		require.True(t, ok, "id %d must remain reachable after an unrelated removal", id)
		assert.EqualValues(t, id, a.ShmemID())
	}
	_, ok = r.Lookup(33)
	assert.False(t, ok)
}

func TestRegistryConcurrentGetDeduplicatesAttach(t *testing.T) {
	r := New()
	var attachCalls int32
	var mu sync.Mutex
	attach := func(id shm.SegmentID) (alloc.Dispatch, error) {
		mu.Lock()
		attachCalls++
		mu.Unlock()
		return &fakeAllocator{id: id}, nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]alloc.Dispatch, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := r.Get(100, attach)
			require.NoError(t, err)
			results[i] = a
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), attachCalls)
}
