package registry

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/nightduck/rmw-hazcat/internal/shm"
	"github.com/nightduck/rmw-hazcat/pkg/alloc"
)

// AttachFunc maps a segment id the caller only knows by id to a locally
// mapped allocator; it is only invoked on first reference to that id in
// this process.
type AttachFunc func(id shm.SegmentID) (alloc.Dispatch, error)

// Registry is the per-process allocator registry (C5). A single instance
// is created in hazcat_init and shared by every endpoint in the process,
// per spec §9 Design Notes' "single per-process context object."
type Registry struct {
	mu    sync.Mutex
	table *table
	group singleflight.Group
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{table: newTable()}
}

// Get resolves id to a locally attached allocator, attaching it via attach
// if this is the first reference in this process, and increments id's
// reference count either way. Concurrent Gets for the same unmapped id
// are deduplicated so attach runs exactly once; each caller still gets
// its own increment.
func (r *Registry) Get(id shm.SegmentID, attach AttachFunc) (alloc.Dispatch, error) {
	r.mu.Lock()
	if s, ok := r.table.get(id); ok {
		s.refCount++
		a := s.alloc
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	key := strconv.FormatInt(int64(id), 10)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		// The flight records its attachment (with no references yet)
		// before it ends, so a Get that starts after it finds the entry
		// here instead of attaching a second time.
		r.mu.Lock()
		if s, ok := r.table.get(id); ok {
			r.mu.Unlock()
			return s.alloc, nil
		}
		r.mu.Unlock()
		a, err := attachWithRetry(id, attach)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.table.insert(id, a)
		r.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	a := v.(alloc.Dispatch)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.table.get(id); ok {
		// Normally the entry the flight recorded. If a Release removed it
		// and another attach recorded a different mapping meanwhile, keep
		// that one and drop this one.
		if a != s.alloc {
			_ = a.Unmap()
		}
		s.refCount++
		return s.alloc, nil
	}
	s := r.table.insert(id, a)
	s.refCount = 1
	return a, nil
}

// attachWithRetry retries transient shared-memory-primitive failures, per
// the open-or-create race the original source tolerates: another process
// may be mid-create or mid-unlink of the same segment.
func attachWithRetry(id shm.SegmentID, attach AttachFunc) (alloc.Dispatch, error) {
	var result alloc.Dispatch
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 2 * time.Millisecond
	eb.MaxInterval = 40 * time.Millisecond
	policy := backoff.WithMaxRetries(eb, 5)

	err := backoff.Retry(func() error {
		a, err := attach(id)
		if err != nil {
			var shmErr *shm.Error
			if ok := asShmError(err, &shmErr); !ok {
				return backoff.Permanent(err)
			}
			return err
		}
		result = a
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("registry: attach shmem_id=%d: %w", id, err)
	}
	return result, nil
}

func asShmError(err error, target **shm.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if se, ok := err.(*shm.Error); ok {
			*target = se
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Release decrements id's reference count. When it reaches zero the entry
// is removed and the allocator returned so the caller can Unmap it — the
// registry never unmaps on its own, since unmapping is the "last detacher
// unlinks" responsibility spec §5 assigns to whichever caller observes
// the count hit zero.
func (r *Registry) Release(id shm.SegmentID) (alloc.Dispatch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.table.get(id)
	if !ok {
		return nil, false
	}
	s.refCount--
	if s.refCount > 0 {
		return nil, false
	}
	a := s.alloc
	r.table.remove(id)
	return a, true
}

// Lookup returns the allocator already attached for id without attaching
// or changing its reference count. pkg/queue uses it to resolve the
// allocator that owns an entry's copy from the entry's recorded shmem id.
func (r *Registry) Lookup(id shm.SegmentID) (alloc.Dispatch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.table.get(id)
	if !ok {
		return nil, false
	}
	return s.alloc, true
}

// Len returns the number of distinct segment ids currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.count
}
