//go:build linux

package shm

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const shmDir = "/dev/shm"

// Open implements the open-or-create half of C1: create(size) and attach(id)
// are the same syscall sequence on Linux, differing only in O_CREAT and in
// whether this process is allowed to size the segment.
func Open(opts MapOptions) (*Region, error) {
	flags := unix.O_RDWR
	owner := false
	if opts.Create {
		flags |= unix.O_CREAT
	}
	path := filepath.Join(shmDir, opts.Name)

	fd, err := unix.Open(path, flags, 0o600)
	if err != nil {
		return nil, &Error{Op: "open", Name: opts.Name, Err: err}
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, &Error{Op: "fstat", Name: opts.Name, Err: err}
	}

	size := opts.Size
	if opts.Create && st.Size == 0 {
		if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
			_ = unix.Close(fd)
			return nil, &Error{Op: "ftruncate", Name: opts.Name, Err: err}
		}
		owner = true
	} else if st.Size > 0 {
		size = int(st.Size)
	}

	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, &Error{Op: "mmap", Name: opts.Name, Err: err}
	}

	return &Region{
		ID:    SegmentID(st.Ino),
		Addr:  addr,
		Size:  size,
		Name:  opts.Name,
		fd:    fd,
		owner: owner,
	}, nil
}

// Detach unmaps the region. If unlink is true and this process created the
// backing object, the name is also removed (last-detacher-unlinks policy of
// spec §5).
func Detach(r *Region, unlink bool) error {
	if r == nil {
		return nil
	}
	var firstErr error
	if r.Addr != nil {
		if err := unix.Munmap(r.Addr); err != nil {
			firstErr = &Error{Op: "munmap", Name: r.Name, Err: err}
		}
		r.Addr = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil && firstErr == nil {
			firstErr = &Error{Op: "close", Name: r.Name, Err: err}
		}
		r.fd = -1
	}
	if unlink && r.owner {
		if err := UnlinkByName(r.Name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// UnlinkByName removes the shared-memory object without requiring it to be
// mapped in this process.
func UnlinkByName(name string) error {
	if err := os.Remove(filepath.Join(shmDir, name)); err != nil && !os.IsNotExist(err) {
		return &Error{Op: "unlink", Name: name, Err: err}
	}
	return nil
}

// Stat returns the current size of a named segment without mapping it.
func Stat(name string) (int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(filepath.Join(shmDir, name), &st); err != nil {
		return 0, &Error{Op: "stat", Name: name, Err: err}
	}
	return st.Size, nil
}

// Resize grows (or shrinks) a mapped region in place using ftruncate +
// mremap. Growing is the common path: structural resizes in pkg/queue only
// ever append a domain column or extend the ring, both of which grow the
// segment.
func Resize(r *Region, newSize int) error {
	if newSize == r.Size {
		return nil
	}
	if err := unix.Ftruncate(r.fd, int64(newSize)); err != nil {
		return &Error{Op: "ftruncate", Name: r.Name, Err: err}
	}
	newAddr, err := unix.Mremap(r.Addr, newSize, unix.MREMAP_MAYMOVE)
	if err != nil {
		return &Error{Op: "mremap", Name: r.Name, Err: err}
	}
	r.Addr = newAddr
	r.Size = newSize
	return nil
}

// FD exposes the raw file descriptor for internal/filelock's byte-range
// locking; nothing outside this module should need it otherwise.
func FD(r *Region) int { return r.fd }
