//go:build windows

package shm

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Open implements C1's open-or-create on Windows via CreateFileMapping +
// MapViewOfFile. The segment id is the mapping handle's value, since
// Windows has no inode-equivalent stable identifier for a named mapping.
func Open(opts MapOptions) (*Region, error) {
	namePtr, err := windows.UTF16PtrFromString(opts.Name)
	if err != nil {
		return nil, &Error{Op: "name", Name: opts.Name, Err: err}
	}

	sizeHigh := uint32(uint64(opts.Size) >> 32)
	sizeLow := uint32(uint64(opts.Size))

	h, err := windows.CreateFileMapping(
		windows.InvalidHandle,
		nil,
		windows.PAGE_READWRITE,
		sizeHigh,
		sizeLow,
		namePtr,
	)
	if err != nil {
		return nil, &Error{Op: "createfilemapping", Name: opts.Name, Err: err}
	}
	owner := err != syscall.ERROR_ALREADY_EXISTS

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(opts.Size))
	if err != nil {
		_ = windows.CloseHandle(h)
		return nil, &Error{Op: "mapviewoffile", Name: opts.Name, Err: err}
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), opts.Size)

	return &Region{
		ID:    SegmentID(h),
		Addr:  data,
		Size:  opts.Size,
		Name:  opts.Name,
		fd:    int(h),
		owner: owner,
	}, nil
}

// Detach unmaps the view and closes the mapping handle. Windows drops the
// backing object automatically once the last handle closes, so unlink is a
// no-op here beyond that.
func Detach(r *Region, unlink bool) error {
	if r == nil {
		return nil
	}
	var firstErr error
	if r.Addr != nil {
		addr := uintptr(unsafe.Pointer(&r.Addr[0]))
		if err := windows.UnmapViewOfFile(addr); err != nil {
			firstErr = &Error{Op: "unmapviewoffile", Name: r.Name, Err: err}
		}
		r.Addr = nil
	}
	if r.fd != 0 {
		if err := windows.CloseHandle(windows.Handle(r.fd)); err != nil && firstErr == nil {
			firstErr = &Error{Op: "closehandle", Name: r.Name, Err: err}
		}
		r.fd = 0
	}
	return firstErr
}

// UnlinkByName is a no-op on Windows: named file mappings are reference
// counted by the kernel and disappear when the last handle closes.
func UnlinkByName(name string) error { return nil }

// Stat is unsupported on Windows without already holding a handle; named
// mappings don't expose size via a path-based query.
func Stat(name string) (int64, error) {
	return 0, &Error{Op: "stat", Name: name, Err: windows.ERROR_NOT_SUPPORTED}
}

// Resize is unsupported in place on Windows: a mapping's size is fixed at
// creation. Callers must create a new, larger mapping and migrate data.
func Resize(r *Region, newSize int) error {
	return &Error{Op: "resize", Name: r.Name, Err: windows.ERROR_NOT_SUPPORTED}
}

// FD exposes the raw handle for parity with the Linux build.
func FD(r *Region) int { return r.fd }
