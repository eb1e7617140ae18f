//go:build windows

package filelock

import "golang.org/x/sys/windows"

// Lock is a held advisory lock; call Unlock to release it.
type Lock struct {
	handle windows.Handle
}

// RLock acquires a shared lock over the whole file. Windows has no
// shared-vs-exclusive distinction finer than LockFileEx's flag bit, so this
// maps directly onto it.
func RLock(fd int) (*Lock, error) {
	return lockRange(fd, 0)
}

// WLock acquires an exclusive lock over the whole file.
func WLock(fd int) (*Lock, error) {
	return lockRange(fd, windows.LOCKFILE_EXCLUSIVE_LOCK)
}

func lockRange(fd int, flags uint32) (*Lock, error) {
	h := windows.Handle(fd)
	ol := new(windows.Overlapped)
	if err := windows.LockFileEx(h, flags, 0, ^uint32(0), ^uint32(0), ol); err != nil {
		return nil, err
	}
	return &Lock{handle: h}, nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(l.handle, 0, ^uint32(0), ^uint32(0), ol)
}
