//go:build unix

// Package filelock implements the advisory byte-range lock layer (layer 2
// of the concurrency model) that guards structural operations on a queue
// segment: publish and take take a shared lock, while register, unregister
// and resize take an exclusive lock across the whole file.
package filelock

import "golang.org/x/sys/unix"

// Lock is a held advisory lock; call Unlock to release it.
type Lock struct {
	fd int
}

// lockRange acquires a whole-file advisory lock of the given type, blocking
// until it is granted (F_SETLKW), matching the original source's use of
// fcntl(F_SETLKW) around every publish/take/register/unregister.
func lockRange(fd int, lockType int16) (*Lock, error) {
	fl := unix.Flock_t{
		Type:   lockType,
		Whence: 0,
		Start:  0,
		Len:    0, // 0 means "to end of file", i.e. the whole segment
	}
	if err := unix.FcntlFlock(uintptr(fd), unix.F_SETLKW, &fl); err != nil {
		return nil, err
	}
	return &Lock{fd: fd}, nil
}

// RLock acquires a shared (read) lock, used by Publish and Take: multiple
// publishers/subscribers may hold it concurrently, since their row-level
// and ring-level atomics already serialize the data they touch.
func RLock(fd int) (*Lock, error) {
	return lockRange(fd, unix.F_RDLCK)
}

// WLock acquires an exclusive (write) lock, used by Register, Unregister
// and Resize: these mutate the segment's structure (column count, ring
// size) and must exclude every other locker, reader or writer alike.
func WLock(fd int) (*Lock, error) {
	return lockRange(fd, unix.F_WRLCK)
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	fl := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: 0,
		Start:  0,
		Len:    0,
	}
	return unix.FcntlFlock(uintptr(l.fd), unix.F_SETLK, &fl)
}
