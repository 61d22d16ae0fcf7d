// Package syscallcompat wraps the Linux syscalls used on the backing
// directory. All wrappers retry on EINTR, which network filesystems like
// CIFS return a lot.
package syscallcompat

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

const (
	// O_DIRECT means uncached I/O
	O_DIRECT = unix.O_DIRECT
	// O_PATH opens a handle without opening the file itself
	O_PATH = unix.O_PATH

	// RENAME_NOREPLACE fails the rename with EEXIST if the target exists.
	RENAME_NOREPLACE = unix.RENAME_NOREPLACE
	// RENAME_EXCHANGE atomically swaps source and target.
	RENAME_EXCHANGE = unix.RENAME_EXCHANGE
)

// again runs "op" until it returns something other than EINTR.
// Must not be used with Close.
func again[T any](op func() (T, error)) (T, error) {
	for {
		v, err := op()
		if err != syscall.EINTR {
			return v, err
		}
	}
}

func again0(op func() error) error {
	_, err := again(func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// IsENOSPC reports whether "err" is or wraps ENOSPC.
func IsENOSPC(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

// Open wraps syscall.Open.
func Open(path string, flags int, perm uint32) (int, error) {
	return again(func() (int, error) {
		return syscall.Open(path, flags, perm)
	})
}

// Fsync wraps syscall.Fsync.
func Fsync(fd int) error {
	return again0(func() error { return syscall.Fsync(fd) })
}

// Fdatasync wraps syscall.Fdatasync.
func Fdatasync(fd int) error {
	return again0(func() error { return syscall.Fdatasync(fd) })
}

// Ftruncate wraps syscall.Ftruncate.
func Ftruncate(fd int, size int64) error {
	return again0(func() error { return syscall.Ftruncate(fd, size) })
}

// Flush implements FUSE FLUSH by closing a duplicate of "fd". The
// underlying filesystem sees a close() and reports delayed write errors.
func Flush(fd int) error {
	for {
		dup, err := syscall.Dup(fd)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		// On EINTR the duplicate is gone anyway, start over with a new one.
		if err = syscall.Close(dup); err != syscall.EINTR {
			return err
		}
	}
}

func timespecs(a *time.Time, m *time.Time) []unix.Timespec {
	return []unix.Timespec{
		unix.Timespec(fuse.UtimeToTimespec(a)),
		unix.Timespec(fuse.UtimeToTimespec(m)),
	}
}

// FutimesNano sets the times of an open file. A nil time is left unchanged.
func FutimesNano(fd int, a *time.Time, m *time.Time) error {
	p := fmt.Sprintf("/proc/self/fd/%d", fd)
	return unix.UtimesNanoAt(unix.AT_FDCWD, p, timespecs(a, m), 0)
}

const falloc_FL_KEEP_SIZE = 0x01

var noFallocWarning sync.Once

// EnospcPrealloc reserves space for a chunk write without changing the file
// size, so that a full disk fails the write up front instead of leaving a
// torn chunk behind. Filesystems without fallocate are tolerated.
func EnospcPrealloc(fd int, off int64, n int64) error {
	err := again0(func() error {
		return syscall.Fallocate(fd, falloc_FL_KEEP_SIZE, off, n)
	})
	if err == syscall.EOPNOTSUPP {
		noFallocWarning.Do(func() {
			tlog.Warn.Printf("The backing filesystem does not support fallocate(2). " +
				"A full disk may now corrupt the chunk being written.")
		})
		return nil
	}
	return err
}
