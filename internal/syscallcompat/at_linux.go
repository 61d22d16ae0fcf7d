package syscallcompat

import (
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// Openat wraps unix.Openat. Without O_CREAT, O_NOFOLLOW is forced. With
// O_CREAT, O_EXCL is forced.
func Openat(dirfd int, path string, flags int, mode uint32) (int, error) {
	if flags&syscall.O_CREAT != 0 && flags&syscall.O_EXCL == 0 {
		tlog.Warn.Printf("Openat %q: adding O_EXCL to O_CREAT, flags=%#x", path, flags)
		flags |= syscall.O_EXCL
	} else if flags&syscall.O_CREAT == 0 && flags&syscall.O_NOFOLLOW == 0 {
		tlog.Warn.Printf("Openat %q: adding O_NOFOLLOW, flags=%#x", path, flags)
		flags |= syscall.O_NOFOLLOW
	}
	return again(func() (int, error) {
		return unix.Openat(dirfd, path, flags, mode)
	})
}

// OpenNofollow opens "relPath" below "baseDir", one component at a time,
// so that no symlink inside "relPath" is followed. "baseDir" must be
// absolute. An empty "relPath" opens "baseDir" itself.
func OpenNofollow(baseDir string, relPath string, flags int, mode uint32) (int, error) {
	if !filepath.IsAbs(baseDir) || filepath.IsAbs(relPath) {
		tlog.Warn.Printf("BUG: OpenNofollow(%q, %q)", baseDir, relPath)
		return -1, syscall.EINVAL
	}
	relPath = filepath.Clean(relPath)
	if relPath == ".." || strings.HasPrefix(relPath, "../") {
		return -1, syscall.EINVAL
	}
	dirfd, err := Open(baseDir, syscall.O_RDONLY|syscall.O_DIRECTORY, 0)
	if err != nil || relPath == "." {
		return dirfd, err
	}
	parts := strings.Split(relPath, "/")
	for _, name := range parts[:len(parts)-1] {
		next, err := Openat(dirfd, name, syscall.O_RDONLY|syscall.O_DIRECTORY|syscall.O_NOFOLLOW, 0)
		syscall.Close(dirfd)
		if err != nil {
			return -1, err
		}
		dirfd = next
	}
	defer syscall.Close(dirfd)
	return Openat(dirfd, parts[len(parts)-1], flags|syscall.O_NOFOLLOW, mode)
}

// Fstatat never follows symlinks.
func Fstatat(dirfd int, path string, st *unix.Stat_t, flags int) error {
	flags |= unix.AT_SYMLINK_NOFOLLOW
	return again0(func() error {
		return unix.Fstatat(dirfd, path, st, flags)
	})
}

// Fstatat2 is Fstatat returning a freshly allocated syscall.Stat_t, the
// type go-fuse wants.
func Fstatat2(dirfd int, path string, flags int) (*syscall.Stat_t, error) {
	var u unix.Stat_t
	if err := Fstatat(dirfd, path, &u, flags); err != nil {
		return nil, err
	}
	// Same layout, but the padding fields are named differently, so no cast
	return &syscall.Stat_t{
		Dev:     u.Dev,
		Ino:     u.Ino,
		Nlink:   u.Nlink,
		Mode:    u.Mode,
		Uid:     u.Uid,
		Gid:     u.Gid,
		Rdev:    u.Rdev,
		Size:    u.Size,
		Blksize: u.Blksize,
		Blocks:  u.Blocks,
		Atim:    syscall.NsecToTimespec(unix.TimespecToNsec(u.Atim)),
		Mtim:    syscall.NsecToTimespec(unix.TimespecToNsec(u.Mtim)),
		Ctim:    syscall.NsecToTimespec(unix.TimespecToNsec(u.Ctim)),
	}, nil
}

// Readlinkat grows its buffer until the whole target fits.
func Readlinkat(dirfd int, path string) (string, error) {
	for size := 256; ; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Readlinkat(dirfd, path, buf)
		if err != nil {
			return "", err
		}
		if n < size {
			return string(buf[:n]), nil
		}
	}
}

// Faccessat checks "mode" against "path". Linux ignores AT_SYMLINK_NOFOLLOW
// here, so symlinks are reported as accessible without asking the kernel.
func Faccessat(dirfd int, path string, mode uint32) error {
	var st unix.Stat_t
	if err := Fstatat(dirfd, path, &st, 0); err != nil {
		return err
	}
	if st.Mode&syscall.S_IFMT == syscall.S_IFLNK {
		return nil
	}
	return unix.Faccessat(dirfd, path, mode, 0)
}

// Fchownat never follows symlinks.
func Fchownat(dirfd int, path string, uid int, gid int, flags int) error {
	return unix.Fchownat(dirfd, path, uid, gid, flags|unix.AT_SYMLINK_NOFOLLOW)
}

// FchmodatNofollow changes the mode of "path" and returns ELOOP if it is a
// symlink. fchmodat(2) on Linux has no working AT_SYMLINK_NOFOLLOW, so we
// go through an O_PATH handle and /proc/self/fd.
func FchmodatNofollow(dirfd int, path string, mode uint32) error {
	fd, err := syscall.Openat(dirfd, path, syscall.O_NOFOLLOW|O_PATH, 0)
	if err != nil {
		return err
	}
	defer syscall.Close(fd)
	var st syscall.Stat_t
	if err = syscall.Fstat(fd, &st); err != nil {
		return err
	}
	if st.Mode&syscall.S_IFMT == syscall.S_IFLNK {
		return syscall.ELOOP
	}
	return syscall.Chmod(fmt.Sprintf("/proc/self/fd/%d", fd), mode)
}

// UtimesNanoAtNofollow sets the times of "path" itself, never of a symlink
// target.
func UtimesNanoAtNofollow(dirfd int, path string, a *time.Time, m *time.Time) error {
	ts := timespecs(a, m)
	return again0(func() error {
		return unix.UtimesNanoAt(dirfd, path, ts, unix.AT_SYMLINK_NOFOLLOW)
	})
}

func Mkdirat(dirfd int, path string, mode uint32) error {
	return again0(func() error { return unix.Mkdirat(dirfd, path, mode) })
}

func Mknodat(dirfd int, path string, mode uint32, dev int) error {
	return again0(func() error { return unix.Mknodat(dirfd, path, mode, dev) })
}

func Symlinkat(target string, dirfd int, path string) error {
	return again0(func() error { return unix.Symlinkat(target, dirfd, path) })
}

func Unlinkat(dirfd int, path string, flags int) error {
	return again0(func() error { return unix.Unlinkat(dirfd, path, flags) })
}

// Linkat never follows symlinks.
func Linkat(olddirfd int, oldpath string, newdirfd int, newpath string) error {
	return again0(func() error {
		return unix.Linkat(olddirfd, oldpath, newdirfd, newpath, 0)
	})
}

func Renameat(olddirfd int, oldpath string, newdirfd int, newpath string) error {
	return again0(func() error {
		return unix.Renameat(olddirfd, oldpath, newdirfd, newpath)
	})
}

// Renameat2 accepts the RENAME_* flags.
func Renameat2(olddirfd int, oldpath string, newdirfd int, newpath string, flags uint) error {
	return again0(func() error {
		return unix.Renameat2(olddirfd, oldpath, newdirfd, newpath, flags)
	})
}
