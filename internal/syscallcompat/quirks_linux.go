package syscallcompat

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

const (
	// QuirkBrokenFalloc is set on btrfs without "chattr +C". Copy-on-write
	// allocates new extents on every write, so preallocation only costs time.
	QuirkBrokenFalloc = uint64(1 << iota)
)

// fs_NOCOW_FL from linux/fs.h, set by "chattr +C".
const fs_NOCOW_FL = 0x00800000

func noCow(dir string) bool {
	fd, err := Open(dir, syscall.O_RDONLY|syscall.O_DIRECTORY, 0)
	if err != nil {
		return false
	}
	defer syscall.Close(fd)
	attr, err := unix.IoctlGetInt(fd, unix.FS_IOC_GETFLAGS)
	if err != nil {
		tlog.Debug.Printf("noCow %q: %v", dir, err)
		return false
	}
	return attr&fs_NOCOW_FL != 0
}

// DetectQuirks inspects the filesystem holding "cipherdir" and returns the
// Quirk* bits that apply.
func DetectQuirks(cipherdir string) (q uint64) {
	var st unix.Statfs_t
	if err := unix.Statfs(cipherdir, &st); err != nil {
		tlog.Warn.Printf("DetectQuirks: %v", err)
		return 0
	}
	// uint32 cast: the magic overflows int32 on 32-bit platforms
	if uint32(st.Type) == unix.BTRFS_SUPER_MAGIC && !noCow(cipherdir) {
		tlog.Info.Printf(tlog.ColorYellow + "DetectQuirks: btrfs without \"chattr +C\", disabling preallocation" + tlog.ColorReset)
		q |= QuirkBrokenFalloc
	}
	return q
}
