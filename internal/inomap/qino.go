package inomap

import (
	"syscall"
)

// QIno = Qualified Inode number.
// Uniquely identifies a backing file through the
// (device number, inode number) pair. It stays the same when the file is
// renamed, which makes it a good key for per-file state.
type QIno struct {
	// Stat_t.Dev is uint64 on 32- and 64-bit Linux
	Dev uint64
	// Stat_t.Ino is uint64 on 32- and 64-bit Linux
	Ino uint64
}

// QInoFromStat fills a new QIno struct with the passed Stat_t info.
func QInoFromStat(st *syscall.Stat_t) QIno {
	// Explicit casts keep this working on 32-bit platforms
	return QIno{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}
}

// QInoFromFd stats the open file "fd" and returns its QIno.
func QInoFromFd(fd int) (QIno, error) {
	var st syscall.Stat_t
	if err := syscall.Fstat(fd, &st); err != nil {
		return QIno{}, err
	}
	return QInoFromStat(&st), nil
}
