// Package session translates plaintext file operations on virtual paths into
// operations on encrypted containers in the cipherdir.
//
// A Transform exists once per mount. Each opened file gets a Session that
// shares a lock and the cached container header with all other sessions on
// the same backing inode (see package openfiletable).
package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
	"github.com/pathkeyfs/pathkeyfs/internal/keystore"
	"github.com/pathkeyfs/pathkeyfs/internal/metrics"
	"github.com/pathkeyfs/pathkeyfs/internal/syscallcompat"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// ErrAccessDenied is returned when a path has no content key, so the file
// is not one we can interpret.
var ErrAccessDenied = errors.New("no content key for path")

// Args configures a Transform.
type Args struct {
	// Cipherdir is the absolute path of the backing directory.
	Cipherdir string
	// Keys is the loaded key store.
	Keys *keystore.Store
	// ContentEnc knows the block geometry and AEAD backend of the mount.
	ContentEnc *contentenc.ContentEnc
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// NoPrealloc disables fallocate before writes.
	NoPrealloc bool
}

// Transform is the per-mount coordinator between the key store and the
// encrypted containers.
type Transform struct {
	args Args
}

// New returns a Transform for the cipherdir in "args".
func New(args Args) *Transform {
	if !filepath.IsAbs(args.Cipherdir) {
		tlog.Warn.Printf("session: cipherdir %q is not absolute", args.Cipherdir)
	}
	return &Transform{args: args}
}

// Keys returns the key store.
func (t *Transform) Keys() *keystore.Store {
	return t.args.Keys
}

// ContentEnc returns the block codec of the mount.
func (t *Transform) ContentEnc() *contentenc.ContentEnc {
	return t.args.ContentEnc
}

// relPath converts a virtual path to a path relative to the cipherdir.
// The root directory is "".
func relPath(p string) string {
	return strings.TrimPrefix(keystore.CleanPath(p), "/")
}

// openParent opens the backing directory that contains "p" and returns it
// as a file descriptor together with the final path component.
func (t *Transform) openParent(p string) (dirfd int, name string, err error) {
	rel := relPath(p)
	if rel == "" {
		return -1, "", syscall.EINVAL
	}
	dir, name := filepath.Split(rel)
	dirfd, err = syscallcompat.OpenNofollow(t.args.Cipherdir, dir, syscall.O_RDONLY|syscall.O_DIRECTORY, 0)
	return dirfd, name, err
}

// mangleOpenFlags makes the flags usable for the backing file.
// O_TRUNC is handled separately by the caller.
func mangleOpenFlags(flags int) (newFlags int) {
	newFlags = flags
	// Convert WRONLY to RDWR. We always need read access to do read-modify-write cycles.
	if (newFlags & syscall.O_ACCMODE) == syscall.O_WRONLY {
		newFlags = newFlags ^ os.O_WRONLY | os.O_RDWR
	}
	// We also cannot open the file in append mode, we need to seek back for RMW
	newFlags = newFlags &^ os.O_APPEND
	// O_DIRECT accesses must be aligned in both offset and length. Due to our
	// crypto header, alignment will be off, even if userspace makes aligned
	// accesses. Just fall back to buffered IO.
	newFlags = newFlags &^ syscallcompat.O_DIRECT
	// Create and Open are two separate operations
	newFlags = newFlags &^ (syscall.O_CREAT | syscall.O_EXCL)
	// Truncating the backing file would destroy the header behind the back
	// of other open sessions.
	newFlags = newFlags &^ syscall.O_TRUNC
	return newFlags
}

// Open opens the existing file "p". It fails with ErrAccessDenied if the
// path has no content key.
func (t *Transform) Open(p string, flags int) (*Session, error) {
	p = keystore.CleanPath(p)
	fd, err := syscallcompat.OpenNofollow(t.args.Cipherdir, relPath(p), mangleOpenFlags(flags), 0)
	if err != nil {
		if err == syscall.EMFILE {
			var lim syscall.Rlimit
			syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim)
			tlog.Warn.Printf("Open %q: too many open files. Current \"ulimit -n\": %d", p, lim.Cur)
		}
		return nil, err
	}
	ck, ok := t.args.Keys.Get(p)
	if !ok {
		syscall.Close(fd)
		t.args.Metrics.RecordAccessDenied()
		tlog.Debug.Printf("Open %q: no content key", p)
		return nil, fmt.Errorf("%w: %s", ErrAccessDenied, p)
	}
	s, err := t.newSession(fd, p, ck)
	if err != nil {
		return nil, err
	}
	if flags&syscall.O_TRUNC != 0 && flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		if err := s.Truncate(0); err != nil {
			s.Release()
			return nil, err
		}
	}
	return s, nil
}

// Create creates the new file "p". The content key is created and persisted
// before the backing file exists. If the backing file cannot be created, a
// key that was created by this call is removed again.
func (t *Transform) Create(p string, flags int, mode uint32) (*Session, error) {
	p = keystore.CleanPath(p)
	ck, created, err := t.args.Keys.GetOrCreate(p)
	if err != nil {
		return nil, err
	}
	undoKey := func() {
		if !created {
			return
		}
		if err := t.args.Keys.Remove(p); err != nil {
			tlog.Warn.Printf("Create %q: removing the key again failed: %v", p, err)
		}
	}
	newFlags := mangleOpenFlags(flags)&^syscall.O_ACCMODE | syscall.O_RDWR
	fd, err := syscallcompat.OpenNofollow(t.args.Cipherdir, relPath(p), newFlags|syscall.O_CREAT|syscall.O_EXCL, mode)
	if err != nil {
		undoKey()
		return nil, err
	}
	s, err := t.newSession(fd, p, ck)
	if err == nil {
		err = s.initHeader()
		if err != nil {
			s.Release()
		}
	}
	if err != nil {
		tlog.Warn.Printf("Create %q: %v", p, err)
		t.unlinkBacking(p)
		undoKey()
		return nil, err
	}
	return s, nil
}

func (t *Transform) unlinkBacking(p string) {
	dirfd, name, err := t.openParent(p)
	if err != nil {
		return
	}
	defer syscall.Close(dirfd)
	syscallcompat.Unlinkat(dirfd, name, 0)
}

// PlainSize returns the logical size of the regular file "p". The cached
// header of an open file wins over the one on disk. A file without a header
// has size 0. If the container cannot be opened for reading or its header
// is unreadable, the size is estimated from the ciphertext size.
func (t *Transform) PlainSize(p string) (uint64, error) {
	dirfd, name, err := t.openParent(p)
	if err != nil {
		return 0, err
	}
	defer syscall.Close(dirfd)
	st, err := syscallcompat.Fstatat2(dirfd, name, unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		return 0, err
	}
	return t.PlainSizeAt(dirfd, name, st)
}

// PlainSizeAt is PlainSize for callers that already have the backing
// directory open and stat'ed the file.
func (t *Transform) PlainSizeAt(dirfd int, name string, st *syscall.Stat_t) (uint64, error) {
	if st.Mode&syscall.S_IFMT != syscall.S_IFREG {
		return uint64(st.Size), nil
	}
	if h := cachedHeader(st); h != nil {
		return h.LogicalSize, nil
	}
	fd, err := syscallcompat.Openat(dirfd, name, syscall.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		tlog.Debug.Printf("PlainSizeAt %q: %v, falling back to ciphertext size", name, err)
		return t.args.ContentEnc.CipherSizeToPlainSize(uint64(st.Size)), nil
	}
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	h, err := contentenc.ReadHeader(f)
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	if errors.Is(err, contentenc.ErrCorrupt) {
		// Foreign or damaged files still show up in listings. Reading
		// them fails later.
		tlog.Debug.Printf("PlainSizeAt %q: %v, falling back to ciphertext size", name, err)
		return t.args.ContentEnc.CipherSizeToPlainSize(uint64(st.Size)), nil
	}
	if err != nil {
		return 0, err
	}
	return h.LogicalSize, nil
}

// Truncate sets the logical size of the file "p" without an open handle.
func (t *Transform) Truncate(p string, size uint64) error {
	s, err := t.Open(p, syscall.O_RDWR)
	if err != nil {
		return err
	}
	defer s.Release()
	return s.Truncate(size)
}

// Unlink deletes the file "p" and then its key. A crash in between leaves
// an orphan key, never a file without a key.
func (t *Transform) Unlink(p string) error {
	p = keystore.CleanPath(p)
	dirfd, name, err := t.openParent(p)
	if err != nil {
		return err
	}
	defer syscall.Close(dirfd)
	if err := syscallcompat.Unlinkat(dirfd, name, 0); err != nil {
		return err
	}
	if err := t.args.Keys.Remove(p); err != nil {
		tlog.Warn.Printf("Unlink %q: file is gone, but the key could not be removed: %v", p, err)
		return err
	}
	return nil
}

// Rmdir deletes the empty directory "p". Keys can only be left below it
// after a crash, they are dropped.
func (t *Transform) Rmdir(p string) error {
	p = keystore.CleanPath(p)
	dirfd, name, err := t.openParent(p)
	if err != nil {
		return err
	}
	defer syscall.Close(dirfd)
	if err := syscallcompat.Unlinkat(dirfd, name, unix.AT_REMOVEDIR); err != nil {
		return err
	}
	if err := t.args.Keys.RemoveTree(p); err != nil {
		tlog.Warn.Printf("Rmdir %q: removing stale keys failed: %v", p, err)
	}
	return nil
}

// Rename moves "oldPath" to "newPath" together with the keys of everything
// below it. The keys are first copied to the new name, then the backing
// entry is renamed, then the old keys are removed unless the old name
// survived the rename. If the backing rename fails, the keys that were
// stored at the new name are restored.
// "flags" accepts syscallcompat.RENAME_NOREPLACE. RENAME_EXCHANGE is not
// supported.
func (t *Transform) Rename(oldPath string, newPath string, flags uint) error {
	oldPath = keystore.CleanPath(oldPath)
	newPath = keystore.CleanPath(newPath)
	if flags&^syscallcompat.RENAME_NOREPLACE != 0 {
		return syscall.EINVAL
	}
	if oldPath == newPath {
		return nil
	}
	oldDirfd, oldName, err := t.openParent(oldPath)
	if err != nil {
		return err
	}
	defer syscall.Close(oldDirfd)
	newDirfd, newName, err := t.openParent(newPath)
	if err != nil {
		return err
	}
	defer syscall.Close(newDirfd)

	keys := t.args.Keys
	saved := keys.Snapshot(newPath)
	if err := keys.CopyTree(oldPath, newPath); err != nil {
		return err
	}
	if flags != 0 {
		err = syscallcompat.Renameat2(oldDirfd, oldName, newDirfd, newName, flags)
	} else {
		err = syscallcompat.Renameat(oldDirfd, oldName, newDirfd, newName)
	}
	if err != nil {
		if err2 := keys.Restore(saved); err2 != nil {
			tlog.Warn.Printf("Rename %q -> %q: restoring keys failed: %v", oldPath, newPath, err2)
		}
		return err
	}
	// Renaming a hard link onto another name of the same inode does
	// nothing and leaves both names in place.
	if _, err := syscallcompat.Fstatat2(oldDirfd, oldName, unix.AT_SYMLINK_NOFOLLOW); err == nil {
		tlog.Debug.Printf("Rename %q -> %q: old name still exists, keeping its key", oldPath, newPath)
		return nil
	}
	if err := keys.RemoveTree(oldPath); err != nil {
		// The renamed file is readable through the new name. The old entries
		// are orphans.
		tlog.Warn.Printf("Rename %q -> %q: removing old keys failed: %v", oldPath, newPath, err)
	}
	return nil
}

// Link creates the hard link "newPath" to "oldPath". Both names share the
// container, so the key is copied before the link is created.
func (t *Transform) Link(oldPath string, newPath string) error {
	oldPath = keystore.CleanPath(oldPath)
	newPath = keystore.CleanPath(newPath)
	oldDirfd, oldName, err := t.openParent(oldPath)
	if err != nil {
		return err
	}
	defer syscall.Close(oldDirfd)
	newDirfd, newName, err := t.openParent(newPath)
	if err != nil {
		return err
	}
	defer syscall.Close(newDirfd)
	saved := t.args.Keys.Snapshot(newPath)
	if err := t.args.Keys.Link(oldPath, newPath); err != nil {
		return err
	}
	if err := syscallcompat.Linkat(oldDirfd, oldName, newDirfd, newName); err != nil {
		if err2 := t.args.Keys.Restore(saved); err2 != nil {
			tlog.Warn.Printf("Link %q -> %q: restoring keys failed: %v", oldPath, newPath, err2)
		}
		return err
	}
	return nil
}

// Mknod creates a file system node. Regular files get a content key and an
// empty container, everything else is passed through.
func (t *Transform) Mknod(p string, mode uint32, dev int) error {
	p = keystore.CleanPath(p)
	if mode&syscall.S_IFMT == syscall.S_IFREG || mode&syscall.S_IFMT == 0 {
		s, err := t.Create(p, syscall.O_WRONLY, mode&^syscall.S_IFMT)
		if err != nil {
			return err
		}
		s.Release()
		return nil
	}
	dirfd, name, err := t.openParent(p)
	if err != nil {
		return err
	}
	defer syscall.Close(dirfd)
	return syscallcompat.Mknodat(dirfd, name, mode, dev)
}
