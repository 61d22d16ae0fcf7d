package fusefrontend

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Open - FUSE call. Open already-existing file.
//
// Symlink-safe through Openat().
func (n *Node) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	dirfd, _, errno := n.prepareAtSyscallMyself()
	if errno != 0 {
		return
	}
	syscall.Close(dirfd)

	rn := n.rootNode()
	s, err := rn.transform.Open(n.vpath(), int(flags))
	if err != nil {
		errno = rn.toErrno("open", err)
		return
	}
	fh = NewFile(s, rn)
	if rn.args.KernelCache {
		fuseFlags = fuse.FOPEN_KEEP_CACHE
	}
	return fh, fuseFlags, 0
}

// Create - FUSE call. Creates a new file and its key.
//
// Symlink-safe through the use of Openat().
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (inode *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	dirfd, _, errno := n.prepareAtSyscall(name)
	if errno != 0 {
		return
	}
	syscall.Close(dirfd)

	rn := n.rootNode()
	s, err := rn.transform.Create(n.childPath(name), int(flags), mode)
	if err != nil {
		errno = rn.toErrno("create", err)
		return
	}
	st, err := s.Stat()
	if err != nil {
		s.Release()
		errno = fs.ToErrno(err)
		return
	}
	// A fresh container only has its header
	st.Size = 0
	inode = n.newChild(ctx, st, out)
	return inode, NewFile(s, rn), 0, 0
}
