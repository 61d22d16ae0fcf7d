package fusefrontend

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/pathkeyfs/pathkeyfs/internal/syscallcompat"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// toNode casts a generic fs.InodeEmbedder into *Node. Also handles *RootNode
// by return rn.Node.
func toNode(op fs.InodeEmbedder) *Node {
	if r, ok := op.(*RootNode); ok {
		return &r.Node
	}
	return op.(*Node)
}

// rootNode returns the Root Node of the filesystem.
func (n *Node) rootNode() *RootNode {
	return n.Root().Operations().(*RootNode)
}

// vpath returns the virtual path of this node, like "/dir/file".
func (n *Node) vpath() string {
	return "/" + n.Path(n.Root())
}

// childPath returns the virtual path of the child "name".
func (n *Node) childPath(name string) string {
	return filepath.Join(n.vpath(), name)
}

// prepareAtSyscall returns a (dirfd, name) pair that can be used
// with the "___at" family of system calls (openat, fstatat, unlinkat...) to
// access the backing file of the child "child".
func (n *Node) prepareAtSyscall(child string) (dirfd int, name string, errno syscall.Errno) {
	if child == "" {
		tlog.Warn.Printf("BUG: prepareAtSyscall: child=%q, should have called prepareAtSyscallMyself", child)
		return n.prepareAtSyscallMyself()
	}
	rn := n.rootNode()
	// All filesystem operations go through here, so this is a good place
	// to reset the idle marker.
	atomic.StoreUint32(&rn.IsIdle, 0)

	if n.IsRoot() && rn.isFiltered(child) {
		return -1, "", syscall.EPERM
	}
	dirfd, err := syscallcompat.OpenNofollow(rn.args.Cipherdir, n.Path(n.Root()), syscall.O_RDONLY|syscall.O_DIRECTORY, 0)
	if err != nil {
		return -1, "", fs.ToErrno(err)
	}
	return dirfd, child, 0
}

// prepareAtSyscallMyself is like prepareAtSyscall but for the node itself.
// The root directory is returned as (cipherdir fd, ".").
func (n *Node) prepareAtSyscallMyself() (dirfd int, name string, errno syscall.Errno) {
	rn := n.rootNode()
	atomic.StoreUint32(&rn.IsIdle, 0)

	if n.IsRoot() {
		dirfd, err := syscallcompat.Open(rn.args.Cipherdir, syscall.O_RDONLY|syscall.O_DIRECTORY, 0)
		if err != nil {
			return -1, "", fs.ToErrno(err)
		}
		return dirfd, ".", 0
	}
	parentName, p1 := n.Parent()
	if p1 == nil || parentName == "" {
		return -1, "", syscall.ENOENT
	}
	return toNode(p1.Operations()).prepareAtSyscall(parentName)
}

// stat returns the stat data of (dirfd, name) with the size translated to
// the plaintext size.
func (n *Node) stat(dirfd int, name string) (*syscall.Stat_t, syscall.Errno) {
	st, err := syscallcompat.Fstatat2(dirfd, name, unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	if errno := n.translateSize(dirfd, name, st); errno != 0 {
		return nil, errno
	}
	return st, 0
}

// translateSize translates the ciphertext size in `st` into plaintext size.
func (n *Node) translateSize(dirfd int, name string, st *syscall.Stat_t) syscall.Errno {
	if st.Mode&syscall.S_IFMT != syscall.S_IFREG {
		return 0
	}
	rn := n.rootNode()
	size, err := rn.transform.PlainSizeAt(dirfd, name, st)
	if err != nil {
		return rn.toErrno("getattr", err)
	}
	st.Size = int64(size)
	return 0
}

// newChild attaches a new child inode to n.
// The passed-in `st` will be modified to get a unique inode number.
func (n *Node) newChild(ctx context.Context, st *syscall.Stat_t, out *fuse.EntryOut) *fs.Inode {
	rn := n.rootNode()
	// Get stable inode number based on underlying (device,ino) pair
	rn.inoMap.TranslateStat(st)
	out.Attr.FromStat(st)
	if rn.args.ForceOwner != nil {
		out.Owner = *rn.args.ForceOwner
	}
	id := fs.StableAttr{
		Mode: uint32(st.Mode),
		Gen:  1,
		Ino:  st.Ino,
	}
	node := &Node{}
	return n.NewInode(ctx, node, id)
}
