package fusefrontend

import (
	"context"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/pathkeyfs/pathkeyfs/internal/inomap"
	"github.com/pathkeyfs/pathkeyfs/internal/syscallcompat"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// Node is a file or directory in the filesystem tree
// in a pathkeyfs mount.
type Node struct {
	fs.Inode
}

// Lookup - FUSE call for discovering a file.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (ch *fs.Inode, errno syscall.Errno) {
	dirfd, cName, errno := n.prepareAtSyscall(name)
	if errno == syscall.EPERM {
		// Hidden file
		return nil, syscall.ENOENT
	}
	if errno != 0 {
		return
	}
	defer syscall.Close(dirfd)

	st, errno := n.stat(dirfd, cName)
	if errno != 0 {
		return
	}
	ch = n.newChild(ctx, st, out)
	return ch, 0
}

// Getattr - FUSE call for stat()ing a file.
//
// GetAttr is symlink-safe through use of openBackingDir() and Fstatat().
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) (errno syscall.Errno) {
	// If we have a handle, the size comes from the open session
	if f != nil {
		return f.(*File).Getattr(ctx, out)
	}
	dirfd, cName, errno := n.prepareAtSyscallMyself()
	if errno != 0 {
		return
	}
	defer syscall.Close(dirfd)

	st, errno := n.stat(dirfd, cName)
	if errno != 0 {
		return errno
	}
	rn := n.rootNode()
	rn.inoMap.TranslateStat(st)
	out.Attr.FromStat(st)
	if rn.args.ForceOwner != nil {
		out.Owner = *rn.args.ForceOwner
	}
	return 0
}

// Unlink - FUSE call. Delete a file and its key.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	dirfd, _, errno := n.prepareAtSyscall(name)
	if errno != 0 {
		return errno
	}
	syscall.Close(dirfd)
	rn := n.rootNode()
	return rn.toErrno("unlink", rn.transform.Unlink(n.childPath(name)))
}

// Rmdir - FUSE call.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	dirfd, _, errno := n.prepareAtSyscall(name)
	if errno != 0 {
		return errno
	}
	syscall.Close(dirfd)
	rn := n.rootNode()
	return rn.toErrno("rmdir", rn.transform.Rmdir(n.childPath(name)))
}

// Mkdir - FUSE call. Directories hold no content and get no key.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	dirfd, cName, errno := n.prepareAtSyscall(name)
	if errno != 0 {
		return nil, errno
	}
	defer syscall.Close(dirfd)

	err := syscallcompat.Mkdirat(dirfd, cName, mode)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	st, errno := n.stat(dirfd, cName)
	if errno != 0 {
		return nil, errno
	}
	return n.newChild(ctx, st, out), 0
}

// Symlink - FUSE call. Create a symlink. The target is stored in
// plaintext, only file contents are encrypted.
//
// Symlink-safe through use of Symlinkat.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (inode *fs.Inode, errno syscall.Errno) {
	dirfd, cName, errno := n.prepareAtSyscall(name)
	if errno != 0 {
		return
	}
	defer syscall.Close(dirfd)

	err := syscallcompat.Symlinkat(target, dirfd, cName)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	st, errno := n.stat(dirfd, cName)
	if errno != 0 {
		return nil, errno
	}
	return n.newChild(ctx, st, out), 0
}

// Readlink - FUSE call.
//
// Symlink-safe through openBackingDir() + Readlinkat().
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	dirfd, cName, errno := n.prepareAtSyscallMyself()
	if errno != 0 {
		return nil, errno
	}
	defer syscall.Close(dirfd)

	target, err := syscallcompat.Readlinkat(dirfd, cName)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	return []byte(target), 0
}

// Rename - FUSE call. The keys of the renamed file, and of everything below
// a renamed directory, move along.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) (errno syscall.Errno) {
	dirfd, _, errno := n.prepareAtSyscall(name)
	if errno != 0 {
		return
	}
	syscall.Close(dirfd)
	p2 := toNode(newParent)
	dirfd2, _, errno := p2.prepareAtSyscall(newName)
	if errno != 0 {
		return
	}
	syscall.Close(dirfd2)

	rn := n.rootNode()
	err := rn.transform.Rename(n.childPath(name), p2.childPath(newName), uint(flags))
	if err != nil && err != syscall.EEXIST && err != syscall.ENOTEMPTY {
		tlog.Debug.Printf("Rename %q -> %q: %v", n.childPath(name), p2.childPath(newName), err)
	}
	return rn.toErrno("rename", err)
}

// Link - FUSE call. Creates a hard link at "newPath" pointing to file
// "oldPath". The new name gets a copy of the key.
//
// Symlink-safe through use of Linkat().
func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (inode *fs.Inode, errno syscall.Errno) {
	dirfd, cName, errno := n.prepareAtSyscall(name)
	if errno != 0 {
		return
	}
	defer syscall.Close(dirfd)

	rn := n.rootNode()
	err := rn.transform.Link(toNode(target).vpath(), n.childPath(name))
	if err != nil {
		return nil, rn.toErrno("link", err)
	}
	st, errno := n.stat(dirfd, cName)
	if errno != 0 {
		return nil, errno
	}
	return n.newChild(ctx, st, out), 0
}

// Mknod - FUSE call. Create a device file, a fifo, or a regular file.
//
// Symlink-safe through use of Mknodat().
func (n *Node) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (inode *fs.Inode, errno syscall.Errno) {
	dirfd, cName, errno := n.prepareAtSyscall(name)
	if errno != 0 {
		return
	}
	defer syscall.Close(dirfd)

	rn := n.rootNode()
	err := rn.transform.Mknod(n.childPath(name), mode, int(rdev))
	if err != nil {
		return nil, rn.toErrno("mknod", err)
	}
	st, errno := n.stat(dirfd, cName)
	if errno != 0 {
		return nil, errno
	}
	return n.newChild(ctx, st, out), 0
}

// Statfs - FUSE call. Returns the numbers of the backing filesystem.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st syscall.Statfs_t
	err := syscall.Statfs(n.rootNode().args.Cipherdir, &st)
	if err != nil {
		return fs.ToErrno(err)
	}
	out.FromStatfsT(&st)
	return 0
}

// Access - FUSE call. Check if a file can be accessed in the specified mode(s)
// (read, write, execute).
//
// Symlink-safe through use of faccessat.
func (n *Node) Access(ctx context.Context, mode uint32) syscall.Errno {
	dirfd, cName, errno := n.prepareAtSyscallMyself()
	if errno != 0 {
		return errno
	}
	defer syscall.Close(dirfd)

	err := syscallcompat.Faccessat(dirfd, cName, mode)
	return fs.ToErrno(err)
}

// Setattr - FUSE call. Called for chmod, truncate, utimens, ...
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) (errno syscall.Errno) {
	// Use the fd if the kernel gave us a file handle (f != nil)
	if f != nil {
		return f.(*File).Setattr(ctx, in, out)
	}

	dirfd, cName, errno := n.prepareAtSyscallMyself()
	if errno != 0 {
		return
	}
	defer syscall.Close(dirfd)

	// chmod(2)
	if mode, ok := in.GetMode(); ok {
		err := syscallcompat.FchmodatNofollow(dirfd, cName, mode)
		if err != nil {
			return fs.ToErrno(err)
		}
	}

	// chown(2)
	uid32, uOk := in.GetUID()
	gid32, gOk := in.GetGID()
	if uOk || gOk {
		uid := -1
		gid := -1

		if uOk {
			uid = int(uid32)
		}
		if gOk {
			gid = int(gid32)
		}
		err := syscallcompat.Fchownat(dirfd, cName, uid, gid, unix.AT_SYMLINK_NOFOLLOW)
		if err != nil {
			return fs.ToErrno(err)
		}
	}

	// utimens(2)
	mtime, mok := in.GetMTime()
	atime, aok := in.GetATime()
	if mok || aok {
		ap := &atime
		mp := &mtime
		if !aok {
			ap = nil
		}
		if !mok {
			mp = nil
		}
		err := syscallcompat.UtimesNanoAtNofollow(dirfd, cName, ap, mp)
		if err != nil {
			return fs.ToErrno(err)
		}
	}

	// truncate(2)
	if sz, ok := in.GetSize(); ok {
		rn := n.rootNode()
		err := rn.transform.Truncate(n.vpath(), sz)
		if err != nil {
			return rn.toErrno("truncate", err)
		}
	}
	return n.Getattr(ctx, nil, out)
}

// Readdir - FUSE call. Lists the backing directory, hiding the config file
// and the key store in the top-level directory.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dirfd, cName, errno := n.prepareAtSyscallMyself()
	if errno != 0 {
		return nil, errno
	}
	defer syscall.Close(dirfd)

	fd, err := syscallcompat.Openat(dirfd, cName, syscall.O_RDONLY|syscall.O_DIRECTORY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	dir := os.NewFile(uintptr(fd), cName)
	defer dir.Close()
	entries, err := dir.ReadDir(-1)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	rn := n.rootNode()
	isRoot := n.IsRoot()
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		if isRoot && rn.isFiltered(e.Name()) {
			continue
		}
		de := fuse.DirEntry{
			Name: e.Name(),
			Mode: uint32(e.Type()),
		}
		if info, err := e.Info(); err == nil {
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				de.Mode = st.Mode
				de.Ino = rn.inoMap.Translate(inomap.QInoFromStat(st))
			}
		}
		out = append(out, de)
	}
	return fs.NewListDirStream(out), 0
}
