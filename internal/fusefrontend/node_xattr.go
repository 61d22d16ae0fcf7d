package fusefrontend

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/pkg/xattr"

	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// Only allow the "user" namespace, block "trusted" and "security", as
// these may be interpreted by the system.
const xattrUserPrefix = "user."

func disallowedXAttrName(attr string) bool {
	return !strings.HasPrefix(attr, xattrUserPrefix)
}

// procPath returns a path to (dirfd, name) that the xattr package can use
// without following a symlink in the final component.
func procPath(dirfd int, name string) string {
	return fmt.Sprintf("/proc/self/fd/%d/%s", dirfd, name)
}

// GetXAttr - FUSE call. Reads the value of extended attribute "attr".
// Attribute values are not encrypted.
//
// This function is symlink-safe through /proc/self/fd.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	if disallowedXAttrName(attr) {
		return 0, noSuchAttributeError
	}
	dirfd, cName, errno := n.prepareAtSyscallMyself()
	if errno != 0 {
		return 0, errno
	}
	defer syscall.Close(dirfd)

	data, err := xattr.LGet(procPath(dirfd, cName), attr)
	if err != nil {
		return 0, unpackXattrErr(err)
	}
	if len(dest) < len(data) {
		return uint32(len(data)), syscall.ERANGE
	}
	l := copy(dest, data)
	return uint32(l), 0
}

// SetXAttr - FUSE call. Set extended attribute.
//
// This function is symlink-safe through /proc/self/fd.
func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	if disallowedXAttrName(attr) {
		return syscall.EPERM
	}
	dirfd, cName, errno := n.prepareAtSyscallMyself()
	if errno != 0 {
		return errno
	}
	defer syscall.Close(dirfd)

	err := xattr.LSetWithFlags(procPath(dirfd, cName), attr, data, int(flags))
	return unpackXattrErr(err)
}

// RemoveXAttr - FUSE call.
//
// This function is symlink-safe through /proc/self/fd.
func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	if disallowedXAttrName(attr) {
		return syscall.EPERM
	}
	dirfd, cName, errno := n.prepareAtSyscallMyself()
	if errno != 0 {
		return errno
	}
	defer syscall.Close(dirfd)

	return unpackXattrErr(xattr.LRemove(procPath(dirfd, cName), attr))
}

// ListXAttr - FUSE call. Lists the "user." attributes of the backing file.
//
// This function is symlink-safe through /proc/self/fd.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	dirfd, cName, errno := n.prepareAtSyscallMyself()
	if errno != 0 {
		return 0, errno
	}
	defer syscall.Close(dirfd)

	names, err := xattr.LList(procPath(dirfd, cName))
	if err != nil {
		return 0, unpackXattrErr(err)
	}
	var buf bytes.Buffer
	for _, name := range names {
		if disallowedXAttrName(name) {
			continue
		}
		buf.WriteString(name + "\000")
	}
	if buf.Len() > len(dest) {
		return uint32(buf.Len()), syscall.ERANGE
	}
	return uint32(copy(dest, buf.Bytes())), 0
}

// noSuchAttributeError is returned for attributes outside of "user.".
const noSuchAttributeError = syscall.ENODATA

// unpackXattrErr unpacks an error value that we got from xattr.LGet/LSet/etc
// and converts it to an errno.
func unpackXattrErr(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	err2, ok := err.(*xattr.Error)
	if !ok {
		tlog.Warn.Printf("unpackXattrErr: cannot unpack err=%v", err)
		return syscall.EIO
	}
	return fs.ToErrno(err2.Err)
}
