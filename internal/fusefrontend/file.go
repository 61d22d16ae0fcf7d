package fusefrontend

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/pathkeyfs/pathkeyfs/internal/session"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// File implements the go-fuse file handle interfaces on top of an open
// session.
type File struct {
	s        *session.Session
	rootNode *RootNode
}

// NewFile returns a new go-fuse File instance.
func NewFile(s *session.Session, rn *RootNode) *File {
	return &File{
		s:        s,
		rootNode: rn,
	}
}

// Read - FUSE call
func (f *File) Read(ctx context.Context, buf []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off < 0 {
		return nil, syscall.EINVAL
	}
	out, err := f.s.Read(uint64(off), uint64(len(buf)))
	if err != nil {
		return nil, f.rootNode.toErrno("read", err)
	}
	tlog.Debug.Printf("Read %s: off=%d len=%d -> %d bytes", f.s.Path(), off, len(buf), len(out))
	return fuse.ReadResultData(out), 0
}

// Write - FUSE call. Writes past the end zero-fill the gap.
func (f *File) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if off < 0 {
		return 0, syscall.EINVAL
	}
	n, err := f.s.Write(uint64(off), data)
	if err != nil {
		return 0, f.rootNode.toErrno("write", err)
	}
	return uint32(n), 0
}

// Flush - FUSE call
func (f *File) Flush(ctx context.Context) syscall.Errno {
	return f.rootNode.toErrno("flush", f.s.Flush())
}

// Fsync - FUSE call
func (f *File) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return f.rootNode.toErrno("fsync", f.s.Fsync())
}

// Release - FUSE call, close file
func (f *File) Release(ctx context.Context) syscall.Errno {
	f.s.Release()
	return 0
}

// Getattr - FUSE call (fstat)
func (f *File) Getattr(ctx context.Context, a *fuse.AttrOut) syscall.Errno {
	st, err := f.s.Stat()
	if err != nil {
		return fs.ToErrno(err)
	}
	size, err := f.s.Size()
	if err != nil {
		return f.rootNode.toErrno("getattr", err)
	}
	st.Size = int64(size)
	f.rootNode.inoMap.TranslateStat(st)
	a.FromStat(st)
	if f.rootNode.args.ForceOwner != nil {
		a.Owner = *f.rootNode.args.ForceOwner
	}
	return 0
}

// Setattr - FUSE call (fchmod, fchown, futimens, ftruncate)
func (f *File) Setattr(ctx context.Context, in *fuse.SetAttrIn, out *fuse.AttrOut) (errno syscall.Errno) {
	if mode, ok := in.GetMode(); ok {
		if err := f.s.Chmod(mode); err != nil {
			return fs.ToErrno(err)
		}
	}

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
		if err := f.s.Chown(uid, gid); err != nil {
			return fs.ToErrno(err)
		}
	}

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
		if err := f.s.Utimens(ap, mp); err != nil {
			return fs.ToErrno(err)
		}
	}

	if sz, ok := in.GetSize(); ok {
		if err := f.s.Truncate(sz); err != nil {
			return f.rootNode.toErrno("truncate", err)
		}
	}
	return f.Getattr(ctx, out)
}
