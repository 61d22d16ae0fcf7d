package fusefrontend

import (
	"errors"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"

	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
	"github.com/pathkeyfs/pathkeyfs/internal/inomap"
	"github.com/pathkeyfs/pathkeyfs/internal/keystore"
	"github.com/pathkeyfs/pathkeyfs/internal/metrics"
	"github.com/pathkeyfs/pathkeyfs/internal/session"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// RootNode is the root of the filesystem tree of Nodes.
type RootNode struct {
	Node
	// args stores configuration arguments
	args Args
	// transform does all content encryption and key bookkeeping
	transform *session.Transform
	// metrics may be nil
	metrics *metrics.Metrics
	// IsIdle flag is set to zero each time prepareAtSyscall() is called
	// (uint32 so that it can be reset with CompareAndSwapUint32).
	// When -idle was used when mounting, idleMonitor() sets it to 1
	// periodically.
	IsIdle uint32
	// inoMap translates inode numbers from different devices to unique inode
	// numbers.
	inoMap *inomap.InoMap
}

// NewRootNode returns the root of a mount backed by "t".
func NewRootNode(args Args, t *session.Transform, m *metrics.Metrics) *RootNode {
	var rootDev uint64
	var st syscall.Stat_t
	if err := syscall.Stat(args.Cipherdir, &st); err != nil {
		tlog.Warn.Printf("Could not stat backing directory %q: %v", args.Cipherdir, err)
	} else {
		rootDev = uint64(st.Dev)
	}
	return &RootNode{
		args:      args,
		transform: t,
		metrics:   m,
		inoMap:    inomap.New(rootDev),
	}
}

// isFiltered - check if a top-level name should be hidden.
func (rn *RootNode) isFiltered(child string) bool {
	return IsHiddenName(rn.args.HiddenNames, child)
}

// IsHiddenName tells if "name" is one of "hidden" or a temp file of one of
// them, like the key store's ".pathkeyfs.keys.<uuid>.tmp".
func IsHiddenName(hidden []string, name string) bool {
	for _, h := range hidden {
		if name == h {
			return true
		}
		if strings.HasPrefix(name, "."+h+".") && strings.HasSuffix(name, ".tmp") {
			return true
		}
	}
	return false
}

// toErrno maps an error from the session layer to an errno. Files we
// cannot decrypt give EACCES, damaged content and a failing key store
// give EIO.
func (rn *RootNode) toErrno(op string, err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	var class string
	switch {
	case errors.Is(err, session.ErrAccessDenied):
		errno, class = syscall.EACCES, "access_denied"
	case errors.Is(err, contentenc.ErrCorrupt):
		errno, class = syscall.EIO, "corrupt"
	case errors.Is(err, keystore.ErrPersist):
		errno, class = syscall.EIO, "keystore"
	case errors.As(err, &errno):
		class = "io"
	default:
		errno, class = fs.ToErrno(err), "io"
	}
	if errno != syscall.ENOENT {
		rn.metrics.RecordError(op, class)
	}
	if errno == syscall.EIO {
		tlog.Warn.Printf("%s: %v", op, err)
	}
	return errno
}
