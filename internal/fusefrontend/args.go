package fusefrontend

import (
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Args is a container for arguments that are passed from main() to fusefrontend
type Args struct {
	// Cipherdir is the backing storage directory (absolute path).
	Cipherdir string
	// HiddenNames are file names in the top-level directory that are not
	// shown through the mount, like the config file and the key store.
	HiddenNames []string
	// Should we force ownership to be presented with a given user and group?
	// This only makes sense if allow_other is set.
	ForceOwner *fuse.Owner
	// KernelCache lets the kernel keep file contents cached across opens.
	KernelCache bool
}
