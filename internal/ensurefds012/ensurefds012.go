// Package ensurefds012 makes sure that file descriptors 0, 1 and 2 are open
// before main runs, filling the gaps with /dev/null. Otherwise the first
// file we open, for example the key store, could end up on fd 1 and receive
// our log output.
//
// Import it for its side effect from the alphabetically first source file
// of package main:
//
//	import _ "github.com/pathkeyfs/pathkeyfs/internal/ensurefds012"
//
// Check with
//
//	$ pathkeyfs CIPHERDIR MNT 0<&- 1>&- 2>&-
//	$ ls -l /proc/$(pgrep pathkeyfs)/fd
package ensurefds012

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/pathkeyfs/pathkeyfs/internal/exitcodes"
)

func init() {
	fd, err := unix.Open("/dev/null", unix.O_RDWR, 0)
	if err != nil {
		os.Exit(exitcodes.DevNull)
	}
	for fd <= 2 {
		fd, err = unix.Dup(fd)
		if err != nil {
			os.Exit(exitcodes.DevNull)
		}
	}
	// fd is now >= 3 and not needed anymore
	unix.Close(fd)
}
