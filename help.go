package main

import (
	"fmt"

	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

const tUsage = "" +
	"Usage: " + tlog.ProgramName + " -init|-info|-fsck [OPTIONS] CIPHERDIR\n" +
	"  or   " + tlog.ProgramName + " -rekey PATH [OPTIONS] CIPHERDIR\n" +
	"  or   " + tlog.ProgramName + " [OPTIONS] CIPHERDIR MOUNTPOINT\n"

// helpShort is what gets displayed when passed "-h" or on syntax error.
func helpShort() {
	printVersion()
	fmt.Printf("\n")
	fmt.Print(tUsage)
	fmt.Printf(`
Common Options (use -hh to show all):
  -allow_other       Allow other users to access the mount
  -blocksize         Plaintext block size (with -init)
  -cipher            aesgcm, xchacha or aessiv (with -init)
  -config            Custom path to config file
  -fsck              Check filesystem integrity and key coverage
  -fusedebug         Debug FUSE calls
  -h, -help          This short help text
  -hh                Long help text with all options
  -i, -idle          Unmount automatically after specified idle duration
  -info              Display information about encrypted directory
  -init              Initialize encrypted directory
  -keystore          Custom path to the key store
  -metrics           Serve Prometheus metrics on ADDR
  -passfile          Read password from plain text file(s)
  -q, -quiet         Silence informational messages
  -rekey             Re-encrypt one file under a new content key
  -ro                Mount read-only
  -seal              Protect the key store with a password (with -init)
  -speed             Run crypto speed test
  -version           Print version information
  --                 Stop option parsing
`)
}

// helpLong gets only displayed on "-hh"
func helpLong() {
	printVersion()
	fmt.Printf("\n")
	fmt.Print(tUsage)
	fmt.Printf(`
Notes: All options can equivalently use "-" (single dash) or "--" (double dash).
       A standalone "--" stops option parsing.
`)
	fmt.Printf("\nOptions:\n")
	flagSet.PrintDefaults()
}
