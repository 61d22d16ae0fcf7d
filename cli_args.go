package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/pathkeyfs/pathkeyfs/internal/configfile"
	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
	"github.com/pathkeyfs/pathkeyfs/internal/exitcodes"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// argContainer stores the parsed CLI options and arguments
type argContainer struct {
	debug, init, fusedebug, version, quiet, syslog, wpanic,
	allow_other, noprealloc, hh, info, fsck, seal, ro, kernel_cache, speed bool
	cipher, rekey, mountpoint, cipherdir, ko, fsname, force_owner,
	keystore, metrics string
	// -passfile can be passed multiple times
	passfile []string
	// Configuration file name override
	config    string
	blocksize uint64
	scryptn   int
	// Idle time before autounmount
	idle time.Duration
	// Helper variables that are NOT cli options all start with an underscore
	// _forceOwner is, if non-nil, a parsed, validated Owner (as opposed to the string above)
	_forceOwner *fuse.Owner
}

var flagSet *flag.FlagSet

// prefixOArgs transform options passed via "-o foo,bar" into regular options
// like "-foo -bar" and prefixes them to the command line.
// Testcases in TestPrefixOArgs().
func prefixOArgs(osArgs []string) ([]string, error) {
	// Need at least 3, example: pathkeyfs -o    foo,bar
	//                               ^ 0    ^ 1    ^ 2
	if len(osArgs) < 3 {
		return osArgs, nil
	}
	// Passing "--" disables "-o" parsing. Ignore element 0 (program name).
	for _, v := range osArgs[1:] {
		if v == "--" {
			return osArgs, nil
		}
	}
	// Find and extract "-o foo,bar"
	var otherArgs, oOpts []string
	for i := 1; i < len(osArgs); i++ {
		if osArgs[i] == "-o" {
			// Last argument?
			if i+1 >= len(osArgs) {
				return nil, fmt.Errorf("the \"-o\" option requires an argument")
			}
			oOpts = strings.Split(osArgs[i+1], ",")
			// Skip over the arguments to "-o"
			i++
		} else if strings.HasPrefix(osArgs[i], "-o=") {
			oOpts = strings.Split(osArgs[i][3:], ",")
		} else {
			otherArgs = append(otherArgs, osArgs[i])
		}
	}
	// Start with program name
	newArgs := []string{osArgs[0]}
	// Add options from "-o"
	for _, o := range oOpts {
		if o == "" {
			continue
		}
		if o == "o" || o == "-o" {
			return nil, fmt.Errorf("you can't pass \"-o\" to \"-o\"")
		}
		newArgs = append(newArgs, "-"+o)
	}
	// Add other arguments
	newArgs = append(newArgs, otherArgs...)
	return newArgs, nil
}

// convertToDoubleDash converts args like "-debug" (Go stdlib `flag` style)
// into "--debug" (spf13/pflag style).
// pflag would interpret "-debug" as a combination of short options, "-d -e -b -u -g".
func convertToDoubleDash(args []string) (out []string) {
	// Make a copy, so we don't modify the original slice
	out = append(out, args...)
	for i, v := range out {
		// Leave "--" alone
		if v == "--" {
			break
		}
		// Single-dash option like "-debug" or "-d"
		if len(v) >= 2 && v[0] == '-' && v[1] != '-' {
			out[i] = "-" + out[i]
		}
	}
	return out
}

// parseCliOpts - parse command line options (i.e. arguments that start with "-")
func parseCliOpts(osArgs []string) (args argContainer) {
	var err error

	osArgsPreprocessed, err := prefixOArgs(osArgs)
	if err != nil {
		tlog.Fatal.Println(err)
		os.Exit(exitcodes.Usage)
	}
	osArgsPreprocessed = convertToDoubleDash(osArgsPreprocessed)

	flagSet = flag.NewFlagSet(tlog.ProgramName, flag.ContinueOnError)
	flagSet.Usage = func() {}
	flagSet.BoolVar(&args.debug, "d", false, "")
	flagSet.BoolVar(&args.debug, "debug", false, "Enable debug output")
	flagSet.BoolVar(&args.fusedebug, "fusedebug", false, "Enable fuse library debug output")
	flagSet.BoolVar(&args.init, "init", false, "Initialize encrypted directory")
	flagSet.BoolVar(&args.version, "version", false, "Print version and exit")
	flagSet.BoolVar(&args.quiet, "q", false, "")
	flagSet.BoolVar(&args.quiet, "quiet", false, "Quiet - silence informational messages")
	flagSet.BoolVar(&args.syslog, "syslog", false, "Send log messages to syslog")
	flagSet.BoolVar(&args.wpanic, "wpanic", false, "When encountering a warning, panic and exit immediately")
	flagSet.BoolVar(&args.allow_other, "allow_other", false, "Allow other users to access the filesystem. "+
		"Only works if user_allow_other is set in /etc/fuse.conf.")
	flagSet.BoolVar(&args.noprealloc, "noprealloc", false, "Disable preallocation before writing")
	var help bool
	flagSet.BoolVar(&help, "h", false, "")
	flagSet.BoolVar(&help, "help", false, "Show the short help text")
	flagSet.BoolVar(&args.hh, "hh", false, "Show this long help text")
	flagSet.BoolVar(&args.info, "info", false, "Display information about CIPHERDIR")
	flagSet.BoolVar(&args.fsck, "fsck", false, "Run a filesystem check on CIPHERDIR")
	flagSet.BoolVar(&args.seal, "seal", false, "Encrypt the key store under a password-protected master key (with -init)")
	flagSet.BoolVar(&args.speed, "speed", false, "Run crypto speed test")
	flagSet.BoolVar(&args.ro, "ro", false, "Mount the filesystem read-only")
	flagSet.BoolVar(&args.kernel_cache, "kernel_cache", false, "Enable the FUSE kernel_cache option")

	flagSet.StringVar(&args.cipher, "cipher", "aesgcm", "Content cipher: aesgcm, xchacha or aessiv (with -init)")
	flagSet.StringVar(&args.rekey, "rekey", "", "Re-encrypt the file at the given path under a new content key")
	flagSet.StringVar(&args.config, "config", "", "Use specified config file instead of CIPHERDIR/"+configfile.ConfDefaultName)
	flagSet.StringVar(&args.keystore, "keystore", "", "Use specified key store file instead of the one named in the config file")
	flagSet.StringVar(&args.ko, "ko", "", "Pass additional options directly to the kernel, comma-separated list")
	flagSet.StringVar(&args.fsname, "fsname", "", "Override the filesystem name")
	flagSet.StringVar(&args.force_owner, "force_owner", "", "uid:gid pair to coerce ownership")
	flagSet.StringVar(&args.metrics, "metrics", "", "Serve Prometheus metrics on this address, like \"127.0.0.1:9100\"")

	flagSet.StringSliceVar(&args.passfile, "passfile", nil, "Read password from file")

	flagSet.Uint64Var(&args.blocksize, "blocksize", contentenc.DefaultBS, "Plaintext block size in bytes (with -init)")
	flagSet.IntVar(&args.scryptn, "scryptn", configfile.ScryptDefaultLogN, "scrypt cost parameter logN. Possible values: 10-28. "+
		"A lower value speeds up mounting and reduces its memory needs, but makes the password susceptible to brute-force attacks")

	flagSet.DurationVar(&args.idle, "i", 0, "")
	flagSet.DurationVar(&args.idle, "idle", 0, "Auto-unmount after specified idle duration. "+
		"Durations are specified like \"500s\" or \"2h45m\". 0 means stay mounted indefinitely.")

	var dummyString string
	flagSet.StringVar(&dummyString, "o", "", "For compatibility with mount(1), options can be also passed as a comma-separated list to -o on the end.")
	// Ignored for /etc/fstab compatibility
	var nofail bool
	flagSet.BoolVar(&nofail, "nofail", false, "Ignored for /etc/fstab compatibility")

	// Actual parsing
	err = flagSet.Parse(osArgsPreprocessed[1:])
	if err == flag.ErrHelp || help {
		helpShort()
		os.Exit(0)
	}
	if err != nil {
		tlog.Fatal.Printf("Invalid command line: %s: %v. Try '%s -help'.", prettyArgs(), err, tlog.ProgramName)
		os.Exit(exitcodes.Usage)
	}
	if len(args.passfile) > 0 && !args.seal && args.init {
		tlog.Info.Printf("-passfile has no effect without -seal")
	}
	if args.idle < 0 {
		tlog.Fatal.Printf("Idle timeout cannot be less than 0")
		os.Exit(exitcodes.Usage)
	}
	if args.blocksize == 0 || args.blocksize > contentenc.MaxBS {
		tlog.Fatal.Printf("-blocksize must be between 1 and %d", contentenc.MaxBS)
		os.Exit(exitcodes.Usage)
	}
	if args.force_owner != "" {
		args._forceOwner, err = parseForceOwner(args.force_owner)
		if err != nil {
			tlog.Fatal.Printf("-force_owner: %v", err)
			os.Exit(exitcodes.Usage)
		}
	}
	return args
}

// parseForceOwner parses a "uid:gid" pair.
func parseForceOwner(s string) (*fuse.Owner, error) {
	var uid, gid uint32
	n, err := fmt.Sscanf(s, "%d:%d", &uid, &gid)
	if err != nil || n != 2 || fmt.Sprintf("%d:%d", uid, gid) != s {
		return nil, fmt.Errorf("%q is not a valid uid:gid pair", s)
	}
	return &fuse.Owner{Uid: uid, Gid: gid}, nil
}

// prettyArgs pretty-prints the command-line arguments.
func prettyArgs() string {
	pa := fmt.Sprintf("%q", os.Args)
	// Get rid of "[" and "]"
	pa = pa[1 : len(pa)-1]
	return pa
}

// countOpFlags counts the number of operation flags we were passed.
func countOpFlags(args *argContainer) int {
	var count int
	if args.info {
		count++
	}
	if args.init {
		count++
	}
	if args.fsck {
		count++
	}
	if args.rekey != "" {
		count++
	}
	return count
}
