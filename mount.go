package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
	"github.com/pathkeyfs/pathkeyfs/internal/exitcodes"
	"github.com/pathkeyfs/pathkeyfs/internal/fusefrontend"
	"github.com/pathkeyfs/pathkeyfs/internal/keystore"
	"github.com/pathkeyfs/pathkeyfs/internal/metrics"
	"github.com/pathkeyfs/pathkeyfs/internal/openfiletable"
	"github.com/pathkeyfs/pathkeyfs/internal/session"
	"github.com/pathkeyfs/pathkeyfs/internal/syscallcompat"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// doMount mounts an encrypted directory.
// Called from main.
func doMount(args *argContainer) {
	// Check mountpoint
	var err error
	args.mountpoint, err = filepath.Abs(flagSet.Arg(1))
	if err != nil {
		tlog.Fatal.Printf("Invalid mountpoint: %v", err)
		os.Exit(exitcodes.MountPoint)
	}
	// We cannot mount "/home/user/.cipher" at "/home/user" because the mount
	// will hide ".cipher" also for us.
	if args.cipherdir == args.mountpoint || strings.HasPrefix(args.cipherdir, args.mountpoint+"/") {
		tlog.Fatal.Printf("Mountpoint %q would shadow cipherdir %q, this is not supported",
			args.mountpoint, args.cipherdir)
		os.Exit(exitcodes.MountPoint)
	}
	// Mounting "/foo" at "/foo/mnt" would make the mount see itself.
	if strings.HasPrefix(args.mountpoint, args.cipherdir+"/") {
		tlog.Fatal.Printf("Mountpoint %q is contained in cipherdir %q, this is not supported",
			args.mountpoint, args.cipherdir)
		os.Exit(exitcodes.MountPoint)
	}
	err = isEmptyDir(args.mountpoint)
	if err != nil {
		tlog.Fatal.Printf("Invalid mountpoint: %v", err)
		os.Exit(exitcodes.MountPoint)
	}
	// Open the metrics listener early so we can error out before asking the
	// user for the password
	var metricsListener net.Listener
	if args.metrics != "" {
		metricsListener, err = net.Listen("tcp", args.metrics)
		if err != nil {
			tlog.Fatal.Printf("metrics: %v", err)
			os.Exit(exitcodes.Metrics)
		}
	}
	if !args.noprealloc {
		if syscallcompat.DetectQuirks(args.cipherdir)&syscallcompat.QuirkBrokenFalloc != 0 {
			args.noprealloc = true
		}
	}
	// We cannot use JSON for pretty-printing as the fields are unexported
	tlog.Debug.Printf("cli args: %#v", args)
	// Initialize pathkeyfs (read config file, ask for password, load keys)
	rootNode, m, keys := initFuseFrontend(args)
	// Wipe key material from memory after unmount
	defer keys.Close()
	if metricsListener != nil {
		go serveMetrics(metricsListener, m)
	}
	// Initialize go-fuse FUSE server
	srv := initGoFuse(rootNode, args)
	tlog.Info.Println(tlog.ColorGreen + "Filesystem mounted and ready." + tlog.ColorReset)
	// Increase the open file limit to 4096. This is not essential, so do it after
	// we have switched to syslog and don't bother the user with warnings.
	setOpenFileLimit()
	// Wait for SIGINT in the background and unmount ourselves if we get it.
	// This prevents a dangling "Transport endpoint is not connected"
	// mountpoint if the user hits CTRL-C.
	handleSigint(srv, args.mountpoint, keys)
	// Set up autounmount, if requested.
	if args.idle > 0 {
		go idleMonitor(args.idle, rootNode, srv, args.mountpoint)
	}
	// Jump into server loop. Returns when it gets an umount request from the kernel.
	srv.Wait()
	if n := openfiletable.CountOpenFiles(); n != 0 {
		tlog.Warn.Printf("unmounted with %d files still open", n)
	}
}

// idleState decides when an idle mount should go away. The mount counts
// as busy in a period if any FUSE call arrived, any file is open, or any
// write happened.
type idleState struct {
	period    time.Duration
	periods   int
	idleRuns  int
	lastWrite uint64
}

func newIdleState(timeout time.Duration) *idleState {
	// Check four times per timeout, but not more than once a second and
	// not less than every two minutes.
	period := min(max(timeout/4, time.Second), 2*time.Minute)
	n := int((timeout + period - 1) / period)
	return &idleState{period: period, periods: max(n, 1), lastWrite: openfiletable.WriteOpCount()}
}

// tick records one period and reports whether the timeout has been reached.
func (s *idleState) tick(called bool, openFiles int, writeOps uint64) bool {
	if called || openFiles > 0 || writeOps != s.lastWrite {
		s.idleRuns = 0
	} else {
		s.idleRuns++
	}
	s.lastWrite = writeOps
	return s.idleRuns > 0 && s.idleRuns%s.periods == 0
}

func idleMonitor(timeout time.Duration, rn *fusefrontend.RootNode, srv *fuse.Server, mountpoint string) {
	s := newIdleState(timeout)
	for {
		time.Sleep(s.period)
		// IsIdle is reset to 0 by every FUSE call
		called := !atomic.CompareAndSwapUint32(&rn.IsIdle, 0, 1)
		open := openfiletable.CountOpenFiles()
		if !s.tick(called, open, openfiletable.WriteOpCount()) {
			tlog.Debug.Printf("idleMonitor: idle for %v, %d open files",
				time.Duration(s.idleRuns)*s.period, open)
			continue
		}
		tlog.Info.Printf("idleMonitor: filesystem idle for %v, unmounting %s", timeout, mountpoint)
		if err := unmount(srv, mountpoint); err != nil {
			tlog.Warn.Printf("idleMonitor: unmount failed: %v. Resetting idle time.", err)
			s.idleRuns = 0
		}
	}
}

// setOpenFileLimit tries to increase the open file limit to 4096 (the default hard
// limit on Linux).
func setOpenFileLimit() {
	var lim syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim)
	if err != nil {
		tlog.Warn.Printf("Getting RLIMIT_NOFILE failed: %v", err)
		return
	}
	if lim.Cur >= 4096 {
		return
	}
	lim.Cur = 4096
	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &lim)
	if err != nil {
		tlog.Warn.Printf("Setting RLIMIT_NOFILE to %+v failed: %v", lim, err)
		//         %+v output: "{Cur:4097 Max:4096}" ^
	}
}

// initFuseFrontend - initialize pathkeyfs/fusefrontend
// Calls os.Exit on errors
func initFuseFrontend(args *argContainer) (rn *fusefrontend.RootNode, m *metrics.Metrics, keys *keystore.Store) {
	cf, keys := loadKeyStore(args, nil)
	m = metrics.New()
	keys.Metrics = m
	backend := cf.ContentEncryption()
	tlog.Debug.Printf("content cipher %s, block size %d, %d keys in %q",
		backend, cf.BlockSize, keys.Len(), keys.Filename())
	t := session.New(session.Args{
		Cipherdir:  args.cipherdir,
		Keys:       keys,
		ContentEnc: contentenc.New(backend, uint64(cf.BlockSize)),
		Metrics:    m,
		NoPrealloc: args.noprealloc,
	})
	// forceOwner implies allow_other, as documented.
	// Set this early, so args.allow_other can be relied on below this point.
	if args._forceOwner != nil {
		args.allow_other = true
	}
	frontendArgs := fusefrontend.Args{
		Cipherdir:   args.cipherdir,
		HiddenNames: hiddenNames(args.cipherdir, cf.Filename(), keys.Filename()),
		ForceOwner:  args._forceOwner,
		KernelCache: args.kernel_cache,
	}
	tlog.Debug.Printf("frontendArgs: %s", tlog.JSONDump(frontendArgs))
	return fusefrontend.NewRootNode(frontendArgs, t, m), m, keys
}

// fuseOptions translates the command line into go-fuse mount options.
func fuseOptions(args *argContainer) *fs.Options {
	// One second caches, like libfuse
	sec := time.Second
	opts := &fs.Options{
		NegativeTimeout: &sec,
		AttrTimeout:     &sec,
		EntryTimeout:    &sec,
		NullPermissions: true,
		Logger:          tlog.Warn.Logger,
	}
	mo := &opts.MountOptions
	mo.MaxWrite = fuse.MAX_KERNEL_WRITE
	mo.Options = []string{fmt.Sprintf("max_read=%d", fuse.MAX_KERNEL_WRITE)}
	mo.Debug = args.fusedebug
	if args.allow_other {
		mo.AllowOther = true
		// Let the kernel do the permission checks for other users
		mo.Options = append(mo.Options, "default_permissions")
	}
	// "Filesystem" column of df. Commas would split the option string.
	fsname := args.cipherdir
	if args.fsname != "" {
		fsname = args.fsname
	}
	if clean := strings.ReplaceAll(fsname, ",", "_"); clean != fsname {
		tlog.Warn.Printf("Warning: %q will be displayed as %q in \"df -T\"", fsname, clean)
		fsname = clean
	}
	mo.FsName = fsname
	// "Type" column: fuse.pathkeyfs
	mo.Name = tlog.ProgramName
	if args.ro {
		mo.Options = append(mo.Options, "ro")
	}
	// -ko goes last so it can override the options above
	if args.ko != "" {
		mo.Options = append(mo.Options, strings.Split(args.ko, ",")...)
	}
	return opts
}

func initGoFuse(rn *fusefrontend.RootNode, args *argContainer) *fuse.Server {
	if args.allow_other {
		tlog.Info.Printf(tlog.ColorYellow + "The option \"-allow_other\" is set. Make sure the file " +
			"permissions protect your data from unwanted access." + tlog.ColorReset)
	}
	srv, err := fs.Mount(args.mountpoint, rn, fuseOptions(args))
	if err != nil {
		tlog.Fatal.Printf("fs.Mount failed: %s", strings.TrimSpace(err.Error()))
		os.Exit(exitcodes.FuseNewServer)
	}
	// Create calls carry the full requested mode
	syscall.Umask(0)
	return srv
}

// serveMetrics serves the Prometheus metrics on "l" until the process exits.
func serveMetrics(l net.Listener, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	tlog.Info.Printf("Serving metrics on http://%s/metrics", l.Addr())
	err := srv.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		tlog.Warn.Printf("metrics: %v", err)
	}
}

func handleSigint(srv *fuse.Server, mountpoint string, keys *keystore.Store) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	signal.Notify(ch, syscall.SIGTERM)
	go func() {
		<-ch
		unmount(srv, mountpoint)
		keys.Close()
		os.Exit(exitcodes.SigInt)
	}()
}

func unmount(srv *fuse.Server, mountpoint string) error {
	err := srv.Unmount()
	if err != nil {
		tlog.Warn.Printf("unmount: srv.Unmount returned %v", err)
		tlog.Info.Printf("Trying lazy unmount")
		cmd := exec.Command("fusermount", "-u", "-z", mountpoint)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		err = cmd.Run()
	}
	return err
}
