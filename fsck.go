package main

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
	"github.com/pathkeyfs/pathkeyfs/internal/exitcodes"
	"github.com/pathkeyfs/pathkeyfs/internal/fusefrontend"
	"github.com/pathkeyfs/pathkeyfs/internal/session"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

type fsckObj struct {
	t         *session.Transform
	cipherdir string
	// hidden top-level names: config file and key store
	hidden []string
	// seen records the virtual paths of all regular files
	seen       map[string]bool
	errorCount int
}

// Recursively check dir for keyless and corrupt files
func (ck *fsckObj) dir(vpath string) {
	tlog.Debug.Printf("ck.dir %q\n", vpath)
	entries, err := os.ReadDir(filepath.Join(ck.cipherdir, vpath))
	if err != nil {
		fmt.Printf("fsck: error opening dir %q: %v\n", vpath, err)
		ck.errorCount++
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if vpath == "/" && fusefrontend.IsHiddenName(ck.hidden, name) {
			continue
		}
		nextPath := path.Join(vpath, name)
		switch {
		case entry.IsDir():
			ck.dir(nextPath)
		case entry.Type().IsRegular():
			ck.file(nextPath)
		default:
			// symlinks, device files, fifos and sockets have no content
			// key
		}
	}
}

// check file for a key and for corrupt chunks
func (ck *fsckObj) file(vpath string) {
	ck.seen[vpath] = true
	if base := path.Base(vpath); strings.HasPrefix(base, ".") && strings.HasSuffix(base, session.RekeyTempSuffix) {
		fmt.Printf("fsck: leftover file of an interrupted re-key %q, can be deleted\n", vpath)
		ck.errorCount++
		return
	}
	report, err := ck.t.Verify(vpath)
	if errors.Is(err, session.ErrAccessDenied) {
		fmt.Printf("fsck: file %q has no content key\n", vpath)
		ck.errorCount++
		return
	}
	if errors.Is(err, contentenc.ErrCorrupt) {
		fmt.Printf("fsck: file %q: corrupt header: %v\n", vpath, err)
		ck.errorCount++
		return
	}
	if err != nil {
		fmt.Printf("fsck: error checking file %q: %v\n", vpath, err)
		ck.errorCount++
		return
	}
	for _, b := range report.CorruptBlocks {
		fmt.Printf("fsck: file %q: corrupt block %d (plaintext offset %d)\n",
			vpath, b, ck.t.ContentEnc().BlockNoToPlainOff(b))
		ck.errorCount++
	}
	if report.TrailingBytes > 0 {
		fmt.Printf("fsck: file %q: %d trailing bytes after the last block\n", vpath, report.TrailingBytes)
		ck.errorCount++
	}
}

// orphans reports keys whose path has no regular file.
func (ck *fsckObj) orphans() {
	for _, p := range ck.t.Keys().Paths() {
		if !ck.seen[p] {
			fmt.Printf("fsck: orphan key for %q\n", p)
			ck.errorCount++
		}
	}
}

// run checks the whole tree and returns the number of problems found.
func (ck *fsckObj) run() int {
	ck.seen = make(map[string]bool)
	ck.dir("/")
	ck.orphans()
	return ck.errorCount
}

// fsck checks the storage directory and returns the exit code.
func fsck(args *argContainer) int {
	cf, keys := loadKeyStore(args, nil)
	defer keys.Close()
	t := session.New(session.Args{
		Cipherdir:  args.cipherdir,
		Keys:       keys,
		ContentEnc: contentenc.New(cf.ContentEncryption(), uint64(cf.BlockSize)),
	})
	ck := fsckObj{
		t:         t,
		cipherdir: args.cipherdir,
		hidden:    hiddenNames(args.cipherdir, cf.Filename(), keys.Filename()),
	}
	n := ck.run()
	fmt.Printf("fsck: found %d problems\n", n)
	if n != 0 {
		return exitcodes.FsckErrors
	}
	return 0
}

// hiddenNames returns the base names of the files among "files" that live
// directly in "cipherdir".
func hiddenNames(cipherdir string, files ...string) (names []string) {
	for _, f := range files {
		if filepath.Dir(f) == filepath.Clean(cipherdir) {
			names = append(names, filepath.Base(f))
		}
	}
	return names
}
