package main

import (
	"os"

	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
	"github.com/pathkeyfs/pathkeyfs/internal/exitcodes"
	"github.com/pathkeyfs/pathkeyfs/internal/openfiletable"
	"github.com/pathkeyfs/pathkeyfs/internal/session"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// rekey re-encrypts the file at virtual path args.rekey under a fresh
// content key. This is an offline operation, the storage directory must
// not be mounted.
func rekey(args *argContainer) {
	cf, keys := loadKeyStore(args, nil)
	defer keys.Close()
	t := session.New(session.Args{
		Cipherdir:  args.cipherdir,
		Keys:       keys,
		ContentEnc: contentenc.New(cf.ContentEncryption(), uint64(cf.BlockSize)),
		NoPrealloc: args.noprealloc,
	})
	if n := openfiletable.CountOpenFiles(); n != 0 {
		tlog.Warn.Printf("rekey: %d files open, this should not happen", n)
	}
	err := t.Rekey(args.rekey)
	if err != nil {
		tlog.Fatal.Printf("Re-keying %q failed: %v", args.rekey, err)
		keys.Close()
		os.Exit(exitcodes.Rekey)
	}
	ck, _ := keys.Get(args.rekey)
	tlog.Info.Printf(tlog.ColorGreen+"%q is now encrypted under key version %d."+tlog.ColorReset,
		args.rekey, ck.Version)
}
