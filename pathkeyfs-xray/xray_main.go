// pathkeyfs-xray shows the internal structure of an encrypted container
// and can dump content keys from the key store.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/pathkeyfs/pathkeyfs/internal/configfile"
	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
	"github.com/pathkeyfs/pathkeyfs/internal/cryptocore"
	"github.com/pathkeyfs/pathkeyfs/internal/exitcodes"
	"github.com/pathkeyfs/pathkeyfs/internal/keystore"
	"github.com/pathkeyfs/pathkeyfs/internal/readpassword"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

const myName = "pathkeyfs-xray"

func errExit(err error) {
	fmt.Println(err)
	os.Exit(1)
}

func prettyPrintHeader(w io.Writer, h *contentenc.FileHeader) {
	fmt.Fprintf(w, "Header: Version: %d, BlockSize: %d, KeyVersion: %d, LogicalSize: %d\n",
		h.Version, h.BlockSize, h.KeyVersion, h.LogicalSize)
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] FILE\n"+
		"\n"+
		"Options:\n", myName)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\n"+
		"Examples:\n"+
		"  pathkeyfs-xray myfs/notes.txt\n"+
		"  pathkeyfs-xray -cipher xchacha myfs/notes.txt\n"+
		"  pathkeyfs-xray -dumpkey /notes.txt myfs/pathkeyfs.conf\n")
}

func main() {
	cipher := flag.String("cipher", "aesgcm", "Content cipher of the filesystem: aesgcm, xchacha or aessiv")
	dumpkey := flag.String("dumpkey", "", "Dump the content key of this virtual path. FILE is the config file.")
	passfile := flag.StringSlice("passfile", nil, "Read password from file")
	flag.CommandLine.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(exitcodes.Usage)
	}
	fn := flag.Arg(0)
	if *dumpkey != "" {
		dumpKey(fn, *dumpkey, *passfile)
		return
	}
	backend, err := cryptocore.BackendByName(*cipher)
	if err != nil {
		errExit(err)
	}
	fd, err := os.Open(fn)
	if err != nil {
		errExit(err)
	}
	defer fd.Close()
	err = inspectCiphertext(os.Stdout, fd, backend)
	if err != nil {
		errExit(err)
	}
}

// dumpKey prints all key versions of virtual path "p" from the key store
// named in config file "conf".
func dumpKey(conf string, p string, passfile []string) {
	tlog.Info.Enabled = false
	cf, err := configfile.Load(conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		exitcodes.Exit(err)
	}
	var masterkey []byte
	if cf.IsFeatureFlagSet(configfile.FlagSealedKeys) {
		pw, err := readpassword.Once(passfile, "")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			exitcodes.Exit(err)
		}
		masterkey, err = cf.DecryptMasterKey(pw)
		for i := range pw {
			pw[i] = 0
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			exitcodes.Exit(err)
		}
	}
	keys, err := keystore.Load(cf.KeyStorePath(), masterkey)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitcodes.KeyStore)
	}
	defer keys.Close()
	ck, ok := keys.Get(p)
	if !ok {
		fmt.Fprintf(os.Stderr, "%q has no content key\n", keystore.CleanPath(p))
		os.Exit(exitcodes.KeyStore)
	}
	fmt.Printf("%s (version %d)\n", hex.EncodeToString(ck.Key), ck.Version)
	for ver := ck.Version - 1; ver >= keystore.FirstKeyVersion; ver-- {
		if old, ok := keys.GetVersion(p, ver); ok {
			fmt.Printf("%s (version %d, retired)\n", hex.EncodeToString(old.Key), ver)
		}
	}
}

// inspectCiphertext prints the header and the layout of every chunk. The
// chunks are not decrypted.
func inspectCiphertext(w io.Writer, fd *os.File, backend cryptocore.AEADTypeEnum) error {
	header, err := contentenc.ReadHeader(fd)
	if errors.Is(err, io.EOF) {
		fmt.Fprintln(w, "empty file")
		return nil
	}
	if err != nil {
		return err
	}
	prettyPrintHeader(w, header)
	fi, err := fd.Stat()
	if err != nil {
		return err
	}
	ce := contentenc.New(backend, uint64(header.BlockSize))
	buf := make([]byte, ce.CipherBS())
	size := uint64(fi.Size())
	for blockNo := uint64(0); ; blockNo++ {
		off := ce.BlockNoToCipherOff(blockNo)
		if off >= size {
			break
		}
		n := contentenc.MinUint64(ce.CipherBS(), size-off)
		_, err := fd.ReadAt(buf[:n], int64(off))
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		c, err := ce.ParseChunk(buf[:n])
		if err != nil {
			fmt.Fprintf(w, "Block %2d: Offset: %5d Len: %d: %v\n", blockNo, off, n, err)
			continue
		}
		var note string
		if blockNo >= ce.BlockCount(header.LogicalSize) {
			note = " (beyond LogicalSize)"
		}
		fmt.Fprintf(w, "Block %2d: Nonce: %s, Tag: %s, Offset: %5d Len: %d%s\n",
			blockNo, hex.EncodeToString(c.Nonce), hex.EncodeToString(c.Tag), off, n, note)
	}
	return nil
}
