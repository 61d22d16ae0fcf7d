package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pathkeyfs/pathkeyfs/internal/configfile"
	"github.com/pathkeyfs/pathkeyfs/internal/exitcodes"
	"github.com/pathkeyfs/pathkeyfs/internal/keystore"
)

// info implements "-info". It never asks for a password and never prints
// key material. The number of keys is only shown for unsealed stores.
func info(w io.Writer, confFile string, keystoreOverride string) error {
	cf, err := configfile.Load(confFile)
	if err != nil {
		return exitcodes.NewErr(fmt.Sprintf("Loading config file failed: %v", err), exitcodes.LoadConf)
	}
	ksPath := cf.KeyStorePath()
	if keystoreOverride != "" {
		ksPath = keystoreOverride
	}
	sealed := cf.IsFeatureFlagSet(configfile.FlagSealedKeys)
	row := func(k string, format string, v ...any) {
		fmt.Fprintf(w, "%-19s"+format+"\n", append([]any{k + ":"}, v...)...)
	}
	row("Creator", "%s", cf.Creator)
	row("FeatureFlags", "%s", strings.Join(cf.FeatureFlags, " "))
	row("BlockSize", "%d", cf.BlockSize)
	row("contentEncryption", "%s", cf.ContentEncryption().Algo)
	row("KeyStore", "%s", ksPath)
	if sealed {
		s := cf.ScryptObject
		row("EncryptedKey", "%dB", len(cf.EncryptedKey))
		row("ScryptObject", "Salt=%dB N=%d R=%d P=%d KeyLen=%d", len(s.Salt), s.N, s.R, s.P, s.KeyLen)
		return nil
	}
	keys, err := keystore.Load(ksPath, nil)
	if err != nil {
		return exitcodes.NewErr(err.Error(), exitcodes.KeyStore)
	}
	defer keys.Close()
	row("Keys", "%d", keys.Len())
	return nil
}

func printInfo(args *argContainer) {
	if err := info(os.Stdout, args.config, args.keystore); err != nil {
		fmt.Println(err)
		exitcodes.Exit(err)
	}
}
