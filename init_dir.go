package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pathkeyfs/pathkeyfs/internal/configfile"
	"github.com/pathkeyfs/pathkeyfs/internal/cryptocore"
	"github.com/pathkeyfs/pathkeyfs/internal/exitcodes"
	"github.com/pathkeyfs/pathkeyfs/internal/keystore"
	"github.com/pathkeyfs/pathkeyfs/internal/readpassword"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// initDir prepares a directory for use as a pathkeyfs storage directory
// by creating pathkeyfs.conf and an empty key store.
func initDir(args *argContainer) {
	var err error
	err = isEmptyDir(args.cipherdir)
	if err != nil {
		tlog.Fatal.Printf("Invalid cipherdir: %v", err)
		os.Exit(exitcodes.CipherDir)
	}
	backend, err := cryptocore.BackendByName(args.cipher)
	if err != nil {
		tlog.Fatal.Printf("-cipher: %v", err)
		os.Exit(exitcodes.Usage)
	}
	var password []byte
	if args.seal {
		if len(args.passfile) == 0 {
			tlog.Info.Printf("Choose a password for protecting your key store.")
		}
		password, err = readpassword.Twice(args.passfile)
		if err != nil {
			tlog.Fatal.Println(err)
			os.Exit(exitcodes.ReadPassword)
		}
	}
	err = configfile.Create(&configfile.CreateArgs{
		Filename:  args.config,
		Password:  password,
		LogN:      args.scryptn,
		Creator:   creator(),
		BlockSize: args.blocksize,
		Cipher:    backend,
		Sealed:    args.seal,
		KeyStore:  args.keystore,
	})
	if err != nil {
		tlog.Fatal.Println(err)
		os.Exit(exitcodes.WriteConf)
	}
	// Write the empty key store so a sealed store can be recognized even
	// before the first file is created.
	_, keys := loadKeyStore(args, password)
	err = keys.Save()
	keys.Close()
	if err != nil {
		tlog.Fatal.Println(err)
		os.Exit(exitcodes.KeyStore)
	}
	for i := range password {
		password[i] = 0
	}
	tlog.Info.Printf(tlog.ColorGreen+"The storage directory has been created successfully, content cipher %s, block size %d."+tlog.ColorReset,
		backend, args.blocksize)
	wd, _ := os.Getwd()
	friendlyPath, _ := filepath.Rel(wd, args.cipherdir)
	if strings.HasPrefix(friendlyPath, "../") {
		// A relative path that starts with "../" is pretty unfriendly, just
		// keep the absolute path.
		friendlyPath = args.cipherdir
	}
	if strings.Contains(friendlyPath, " ") {
		friendlyPath = "\"" + friendlyPath + "\""
	}
	tlog.Info.Printf(tlog.ColorGrey+"You can now mount it using: %s %s MOUNTPOINT"+tlog.ColorReset,
		tlog.ProgramName, friendlyPath)
}

// loadKeyStore loads the config file and the key store it names. For a
// sealed store, "password" unlocks the master key. If "password" is nil
// and the store is sealed, the user is asked for it.
// Calls os.Exit on errors.
func loadKeyStore(args *argContainer, password []byte) (*configfile.ConfFile, *keystore.Store) {
	cf, err := configfile.Load(args.config)
	if err != nil {
		tlog.Fatal.Printf("Loading config file failed: %v", err)
		code := exitcodes.Code(err)
		if code == exitcodes.Other {
			code = exitcodes.LoadConf
		}
		os.Exit(code)
	}
	var masterkey []byte
	if cf.IsFeatureFlagSet(configfile.FlagSealedKeys) {
		if password == nil {
			password, err = readpassword.Once(args.passfile, "")
			if err != nil {
				tlog.Fatal.Println(err)
				os.Exit(exitcodes.ReadPassword)
			}
			defer func() {
				for i := range password {
					password[i] = 0
				}
			}()
		}
		tlog.Info.Println("Decrypting master key")
		masterkey, err = cf.DecryptMasterKey(password)
		if err != nil {
			tlog.Fatal.Println(err)
			exitcodes.Exit(err)
		}
	}
	ksPath := cf.KeyStorePath()
	if args.keystore != "" {
		ksPath = args.keystore
	}
	keys, err := keystore.Load(ksPath, masterkey)
	// The store has derived its own subkey, the master key is not needed
	// anymore.
	for i := range masterkey {
		masterkey[i] = 0
	}
	if err != nil {
		tlog.Fatal.Printf("Loading key store failed: %v", err)
		os.Exit(exitcodes.KeyStore)
	}
	keys.Creator = creator()
	return cf, keys
}
