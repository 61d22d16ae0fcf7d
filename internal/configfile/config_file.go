// Package configfile reads and writes pathkeyfs.conf and does the master key
// wrapping.
package configfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
	"github.com/pathkeyfs/pathkeyfs/internal/cryptocore"
	"github.com/pathkeyfs/pathkeyfs/internal/exitcodes"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

const (
	// ConfDefaultName is the default configuration file name.
	ConfDefaultName = "pathkeyfs.conf"
	// KeyStoreDefaultName is the default name of the key store file, stored
	// next to the config file in the storage directory.
	KeyStoreDefaultName = "pathkeyfs.keys"
	// masterKeyAData is the associated data used when wrapping the master key.
	masterKeyAData = "pathkeyfs master key"
)

// ConfFile is the content of a config file.
type ConfFile struct {
	// Creator is the pathkeyfs version string.
	// This only documents the config file for humans who look at it. The actual
	// technical info is contained in FeatureFlags.
	Creator string
	// EncryptedKey holds the encrypted master key, unlocked using a password
	// hashed with scrypt. Only set if the key store is sealed.
	EncryptedKey []byte `json:",omitempty"`
	// ScryptObject stores parameters for scrypt hashing (key derivation)
	ScryptObject ScryptKDF
	// Version is the On-Disk-Format version this filesystem uses
	Version uint16
	// BlockSize is the plaintext block size of all containers
	BlockSize uint32
	// KeyStore is the file name of the key store, relative to the storage
	// directory.
	KeyStore string
	// FeatureFlags is a list of feature flags this filesystem has enabled.
	// If pathkeyfs encounters a feature flag it does not support, it will refuse
	// mounting.
	FeatureFlags []string
	// Filename is the name of the config file. Not exported to JSON.
	filename string
}

// CreateArgs exists because the argument list to Create became too long.
type CreateArgs struct {
	Filename  string
	Password  []byte
	LogN      int
	Creator   string
	BlockSize uint64
	Cipher    cryptocore.AEADTypeEnum
	// Sealed means the key store is encrypted under a random master key,
	// which is wrapped with the password.
	Sealed   bool
	KeyStore string
}

// Create - create a new config and write it to "Filename".
// If Sealed is set, a random master key is generated and encrypted with
// "Password" using scrypt with cost parameter LogN.
func Create(args *CreateArgs) error {
	cf := ConfFile{
		filename:  args.Filename,
		Creator:   args.Creator,
		Version:   contentenc.CurrentVersion,
		BlockSize: uint32(args.BlockSize),
		KeyStore:  args.KeyStore,
	}
	if cf.BlockSize == 0 {
		cf.BlockSize = contentenc.DefaultBS
	}
	if cf.KeyStore == "" {
		cf.KeyStore = KeyStoreDefaultName
	}
	switch args.Cipher {
	case cryptocore.BackendXChaCha20Poly1305:
		cf.setFeatureFlag(FlagXChaCha20Poly1305)
	case cryptocore.BackendAESSIV:
		cf.setFeatureFlag(FlagAESSIV)
	}
	if args.Sealed {
		if len(args.Password) == 0 {
			return exitcodes.NewErr("a password is required to seal the key store", exitcodes.PasswordEmpty)
		}
		cf.setFeatureFlag(FlagSealedKeys)
		key := cryptocore.RandBytes(cryptocore.KeyLen)
		cf.EncryptKey(key, args.Password, args.LogN)
		for i := range key {
			key[i] = 0
		}
	}
	if err := cf.Validate(); err != nil {
		return err
	}
	return cf.WriteFile()
}

// Load - read config file from disk and validate it.
// The master key, if any, stays encrypted, see DecryptMasterKey.
func Load(filename string) (*ConfFile, error) {
	var cf ConfFile
	cf.filename = filename

	js, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if len(js) == 0 {
		return nil, fmt.Errorf("config file %q is empty", filename)
	}
	err = json.Unmarshal(js, &cf)
	if err != nil {
		tlog.Warn.Printf("Failed to unmarshal config file")
		return nil, err
	}
	if err := cf.Validate(); err != nil {
		return nil, exitcodes.NewErr(err.Error(), exitcodes.LoadConf)
	}
	return &cf, nil
}

// LoadAndDecrypt - read config file from disk and decrypt the
// contained master key using "password".
// Returns the decrypted key and the ConfFile object. The key is nil if the
// key store is not sealed.
func LoadAndDecrypt(filename string, password []byte) ([]byte, *ConfFile, error) {
	cf, err := Load(filename)
	if err != nil {
		return nil, nil, err
	}
	if !cf.IsFeatureFlagSet(FlagSealedKeys) {
		return nil, cf, nil
	}
	key, err := cf.DecryptMasterKey(password)
	if err != nil {
		return nil, nil, err
	}
	return key, cf, nil
}

// DecryptMasterKey decrypts the master key stored in the config file using
// the user-provided password.
func (cf *ConfFile) DecryptMasterKey(password []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, exitcodes.NewErr("Password must not be empty.", exitcodes.PasswordEmpty)
	}
	scryptHash := cf.ScryptObject.DeriveKey(password)
	cc := cryptocore.New(scryptHash, cryptocore.BackendGoGCM)
	key, err := cc.Open(cf.EncryptedKey, []byte(masterKeyAData))
	for i := range scryptHash {
		scryptHash[i] = 0
	}
	if errors.Is(err, cryptocore.ErrAuth) {
		tlog.Warn.Printf("failed to unlock master key: %s", err.Error())
		return nil, exitcodes.NewErr("Password incorrect.", exitcodes.PasswordIncorrect)
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptKey - encrypt "key" using an scrypt hash generated from "password"
// and store it in cf.EncryptedKey.
// Uses scrypt with cost parameter logN and stores the scrypt parameters in
// cf.ScryptObject.
func (cf *ConfFile) EncryptKey(key []byte, password []byte, logN int) {
	cf.ScryptObject = NewScryptKDF(logN)
	scryptHash := cf.ScryptObject.DeriveKey(password)
	cc := cryptocore.New(scryptHash, cryptocore.BackendGoGCM)
	cf.EncryptedKey = cc.Seal(key, []byte(masterKeyAData))
	for i := range scryptHash {
		scryptHash[i] = 0
	}
}

// ContentEncryption tells us which content encryption algorithm is selected
func (cf *ConfFile) ContentEncryption() cryptocore.AEADTypeEnum {
	if cf.IsFeatureFlagSet(FlagXChaCha20Poly1305) {
		return cryptocore.BackendXChaCha20Poly1305
	}
	if cf.IsFeatureFlagSet(FlagAESSIV) {
		return cryptocore.BackendAESSIV
	}
	return cryptocore.BackendGoGCM
}

// KeyStorePath returns the absolute path of the key store file.
func (cf *ConfFile) KeyStorePath() string {
	if filepath.IsAbs(cf.KeyStore) {
		return cf.KeyStore
	}
	return filepath.Join(filepath.Dir(cf.filename), cf.KeyStore)
}

// Filename returns the path of the config file.
func (cf *ConfFile) Filename() string {
	return cf.filename
}

// WriteFile - write out config in JSON format to file "filename.tmp"
// then rename over "filename".
// This way a password change atomically replaces the file.
func (cf *ConfFile) WriteFile() error {
	tmp := cf.filename + ".tmp"
	// 0400 permissions: pathkeyfs.conf should be kept secret and never be written to.
	fd, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0400)
	if err != nil {
		return err
	}
	js, err := json.MarshalIndent(cf, "", "\t")
	if err != nil {
		fd.Close()
		return err
	}
	// For convenience for the user, add a newline at the end.
	js = append(js, '\n')
	_, err = fd.Write(js)
	if err != nil {
		fd.Close()
		return err
	}
	err = fd.Sync()
	if err != nil {
		fd.Close()
		return err
	}
	err = fd.Close()
	if err != nil {
		return err
	}
	return os.Rename(tmp, cf.filename)
}
