package configfile

import (
	"fmt"

	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
)

// Validate that the combination of settings makes sense and is supported
func (cf *ConfFile) Validate() error {
	if cf.Version != contentenc.CurrentVersion {
		return fmt.Errorf("Unsupported on-disk format %d", cf.Version)
	}
	if cf.BlockSize == 0 || cf.BlockSize > contentenc.MaxBS {
		return fmt.Errorf("Invalid block size %d", cf.BlockSize)
	}
	if cf.KeyStore == "" {
		return fmt.Errorf("KeyStore file name is empty")
	}
	// All feature flags that are in the config file are known?
	for _, flag := range cf.FeatureFlags {
		if !isFeatureFlagKnown(flag) {
			return fmt.Errorf("Unknown feature flag %q", flag)
		}
	}
	if cf.IsFeatureFlagSet(FlagXChaCha20Poly1305) && cf.IsFeatureFlagSet(FlagAESSIV) {
		return fmt.Errorf("Can't have both XChaCha20Poly1305 and AESSIV feature flags")
	}
	if cf.IsFeatureFlagSet(FlagSealedKeys) {
		if len(cf.EncryptedKey) == 0 {
			return fmt.Errorf("SealedKeys is set but EncryptedKey is empty")
		}
		// scrypt params ok?
		if err := cf.ScryptObject.validateParams(); err != nil {
			return err
		}
	} else if len(cf.EncryptedKey) != 0 {
		return fmt.Errorf("EncryptedKey is set but the SealedKeys feature flag is not")
	}
	return nil
}
