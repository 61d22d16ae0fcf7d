package configfile

type flagIota int

const (
	// FlagSealedKeys means the key store is encrypted under a master key
	// that is stored password-wrapped in the config file.
	FlagSealedKeys flagIota = iota
	// FlagAESSIV selects an AES-SIV based crypto backend.
	FlagAESSIV
	// FlagXChaCha20Poly1305 means we use XChaCha20-Poly1305 file content encryption
	FlagXChaCha20Poly1305
)

// knownFlags stores the known feature flags and their string representation
var knownFlags = map[flagIota]string{
	FlagSealedKeys:        "SealedKeys",
	FlagAESSIV:            "AESSIV",
	FlagXChaCha20Poly1305: "XChaCha20Poly1305",
}

// isFeatureFlagKnown verifies that we understand a feature flag.
func isFeatureFlagKnown(flag string) bool {
	for _, knownFlag := range knownFlags {
		if knownFlag == flag {
			return true
		}
	}
	return false
}

// IsFeatureFlagSet returns true if the feature flag "flagWant" is enabled.
func (cf *ConfFile) IsFeatureFlagSet(flagWant flagIota) bool {
	flagString := knownFlags[flagWant]
	for _, flag := range cf.FeatureFlags {
		if flag == flagString {
			return true
		}
	}
	return false
}

func (cf *ConfFile) setFeatureFlag(flag flagIota) {
	if cf.IsFeatureFlagSet(flag) {
		return
	}
	cf.FeatureFlags = append(cf.FeatureFlags, knownFlags[flag])
}
