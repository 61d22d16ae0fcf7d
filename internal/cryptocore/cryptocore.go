// Package cryptocore wraps the AEAD implementations used for content and
// key store encryption and provides a nonce generator.
package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"log"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/pathkeyfs/pathkeyfs/internal/siv_aead"
)

const (
	// KeyLen is the length of content keys and of the master key in bytes.
	// 32 for AES-256 and XChaCha20.
	KeyLen = 32
	// AuthTagLen is the length of the authentication tag in bytes.
	// All supported backends use 16.
	AuthTagLen = 16
)

// ErrAuth is returned when the message authentication check fails.
var ErrAuth = errors.New("cryptocore: message authentication failed")

// AEADTypeEnum indicates the type of AEAD backend in use.
type AEADTypeEnum struct {
	// Algo is the name of the algorithm. It is stored in pathkeyfs.conf.
	Algo string
	// Short is the name accepted by the "-cipher" command line option.
	Short string
	// NonceSize is the size of the random nonce in bytes.
	NonceSize int
}

// String returns something like "AES-GCM-256 (aesgcm)"
func (a AEADTypeEnum) String() string {
	return fmt.Sprintf("%s (%s)", a.Algo, a.Short)
}

// BackendGoGCM specifies AES-256-GCM with 128-bit nonces from the Go stdlib.
var BackendGoGCM = AEADTypeEnum{"AES-GCM-256", "aesgcm", 16}

// BackendXChaCha20Poly1305 specifies XChaCha20-Poly1305 from golang.org/x/crypto.
var BackendXChaCha20Poly1305 = AEADTypeEnum{"XChaCha20-Poly1305", "xchacha", chacha20poly1305.NonceSizeX}

// BackendAESSIV specifies AES-SIV-512. Nonce misuse resistant.
var BackendAESSIV = AEADTypeEnum{"AES-SIV-512", "aessiv", siv_aead.NonceSize}

// Backends lists all supported AEAD backends.
var Backends = []AEADTypeEnum{BackendGoGCM, BackendXChaCha20Poly1305, BackendAESSIV}

// BackendByName finds the backend by its long or short name.
func BackendByName(name string) (AEADTypeEnum, error) {
	for _, b := range Backends {
		if strings.EqualFold(name, b.Algo) || strings.EqualFold(name, b.Short) {
			return b, nil
		}
	}
	return AEADTypeEnum{}, fmt.Errorf("unknown cipher %q", name)
}

// CryptoCore is the low level crypto implementation.
type CryptoCore struct {
	// AEADCipher is used for content and key store encryption.
	AEADCipher cipher.AEAD
	// Which backend is behind AEADCipher?
	AEADBackend AEADTypeEnum
	// All backends need unique IVs (nonces)
	IVGenerator *nonceGenerator
	IVLen       int
}

// New returns a new CryptoCore object or panics.
//
// "key" must be KeyLen bytes. For AES-SIV, which needs a 64-byte key, the
// actual key is derived from "key" using HKDF.
func New(key []byte, aeadType AEADTypeEnum) *CryptoCore {
	if len(key) != KeyLen {
		log.Panicf("Unsupported key length of %d bytes", len(key))
	}
	var aeadCipher cipher.AEAD
	switch aeadType {
	case BackendGoGCM:
		blockCipher, err := aes.NewCipher(key)
		if err != nil {
			log.Panic(err)
		}
		aeadCipher, err = cipher.NewGCMWithNonceSize(blockCipher, aeadType.NonceSize)
		if err != nil {
			log.Panic(err)
		}
	case BackendXChaCha20Poly1305:
		var err error
		aeadCipher, err = chacha20poly1305.NewX(key)
		if err != nil {
			log.Panic(err)
		}
	case BackendAESSIV:
		key64 := hkdfDerive(key, hkdfInfoSIVContent, siv_aead.KeyLen)
		aeadCipher = siv_aead.New(key64)
		for i := range key64 {
			key64[i] = 0
		}
	default:
		log.Panicf("unknown cipher backend %q", aeadType.Algo)
	}
	if aeadCipher.NonceSize() != aeadType.NonceSize {
		log.Panicf("BUG: nonce size mismatch: %d vs %d", aeadCipher.NonceSize(), aeadType.NonceSize)
	}
	if aeadCipher.Overhead() != AuthTagLen {
		log.Panicf("BUG: unexpected tag length %d", aeadCipher.Overhead())
	}
	return &CryptoCore{
		AEADCipher:  aeadCipher,
		AEADBackend: aeadType,
		IVGenerator: &nonceGenerator{nonceLen: aeadType.NonceSize},
		IVLen:       aeadType.NonceSize,
	}
}

// Seal encrypts and authenticates "plaintext" under a fresh random nonce.
// It returns nonce || ciphertext || tag.
func (c *CryptoCore) Seal(plaintext []byte, aData []byte) []byte {
	nonce := c.IVGenerator.Get()
	return c.AEADCipher.Seal(nonce, nonce, plaintext, aData)
}

// Open is the inverse of Seal. Authentication failures return ErrAuth.
func (c *CryptoCore) Open(sealed []byte, aData []byte) ([]byte, error) {
	if len(sealed) < c.IVLen+AuthTagLen {
		return nil, ErrAuth
	}
	nonce := sealed[:c.IVLen]
	plaintext, err := c.AEADCipher.Open(nil, nonce, sealed[c.IVLen:], aData)
	if err != nil {
		return nil, ErrAuth
	}
	return plaintext, nil
}

type wiper interface {
	Wipe()
}

// Wipe tries to wipe secret keys from memory by overwriting them with zeros
// and/or setting references to nil.
//
// This is not bulletproof due to possible GC copies, but
// still raises the bar for extracting the key.
func (c *CryptoCore) Wipe() {
	if w, ok := c.AEADCipher.(wiper); ok {
		w.Wipe()
	}
	c.AEADCipher = nil
}
