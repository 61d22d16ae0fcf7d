// Package siv_aead exposes the AES-SIV implementation from
// github.com/jacobsa/crypto/siv through the cipher.AEAD interface.
package siv_aead

import (
	"crypto/cipher"
	"log"

	"github.com/jacobsa/crypto/siv"
)

const (
	// KeyLen is the key length we accept. SIV also works with 32 and 48
	// byte keys, we only use AES-SIV-512.
	KeyLen = 64
	// NonceSize is the nonce length we use.
	NonceSize = 16
	// Overhead is the length of the synthetic IV that doubles as the tag.
	Overhead = 16
)

type sivAead struct {
	key []byte
}

var _ cipher.AEAD = &sivAead{}

// New returns a cipher.AEAD backed by AES-SIV. "key" must be KeyLen bytes.
// The key is copied, the caller may wipe its own copy.
func New(key []byte) cipher.AEAD {
	if len(key) != KeyLen {
		log.Panicf("siv_aead: key must be %d bytes, got %d", KeyLen, len(key))
	}
	return newAnyLen(key)
}

func newAnyLen(key []byte) *sivAead {
	return &sivAead{key: append([]byte{}, key...)}
}

func (s *sivAead) NonceSize() int {
	return NonceSize
}

func (s *sivAead) Overhead() int {
	return Overhead
}

// associated builds the associated data vector. Per RFC 5297 section 3 the
// nonce goes last.
func (s *sivAead) associated(nonce, authData []byte) [][]byte {
	if len(nonce) != NonceSize {
		log.Panicf("siv_aead: nonce must be %d bytes", NonceSize)
	}
	if len(s.key) == 0 {
		log.Panic("siv_aead: key has been wiped")
	}
	return [][]byte{authData, nonce}
}

// Seal encrypts "plaintext" and appends the result to "dst".
func (s *sivAead) Seal(dst, nonce, plaintext, authData []byte) []byte {
	out, err := siv.Encrypt(dst, s.key, plaintext, s.associated(nonce, authData))
	if err != nil {
		log.Panic(err)
	}
	return out
}

// Open decrypts "ciphertext" and appends the result to "dst".
func (s *sivAead) Open(dst, nonce, ciphertext, authData []byte) ([]byte, error) {
	dec, err := siv.Decrypt(s.key, ciphertext, s.associated(nonce, authData))
	if err != nil {
		return nil, err
	}
	return append(dst, dec...), nil
}

// Wipe overwrites the key with zeros and drops the reference.
func (s *sivAead) Wipe() {
	for i := range s.key {
		s.key[i] = 0
	}
	s.key = nil
}
