// Package contentenc encrypts and decrypts file blocks and knows the on-disk
// layout of an encrypted container.
package contentenc

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/pathkeyfs/pathkeyfs/internal/cryptocore"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

const (
	// DefaultBS is the default plaintext block size
	DefaultBS = 4096
	// MaxBS is the largest block size we accept in a header or config file
	MaxBS = 1 << 20
	// Blocks per request before DecryptBlocks fans out to multiple goroutines.
	parallelThreshold = 8
)

// ErrCorrupt is returned when a chunk cannot be authenticated or has the
// wrong size. It indicates tampering or a torn write.
var ErrCorrupt = errors.New("corrupt data")

// ContentEnc holds the block geometry that is shared by all files of a mount.
type ContentEnc struct {
	// Which AEAD to build for each file key
	backend cryptocore.AEADTypeEnum
	// Plaintext block size
	plainBS uint64
	// Ciphertext block size
	cipherBS uint64
	// Ciphertext block pool. Always returns cipherBS-sized byte slices.
	cBlockPool bPool
}

// New returns an initialized ContentEnc instance.
func New(backend cryptocore.AEADTypeEnum, plainBS uint64) *ContentEnc {
	if plainBS == 0 || plainBS > MaxBS {
		log.Panicf("invalid block size %d", plainBS)
	}
	cipherBS := plainBS + uint64(backend.NonceSize) + cryptocore.AuthTagLen
	return &ContentEnc{
		backend:    backend,
		plainBS:    plainBS,
		cipherBS:   cipherBS,
		cBlockPool: newBPool(int(cipherBS)),
	}
}

// PlainBS returns the plaintext block size
func (be *ContentEnc) PlainBS() uint64 {
	return be.plainBS
}

// CipherBS returns the ciphertext block size
func (be *ContentEnc) CipherBS() uint64 {
	return be.cipherBS
}

// Backend returns the AEAD backend used for new FileCiphers.
func (be *ContentEnc) Backend() cryptocore.AEADTypeEnum {
	return be.backend
}

// Chunk is one encrypted block as stored on disk: nonce || ciphertext || tag.
type Chunk struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// Len is the on-disk length of the chunk.
func (c Chunk) Len() int {
	return len(c.Nonce) + len(c.Ciphertext) + len(c.Tag)
}

// Bytes serializes the chunk.
func (c Chunk) Bytes() []byte {
	out := make([]byte, 0, c.Len())
	out = append(out, c.Nonce...)
	out = append(out, c.Ciphertext...)
	return append(out, c.Tag...)
}

// ParseChunk splits "buf" into nonce, ciphertext and tag. The returned chunk
// references "buf".
func (be *ContentEnc) ParseChunk(buf []byte) (Chunk, error) {
	ivLen := be.backend.NonceSize
	if len(buf) == 0 {
		return Chunk{}, nil
	}
	if len(buf) < ivLen+cryptocore.AuthTagLen || uint64(len(buf)) > be.cipherBS {
		return Chunk{}, fmt.Errorf("%w: chunk length %d", ErrCorrupt, len(buf))
	}
	tagStart := len(buf) - cryptocore.AuthTagLen
	return Chunk{
		Nonce:      buf[:ivLen],
		Ciphertext: buf[ivLen:tagStart],
		Tag:        buf[tagStart:],
	}, nil
}

// FileCipher encrypts and decrypts the blocks of a file under one content key.
type FileCipher struct {
	ce         *ContentEnc
	cc         *cryptocore.CryptoCore
	keyVersion uint32
}

// NewFileCipher builds the AEAD for content key "key" at version "keyVersion".
func (be *ContentEnc) NewFileCipher(key []byte, keyVersion uint32) *FileCipher {
	return &FileCipher{
		ce:         be,
		cc:         cryptocore.New(key, be.backend),
		keyVersion: keyVersion,
	}
}

// KeyVersion is the key version this cipher was built for. It ends up in
// the file header.
func (fc *FileCipher) KeyVersion() uint32 {
	return fc.keyVersion
}

// Wipe drops the key material.
func (fc *FileCipher) Wipe() {
	fc.cc.Wipe()
}

// aData binds a chunk to its position and to the key version.
func (fc *FileCipher) aData(blockNo uint64) []byte {
	a := make([]byte, 12)
	binary.BigEndian.PutUint64(a, blockNo)
	binary.BigEndian.PutUint32(a[8:], fc.keyVersion)
	return a
}

// EncryptBlock encrypts "plaintext" under a fresh random nonce.
func (fc *FileCipher) EncryptBlock(plaintext []byte, blockNo uint64) Chunk {
	if len(plaintext) == 0 {
		return Chunk{}
	}
	if uint64(len(plaintext)) > fc.ce.plainBS {
		log.Panicf("BUG: plaintext block too big: %d > %d", len(plaintext), fc.ce.plainBS)
	}
	sealed := fc.cc.Seal(plaintext, fc.aData(blockNo))
	c, err := fc.ce.ParseChunk(sealed)
	if err != nil {
		log.Panic(err)
	}
	return c
}

// EncryptBlocks splits "plaintext" into blocks and encrypts them. Used for
// re-keying where whole files are rewritten.
func (fc *FileCipher) EncryptBlocks(plaintext []byte, firstBlockNo uint64) []Chunk {
	var out []Chunk
	bs := int(fc.ce.plainBS)
	for blockNo := firstBlockNo; len(plaintext) > 0; blockNo++ {
		n := bs
		if len(plaintext) < n {
			n = len(plaintext)
		}
		out = append(out, fc.EncryptBlock(plaintext[:n], blockNo))
		plaintext = plaintext[n:]
	}
	return out
}

// DecryptBlock verifies and decrypts a chunk. An all-zero chunk is not
// special and fails authentication like any other damage.
func (fc *FileCipher) DecryptBlock(c Chunk, blockNo uint64) ([]byte, error) {
	if c.Len() == 0 {
		return nil, nil
	}
	if len(c.Nonce) != fc.cc.IVLen || len(c.Tag) != cryptocore.AuthTagLen {
		return nil, fmt.Errorf("%w: block %d: malformed chunk", ErrCorrupt, blockNo)
	}
	sealed := make([]byte, 0, c.Len())
	sealed = append(sealed, c.Nonce...)
	sealed = append(sealed, c.Ciphertext...)
	sealed = append(sealed, c.Tag...)
	plaintext, err := fc.cc.Open(sealed, fc.aData(blockNo))
	if err != nil {
		tlog.Warn.Printf("DecryptBlock: block %d: %v, len=%d", blockNo, err, c.Len())
		tlog.Debug.Println(hex.Dump(sealed))
		return nil, fmt.Errorf("%w: block %d: %w", ErrCorrupt, blockNo, err)
	}
	return plaintext, nil
}

// DecryptBlocks decrypts consecutive chunks starting at "firstBlockNo" and
// returns the concatenated plaintext. Large requests are spread over
// several goroutines.
func (fc *FileCipher) DecryptBlocks(chunks []Chunk, firstBlockNo uint64) ([]byte, error) {
	parts := make([][]byte, len(chunks))
	if len(chunks) < parallelThreshold {
		for i, c := range chunks {
			p, err := fc.DecryptBlock(c, firstBlockNo+uint64(i))
			if err != nil {
				return nil, err
			}
			parts[i] = p
		}
	} else {
		var g errgroup.Group
		g.SetLimit(runtime.NumCPU())
		for i := range chunks {
			g.Go(func() error {
				p, err := fc.DecryptBlock(chunks[i], firstBlockNo+uint64(i))
				parts[i] = p
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return bytes.Join(parts, nil), nil
}

// MergeBlocks - Merge newData into oldData at offset
// New block may be bigger than both newData and oldData
func (be *ContentEnc) MergeBlocks(oldData []byte, newData []byte, offset int) []byte {
	// Make block of maximum size
	out := make([]byte, be.plainBS)

	// Copy old and new data into it
	copy(out, oldData)
	l := len(newData)
	copy(out[offset:offset+l], newData)

	// Crop to length
	outLen := len(oldData)
	newLen := offset + len(newData)
	if outLen < newLen {
		outLen = newLen
	}
	return out[0:outLen]
}
