package contentenc

// Per-file header
//
// Format (big endian):
// [ "Version" uint16 ] [ "BlockSize" uint32 ] [ "KeyVersion" uint32 ] [ "LogicalSize" uint64 ]

import (
	"encoding/binary"
	"fmt"
	"log"
)

const (
	// CurrentVersion is the current On-Disk-Format version
	CurrentVersion = 1

	// HeaderLen is the total header length
	HeaderLen = 2 + 4 + 4 + 8
)

// FileHeader represents the header stored on each container.
type FileHeader struct {
	Version     uint16
	BlockSize   uint32
	KeyVersion  uint32
	LogicalSize uint64
}

// NewHeader returns the header of an empty container.
func NewHeader(blockSize uint64, keyVersion uint32) *FileHeader {
	return &FileHeader{
		Version:    CurrentVersion,
		BlockSize:  uint32(blockSize),
		KeyVersion: keyVersion,
	}
}

// Pack - serialize fileHeader object
func (h *FileHeader) Pack() []byte {
	if h.Version != CurrentVersion || h.BlockSize == 0 {
		log.Panicf("FileHeader object not properly initialized: %+v", *h)
	}
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(buf[0:], h.Version)
	binary.BigEndian.PutUint32(buf[2:], h.BlockSize)
	binary.BigEndian.PutUint32(buf[6:], h.KeyVersion)
	binary.BigEndian.PutUint64(buf[10:], h.LogicalSize)
	return buf
}

// ParseHeader - parse "buf" into fileHeader object
func ParseHeader(buf []byte) (*FileHeader, error) {
	if len(buf) != HeaderLen {
		return nil, fmt.Errorf("%w: header: invalid length: got %d, want %d", ErrCorrupt, len(buf), HeaderLen)
	}
	var h FileHeader
	h.Version = binary.BigEndian.Uint16(buf[0:])
	if h.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: header: invalid version: got %d, want %d", ErrCorrupt, h.Version, CurrentVersion)
	}
	h.BlockSize = binary.BigEndian.Uint32(buf[2:])
	if h.BlockSize == 0 || h.BlockSize > MaxBS {
		return nil, fmt.Errorf("%w: header: invalid block size %d", ErrCorrupt, h.BlockSize)
	}
	h.KeyVersion = binary.BigEndian.Uint32(buf[6:])
	h.LogicalSize = binary.BigEndian.Uint64(buf[10:])
	return &h, nil
}
