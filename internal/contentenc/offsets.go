package contentenc

import (
	"log"

	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// Contentenc methods that translate offsets between ciphertext and plaintext

// PlainOffToBlockNo converts a plaintext offset to the ciphertext block number.
func (be *ContentEnc) PlainOffToBlockNo(plainOffset uint64) uint64 {
	return plainOffset / be.plainBS
}

// CipherOffToBlockNo converts the ciphertext offset to the plaintext block number.
func (be *ContentEnc) CipherOffToBlockNo(cipherOffset uint64) uint64 {
	if cipherOffset < HeaderLen {
		log.Panicf("BUG: offset %d is inside the file header", cipherOffset)
	}
	return (cipherOffset - HeaderLen) / be.cipherBS
}

// BlockNoToCipherOff gets the ciphertext offset of block "blockNo"
func (be *ContentEnc) BlockNoToCipherOff(blockNo uint64) uint64 {
	return HeaderLen + blockNo*be.cipherBS
}

// BlockNoToPlainOff gets the plaintext offset of block "blockNo"
func (be *ContentEnc) BlockNoToPlainOff(blockNo uint64) uint64 {
	return blockNo * be.plainBS
}

// BlockCount is the number of chunks a container of "logicalSize" bytes has.
func (be *ContentEnc) BlockCount(logicalSize uint64) uint64 {
	return (logicalSize + be.plainBS - 1) / be.plainBS
}

// BlockPlainLen is the plaintext length of block "blockNo" in a file of
// "logicalSize" bytes. Zero for blocks past the end.
func (be *ContentEnc) BlockPlainLen(blockNo uint64, logicalSize uint64) uint64 {
	start := be.BlockNoToPlainOff(blockNo)
	if start >= logicalSize {
		return 0
	}
	return MinUint64(be.plainBS, logicalSize-start)
}

// CipherSizeToPlainSize calculates the plaintext size from a ciphertext size.
// Only used when the header cannot be trusted or is missing; the header's
// LogicalSize is authoritative otherwise.
func (be *ContentEnc) CipherSizeToPlainSize(cipherSize uint64) uint64 {
	// Zero-sized files stay zero-sized
	if cipherSize == 0 {
		return 0
	}
	if cipherSize == HeaderLen {
		return 0
	}
	if cipherSize < HeaderLen {
		tlog.Warn.Printf("cipherSize %d < header size %d: corrupt file\n", cipherSize, HeaderLen)
		return 0
	}
	blockCount := (cipherSize - HeaderLen + be.cipherBS - 1) / be.cipherBS
	lastChunkLen := cipherSize - HeaderLen - (blockCount-1)*be.cipherBS
	if lastChunkLen <= be.BlockOverhead() {
		tlog.Warn.Printf("cipherSize %d: last chunk has no payload, torn write?", cipherSize)
		return (blockCount - 1) * be.plainBS
	}
	return cipherSize - be.BlockOverhead()*blockCount - HeaderLen
}

// PlainSizeToCipherSize calculates the ciphertext size from a plaintext size.
func (be *ContentEnc) PlainSizeToCipherSize(plainSize uint64) uint64 {
	// An empty container still carries its header
	if plainSize == 0 {
		return HeaderLen
	}
	blockCount := be.BlockCount(plainSize)
	overhead := be.BlockOverhead()*blockCount + HeaderLen
	return plainSize + overhead
}

// ExplodePlainRange splits a plaintext byte range into (possibly partial) blocks
// Returns an empty slice if length == 0.
func (be *ContentEnc) ExplodePlainRange(offset uint64, length uint64) []IntraBlock {
	var blocks []IntraBlock
	var nextBlock IntraBlock
	nextBlock.fs = be

	for length > 0 {
		nextBlock.BlockNo = be.PlainOffToBlockNo(offset)
		nextBlock.Skip = offset - be.BlockNoToPlainOff(nextBlock.BlockNo)

		// Minimum of remaining plaintext data and remaining space in the block
		nextBlock.Length = MinUint64(length, be.plainBS-nextBlock.Skip)

		blocks = append(blocks, nextBlock)
		offset += nextBlock.Length
		length -= nextBlock.Length
	}
	return blocks
}

// BlockOverhead returns the per-block overhead.
func (be *ContentEnc) BlockOverhead() uint64 {
	return be.cipherBS - be.plainBS
}

// MinUint64 returns the minimum of two uint64 values.
func MinUint64(x uint64, y uint64) uint64 {
	if x < y {
		return x
	}
	return y
}
