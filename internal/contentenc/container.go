package contentenc

import (
	"errors"
	"fmt"
	"io"
)

// ReadHeader reads and parses the header at the start of the container.
// It returns io.EOF if the file is empty, i.e. the header has not been
// written yet.
func ReadHeader(r io.ReaderAt) (*FileHeader, error) {
	buf := make([]byte, HeaderLen)
	n, err := r.ReadAt(buf, 0)
	if n == 0 && errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if n < HeaderLen {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: header: short read of %d bytes", ErrCorrupt, n)
		}
		return nil, err
	}
	return ParseHeader(buf)
}

// WriteHeader writes "h" at the start of the container.
func WriteHeader(w io.WriterAt, h *FileHeader) error {
	_, err := w.WriteAt(h.Pack(), 0)
	return err
}

// ReadChunk reads block "blockNo" of a container holding "logicalSize"
// plaintext bytes. It returns io.EOF for blocks past the end.
func (be *ContentEnc) ReadChunk(r io.ReaderAt, blockNo uint64, logicalSize uint64) (Chunk, error) {
	chunks, err := be.ReadChunks(r, blockNo, 1, logicalSize)
	if err != nil {
		return Chunk{}, err
	}
	if len(chunks) == 0 {
		return Chunk{}, io.EOF
	}
	return chunks[0], nil
}

// ReadChunks reads up to "count" consecutive chunks starting at
// "firstBlockNo" with a single ReadAt. Chunks past the logical end are not
// returned. A chunk that is shorter on disk than the header says is
// reported as ErrCorrupt.
func (be *ContentEnc) ReadChunks(r io.ReaderAt, firstBlockNo uint64, count uint64, logicalSize uint64) ([]Chunk, error) {
	nBlocks := be.BlockCount(logicalSize)
	if firstBlockNo >= nBlocks || count == 0 {
		return nil, nil
	}
	if firstBlockNo+count > nBlocks {
		count = nBlocks - firstBlockNo
	}
	lastBlockNo := firstBlockNo + count - 1
	off := be.BlockNoToCipherOff(firstBlockNo)
	end := be.BlockNoToCipherOff(lastBlockNo) + be.BlockPlainLen(lastBlockNo, logicalSize) + be.BlockOverhead()
	buf := make([]byte, end-off)
	n, err := r.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	chunks := make([]Chunk, 0, count)
	for blockNo := firstBlockNo; blockNo <= lastBlockNo; blockNo++ {
		want := be.BlockPlainLen(blockNo, logicalSize) + be.BlockOverhead()
		if uint64(n) < want {
			return nil, fmt.Errorf("%w: block %d: short chunk, have %d of %d bytes", ErrCorrupt, blockNo, n, want)
		}
		c, err := be.ParseChunk(buf[:want])
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
		buf = buf[want:]
		n -= int(want)
	}
	return chunks, nil
}

// WriteChunks writes consecutive chunks starting at "firstBlockNo" with a
// single WriteAt.
func (be *ContentEnc) WriteChunks(w io.WriterAt, firstBlockNo uint64, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	var buf []byte
	for i, c := range chunks {
		if i < len(chunks)-1 && uint64(c.Len()) != be.cipherBS {
			return fmt.Errorf("chunk %d of %d is not full-sized", i, len(chunks))
		}
		buf = append(buf, c.Bytes()...)
	}
	_, err := w.WriteAt(buf, int64(be.BlockNoToCipherOff(firstBlockNo)))
	return err
}

// ForEachChunk calls "fn" for every chunk of the container. A chunk that is
// too short on disk is passed as an empty Chunk together with an ErrCorrupt
// error, so callers can keep going. The chunk is only valid for the
// duration of the call.
func (be *ContentEnc) ForEachChunk(r io.ReaderAt, logicalSize uint64, fn func(blockNo uint64, c Chunk, cErr error) error) error {
	buf := be.cBlockPool.Get()
	defer be.cBlockPool.Put(buf)
	nBlocks := be.BlockCount(logicalSize)
	for blockNo := uint64(0); blockNo < nBlocks; blockNo++ {
		want := int(be.BlockPlainLen(blockNo, logicalSize) + be.BlockOverhead())
		n, err := r.ReadAt(buf[:want], int64(be.BlockNoToCipherOff(blockNo)))
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		var c Chunk
		var cErr error
		if n < want {
			cErr = fmt.Errorf("%w: block %d: short chunk, have %d of %d bytes", ErrCorrupt, blockNo, n, want)
		} else {
			c, cErr = be.ParseChunk(buf[:want])
		}
		if err := fn(blockNo, c, cErr); err != nil {
			return err
		}
	}
	return nil
}
