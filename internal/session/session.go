package session

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
	"github.com/pathkeyfs/pathkeyfs/internal/inomap"
	"github.com/pathkeyfs/pathkeyfs/internal/keystore"
	"github.com/pathkeyfs/pathkeyfs/internal/openfiletable"
	"github.com/pathkeyfs/pathkeyfs/internal/syscallcompat"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// Session is one open encrypted file.
type Session struct {
	fd *os.File
	// Has Release() already been called on this session? This also means
	// that the open file table entry has been freed.
	// Due to concurrency, Release can overtake other operations. These will
	// return EBADF in that case.
	released bool
	// fdLock prevents the fd to be closed while we are in the middle of
	// an operation.
	// Every entrypoint should RLock(). The only user of Lock() is
	// Release(), which closes the fd and sets "released" to true.
	fdLock sync.RWMutex
	// Virtual path at open time. Only used for log messages, the file may
	// have been renamed since.
	path string
	// Device and inode number uniquely identify the backing file
	qIno inomap.QIno
	// Entry in the open file table
	entry *openfiletable.Entry
	// Cipher for the key version named in the header, resolved at open
	cipher     *contentenc.FileCipher
	contentEnc *contentenc.ContentEnc
	t          *Transform
}

// newSession wraps the open backing file "fd" of the virtual path "p".
// "ck" is the current key of "p". If the header names an older key
// version, the retired key is used instead.
func (t *Transform) newSession(fd int, p string, ck keystore.ContentKey) (*Session, error) {
	var st syscall.Stat_t
	err := syscall.Fstat(fd, &st)
	if err != nil {
		tlog.Warn.Printf("newSession: Fstat on fd %d failed: %v\n", fd, err)
		syscall.Close(fd)
		return nil, err
	}
	if st.Mode&syscall.S_IFMT != syscall.S_IFREG {
		syscall.Close(fd)
		return nil, syscall.EINVAL
	}
	qi := inomap.QInoFromStat(&st)
	s := &Session{
		fd:         os.NewFile(uintptr(fd), p),
		path:       p,
		qIno:       qi,
		entry:      openfiletable.Register(qi),
		contentEnc: t.args.ContentEnc,
		t:          t,
	}
	s.entry.ContentLock.RLock()
	h, err := s.header()
	s.entry.ContentLock.RUnlock()
	if err == nil && h != nil && h.KeyVersion != ck.Version {
		var ok bool
		ck, ok = t.args.Keys.GetVersion(p, h.KeyVersion)
		if !ok {
			t.args.Metrics.RecordAccessDenied()
			tlog.Warn.Printf("ino%d: %q: header wants key version %d, which is unknown", qi.Ino, p, h.KeyVersion)
			err = fmt.Errorf("%w: %s: key version %d", ErrAccessDenied, p, h.KeyVersion)
		}
	}
	if err != nil {
		openfiletable.Unregister(qi)
		s.fd.Close()
		return nil, err
	}
	s.cipher = t.args.ContentEnc.NewFileCipher(ck.Key, ck.Version)
	t.args.Metrics.SessionOpened()
	return s, nil
}

// intFd - return the backing file descriptor as an integer.
func (s *Session) intFd() int {
	return int(s.fd.Fd())
}

// cachedHeader returns a copy of the header cached in the open file table
// for the file described by "st", or nil.
func cachedHeader(st *syscall.Stat_t) *contentenc.FileHeader {
	e := openfiletable.Lookup(inomap.QInoFromStat(st))
	if e == nil {
		return nil
	}
	e.HeaderLock.Lock()
	defer e.HeaderLock.Unlock()
	if e.Header == nil {
		return nil
	}
	h := *e.Header
	return &h
}

// header returns a copy of the container header, either from the open file
// table or from disk. nil means that the file has no header yet.
// The caller must hold ContentLock.
func (s *Session) header() (*contentenc.FileHeader, error) {
	e := s.entry
	e.HeaderLock.Lock()
	defer e.HeaderLock.Unlock()
	if e.Header == nil {
		h, err := contentenc.ReadHeader(s.fd)
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			tlog.Warn.Printf("ino%d: corrupt header: %v", s.qIno.Ino, err)
			s.t.args.Metrics.RecordCorrupt()
			return nil, err
		}
		if uint64(h.BlockSize) != s.contentEnc.PlainBS() {
			tlog.Warn.Printf("ino%d: header block size %d does not match the mount's %d",
				s.qIno.Ino, h.BlockSize, s.contentEnc.PlainBS())
			return nil, fmt.Errorf("%w: block size %d, want %d", contentenc.ErrCorrupt, h.BlockSize, s.contentEnc.PlainBS())
		}
		e.Header = h
	}
	h := *e.Header
	return &h, nil
}

// writeHeader writes "h" to disk and into the open file table.
// The caller must hold ContentLock exclusively.
func (s *Session) writeHeader(h *contentenc.FileHeader) error {
	if err := contentenc.WriteHeader(s.fd, h); err != nil {
		tlog.Warn.Printf("ino%d: writing header failed: %v", s.qIno.Ino, err)
		return err
	}
	c := *h
	s.entry.HeaderLock.Lock()
	s.entry.Header = &c
	s.entry.HeaderLock.Unlock()
	return nil
}

// initHeader writes the header of an empty container.
func (s *Session) initHeader() error {
	s.entry.ContentLock.Lock()
	defer s.entry.ContentLock.Unlock()
	// Prevent partially written (=corrupt) header by preallocating the space beforehand
	if !s.t.args.NoPrealloc {
		err := syscallcompat.EnospcPrealloc(s.intFd(), 0, contentenc.HeaderLen)
		if err != nil {
			if !syscallcompat.IsENOSPC(err) {
				tlog.Warn.Printf("ino%d: initHeader: prealloc failed: %s\n", s.qIno.Ino, err.Error())
			}
			return err
		}
	}
	return s.writeHeader(contentenc.NewHeader(s.contentEnc.PlainBS(), s.cipher.KeyVersion()))
}

// newHeaderIfNil returns "h", or a fresh header if the file has none yet.
func (s *Session) newHeaderIfNil(h *contentenc.FileHeader) *contentenc.FileHeader {
	if h != nil {
		return h
	}
	return contentenc.NewHeader(s.contentEnc.PlainBS(), s.cipher.KeyVersion())
}

// checkKeyVersion makes sure the chunks of the file can be handled by our
// cipher. Another session may have written the first header with a
// different key version.
func (s *Session) checkKeyVersion(h *contentenc.FileHeader) error {
	if h != nil && h.KeyVersion != s.cipher.KeyVersion() {
		tlog.Warn.Printf("ino%d: header key version %d, session has %d", s.qIno.Ino, h.KeyVersion, s.cipher.KeyVersion())
		return fmt.Errorf("%w: %s: key version changed", ErrAccessDenied, s.path)
	}
	return nil
}

// doRead reads "length" plaintext bytes from plaintext offset "off" of a
// file that is "size" bytes long. The range must lie within the file.
//
// Called by Read() for normal reading, and by the write paths for
// read-modify-write.
func (s *Session) doRead(off uint64, length uint64, size uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	blocks := s.contentEnc.ExplodePlainRange(off, length)
	firstBlockNo := blocks[0].BlockNo
	chunks, err := s.contentEnc.ReadChunks(s.fd, firstBlockNo, uint64(len(blocks)), size)
	if err != nil {
		if errors.Is(err, contentenc.ErrCorrupt) {
			s.t.args.Metrics.RecordCorrupt()
		}
		tlog.Warn.Printf("ino%d: doRead: off=%d len=%d: %v", s.qIno.Ino, off, length, err)
		return nil, err
	}
	plaintext, err := s.cipher.DecryptBlocks(chunks, firstBlockNo)
	if err != nil {
		s.t.args.Metrics.RecordCorrupt()
		tlog.Warn.Printf("ino%d: doRead: off=%d len=%d: %v", s.qIno.Ino, off, length, err)
		return nil, err
	}
	s.t.args.Metrics.RecordDecrypt(len(chunks))
	// Crop down to the relevant part
	skip := blocks[0].Skip
	lenHave := uint64(len(plaintext))
	lenWant := skip + length
	if lenHave < lenWant {
		log.Panicf("ino%d: BUG: decrypted %d bytes, want %d", s.qIno.Ino, lenHave, lenWant)
	}
	return plaintext[skip:lenWant], nil
}

// Read returns the plaintext bytes [off, min(off+length, size)). The result
// is empty if "off" is at or beyond the end of the file.
func (s *Session) Read(off uint64, length uint64) ([]byte, error) {
	s.fdLock.RLock()
	defer s.fdLock.RUnlock()
	if s.released {
		return nil, syscall.EBADF
	}
	s.entry.ContentLock.RLock()
	defer s.entry.ContentLock.RUnlock()

	tlog.Debug.Printf("ino%d: Read: offset=%d length=%d", s.qIno.Ino, off, length)
	h, err := s.header()
	if err != nil {
		return nil, err
	}
	if h == nil || off >= h.LogicalSize {
		return nil, nil
	}
	if err := s.checkKeyVersion(h); err != nil {
		return nil, err
	}
	length = contentenc.MinUint64(length, h.LogicalSize-off)
	out, err := s.doRead(off, length, h.LogicalSize)
	if err != nil {
		return nil, err
	}
	s.t.args.Metrics.RecordRead(len(out))
	return out, nil
}

// reencryptBlock rewrites block "blockNo" of a file that is "size" bytes
// long so that it holds "newLen" plaintext bytes. The block is cut or
// zero-padded as needed.
// The caller must hold ContentLock exclusively.
func (s *Session) reencryptBlock(blockNo uint64, size uint64, newLen uint64) error {
	off := s.contentEnc.BlockNoToPlainOff(blockNo)
	oldData, err := s.doRead(off, s.contentEnc.BlockPlainLen(blockNo, size), size)
	if err != nil {
		return err
	}
	plain := make([]byte, newLen)
	copy(plain, oldData)
	return s.writeChunks(blockNo, []contentenc.Chunk{s.cipher.EncryptBlock(plain, blockNo)})
}

// writeChunks preallocates space and writes "chunks" starting at "firstBlockNo".
func (s *Session) writeChunks(firstBlockNo uint64, chunks []contentenc.Chunk) error {
	var cLen int
	for _, c := range chunks {
		cLen += c.Len()
	}
	// Preallocate so we cannot run out of space in the middle of the write.
	// This prevents partially written (=corrupt) blocks.
	cOff := int64(s.contentEnc.BlockNoToCipherOff(firstBlockNo))
	if !s.t.args.NoPrealloc {
		err := syscallcompat.EnospcPrealloc(s.intFd(), cOff, int64(cLen))
		if err != nil {
			if !syscallcompat.IsENOSPC(err) {
				tlog.Warn.Printf("ino%d: prealloc failed: %v", s.qIno.Ino, err)
			}
			return err
		}
	}
	if err := s.contentEnc.WriteChunks(s.fd, firstBlockNo, chunks); err != nil {
		tlog.Warn.Printf("ino%d: WriteAt off=%d len=%d failed: %v", s.qIno.Ino, cOff, cLen, err)
		return err
	}
	s.t.args.Metrics.RecordEncrypt(len(chunks))
	return nil
}

// zeroBlocksBatch limits how many zero chunks fillZeroBlocks encrypts
// before writing them out.
const zeroBlocksBatch = 64

// fillZeroBlocks writes encrypted all-zero chunks for the blocks
// [firstBlockNo, endBlockNo). Files never contain unauthenticated holes.
// The caller must hold ContentLock exclusively.
func (s *Session) fillZeroBlocks(firstBlockNo uint64, endBlockNo uint64) error {
	if firstBlockNo >= endBlockNo {
		return nil
	}
	tlog.Debug.Printf("ino%d: zero-filling blocks #%d..#%d", s.qIno.Ino, firstBlockNo, endBlockNo-1)
	zeros := make([]byte, s.contentEnc.PlainBS())
	for blockNo := firstBlockNo; blockNo < endBlockNo; {
		n := contentenc.MinUint64(endBlockNo-blockNo, zeroBlocksBatch)
		chunks := make([]contentenc.Chunk, n)
		for i := range chunks {
			chunks[i] = s.cipher.EncryptBlock(zeros, blockNo+uint64(i))
		}
		if err := s.writeChunks(blockNo, chunks); err != nil {
			return err
		}
		blockNo += n
	}
	return nil
}

// padLastBlock zero-pads the partial last block of the file to "upTo" bytes,
// or to the block end if "upTo" lies beyond it. The header is updated right
// away so that the on-disk chunk length and the logical size agree.
// The caller must hold ContentLock exclusively.
func (s *Session) padLastBlock(h *contentenc.FileHeader, upTo uint64) error {
	bs := s.contentEnc.PlainBS()
	size := h.LogicalSize
	if size%bs == 0 || upTo <= size {
		return nil
	}
	lastBlockNo := s.contentEnc.PlainOffToBlockNo(size - 1)
	blockStart := s.contentEnc.BlockNoToPlainOff(lastBlockNo)
	newSize := contentenc.MinUint64(blockStart+bs, upTo)
	tlog.Debug.Printf("ino%d: padding block #%d from %d to %d bytes", s.qIno.Ino, lastBlockNo, size-blockStart, newSize-blockStart)
	if err := s.reencryptBlock(lastBlockNo, size, newSize-blockStart); err != nil {
		return err
	}
	h.LogicalSize = newSize
	return s.writeHeader(h)
}

// doWrite encrypts "data" and writes it to plaintext offset "off".
// Read-modify-write is performed for partial blocks.
// The caller must hold ContentLock exclusively.
func (s *Session) doWrite(data []byte, off uint64) error {
	h, err := s.header()
	if err != nil {
		return err
	}
	if err := s.checkKeyVersion(h); err != nil {
		return err
	}
	hadHeader := h != nil
	h = s.newHeaderIfNil(h)
	end := off + uint64(len(data))
	// If the write starts in a later block, the old last block has to be
	// zero-padded to its full size and the blocks in between zero-filled.
	firstBlockNo := s.contentEnc.PlainOffToBlockNo(off)
	if err := s.padLastBlock(h, s.contentEnc.BlockNoToPlainOff(firstBlockNo)); err != nil {
		return err
	}
	if err := s.fillZeroBlocks(s.contentEnc.BlockCount(h.LogicalSize), firstBlockNo); err != nil {
		return err
	}
	size := h.LogicalSize
	blocks := s.contentEnc.ExplodePlainRange(off, uint64(len(data)))
	chunks := make([]contentenc.Chunk, len(blocks))
	for i, b := range blocks {
		blockData := data[:b.Length]
		data = data[b.Length:]
		// Incomplete block -> Read-Modify-Write
		if b.IsPartial() {
			var oldData []byte
			if oldLen := s.contentEnc.BlockPlainLen(b.BlockNo, size); oldLen > 0 {
				oldData, err = s.doRead(b.BlockPlainOff(), oldLen, size)
				if err != nil {
					tlog.Warn.Printf("ino%d: RMW read failed: %v", s.qIno.Ino, err)
					return err
				}
			}
			blockData = s.contentEnc.MergeBlocks(oldData, blockData, int(b.Skip))
		}
		tlog.Debug.Printf("ino%d: writing %d bytes to block #%d", s.qIno.Ino, len(blockData), b.BlockNo)
		chunks[i] = s.cipher.EncryptBlock(blockData, b.BlockNo)
	}
	if err := s.writeChunks(blocks[0].BlockNo, chunks); err != nil {
		return err
	}
	if end > size {
		size = end
	}
	if size != h.LogicalSize || !hadHeader {
		h.LogicalSize = size
		return s.writeHeader(h)
	}
	return nil
}

// Write encrypts "data" and writes it at plaintext offset "off". It returns
// len(data) on success. Empty writes do nothing.
func (s *Session) Write(off uint64, data []byte) (int, error) {
	s.fdLock.RLock()
	defer s.fdLock.RUnlock()
	if s.released {
		// The file descriptor has been closed concurrently
		tlog.Warn.Printf("ino%d: Write on released file", s.qIno.Ino)
		return 0, syscall.EBADF
	}
	if len(data) == 0 {
		return 0, nil
	}
	s.entry.ContentLock.Lock()
	defer s.entry.ContentLock.Unlock()
	tlog.Debug.Printf("ino%d: Write: offset=%d length=%d", s.qIno.Ino, off, len(data))
	if err := s.doWrite(data, off); err != nil {
		return 0, err
	}
	s.t.args.Metrics.RecordWrite(len(data))
	return len(data), nil
}

// Truncate sets the logical size of the file to "newSize".
func (s *Session) Truncate(newSize uint64) error {
	s.fdLock.RLock()
	defer s.fdLock.RUnlock()
	if s.released {
		return syscall.EBADF
	}
	s.entry.ContentLock.Lock()
	defer s.entry.ContentLock.Unlock()

	h, err := s.header()
	if err != nil {
		return err
	}
	if err := s.checkKeyVersion(h); err != nil {
		return err
	}
	hadHeader := h != nil
	h = s.newHeaderIfNil(h)
	oldSize := h.LogicalSize
	tlog.Debug.Printf("ino%d: Truncate: %d -> %d", s.qIno.Ino, oldSize, newSize)
	if newSize == oldSize {
		if hadHeader {
			return nil
		}
		return s.writeHeader(h)
	}
	if newSize < oldSize {
		return s.truncateShrink(h, newSize)
	}
	return s.truncateGrow(h, newSize)
}

// truncateShrink re-encrypts the new last block if the cut falls inside of
// it, writes the header and drops the trailing chunks.
func (s *Session) truncateShrink(h *contentenc.FileHeader, newSize uint64) error {
	bs := s.contentEnc.PlainBS()
	if newSize%bs != 0 {
		lastBlockNo := s.contentEnc.PlainOffToBlockNo(newSize - 1)
		if err := s.reencryptBlock(lastBlockNo, h.LogicalSize, newSize%bs); err != nil {
			return err
		}
	}
	h.LogicalSize = newSize
	if err := s.writeHeader(h); err != nil {
		return err
	}
	cSize := s.contentEnc.PlainSizeToCipherSize(newSize)
	if err := syscallcompat.Ftruncate(s.intFd(), int64(cSize)); err != nil {
		tlog.Warn.Printf("ino%d: Ftruncate to %d failed: %v", s.qIno.Ino, cSize, err)
		return err
	}
	return nil
}

// truncateGrow zero-pads the old last block, zero-fills the blocks in
// between and writes the new last block.
func (s *Session) truncateGrow(h *contentenc.FileHeader, newSize uint64) error {
	if err := s.padLastBlock(h, newSize); err != nil {
		return err
	}
	if h.LogicalSize < newSize {
		lastBlockNo := s.contentEnc.PlainOffToBlockNo(newSize - 1)
		if err := s.fillZeroBlocks(s.contentEnc.BlockCount(h.LogicalSize), lastBlockNo); err != nil {
			return err
		}
		zeros := make([]byte, s.contentEnc.BlockPlainLen(lastBlockNo, newSize))
		if err := s.writeChunks(lastBlockNo, []contentenc.Chunk{s.cipher.EncryptBlock(zeros, lastBlockNo)}); err != nil {
			return err
		}
	}
	h.LogicalSize = newSize
	return s.writeHeader(h)
}

// Size returns the logical size of the file.
func (s *Session) Size() (uint64, error) {
	s.fdLock.RLock()
	defer s.fdLock.RUnlock()
	if s.released {
		return 0, syscall.EBADF
	}
	s.entry.ContentLock.RLock()
	defer s.entry.ContentLock.RUnlock()
	h, err := s.header()
	if err != nil || h == nil {
		return 0, err
	}
	return h.LogicalSize, nil
}

// Flush is called on each close() of a file descriptor. The data is pushed
// to the backing storage, but the backing file stays open.
func (s *Session) Flush() error {
	s.fdLock.RLock()
	defer s.fdLock.RUnlock()
	if s.released {
		return syscall.EBADF
	}
	if err := syscallcompat.Flush(s.intFd()); err != nil {
		return err
	}
	return syscallcompat.Fdatasync(s.intFd())
}

// Fsync flushes data and metadata of the backing file.
func (s *Session) Fsync() error {
	s.fdLock.RLock()
	defer s.fdLock.RUnlock()
	if s.released {
		return syscall.EBADF
	}
	return syscallcompat.Fsync(s.intFd())
}

// Stat returns the stat data of the backing file.
func (s *Session) Stat() (*syscall.Stat_t, error) {
	s.fdLock.RLock()
	defer s.fdLock.RUnlock()
	if s.released {
		return nil, syscall.EBADF
	}
	var st syscall.Stat_t
	if err := syscall.Fstat(s.intFd(), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Chmod changes the mode of the backing file.
func (s *Session) Chmod(mode uint32) error {
	s.fdLock.RLock()
	defer s.fdLock.RUnlock()
	if s.released {
		return syscall.EBADF
	}
	return syscall.Fchmod(s.intFd(), mode)
}

// Chown changes the owner of the backing file. -1 leaves a value unchanged.
func (s *Session) Chown(uid int, gid int) error {
	s.fdLock.RLock()
	defer s.fdLock.RUnlock()
	if s.released {
		return syscall.EBADF
	}
	return syscall.Fchown(s.intFd(), uid, gid)
}

// Utimens sets access and modification time. nil leaves a value unchanged.
func (s *Session) Utimens(a *time.Time, m *time.Time) error {
	s.fdLock.RLock()
	defer s.fdLock.RUnlock()
	if s.released {
		return syscall.EBADF
	}
	return syscallcompat.FutimesNano(s.intFd(), a, m)
}

// Release closes the backing file and unregisters it from the open file
// table. The key and the container on disk are not touched.
func (s *Session) Release() {
	s.fdLock.Lock()
	defer s.fdLock.Unlock()
	if s.released {
		log.Panicf("ino%d: double release", s.qIno.Ino)
	}
	s.released = true
	openfiletable.Unregister(s.qIno)
	s.fd.Close()
	s.cipher.Wipe()
	s.t.args.Metrics.SessionClosed()
}

// Path returns the virtual path the session was opened with.
func (s *Session) Path() string {
	return s.path
}

// QIno returns the device and inode number of the backing file.
func (s *Session) QIno() inomap.QIno {
	return s.qIno
}
