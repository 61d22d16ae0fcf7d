package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/google/uuid"

	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
	"github.com/pathkeyfs/pathkeyfs/internal/keystore"
	"github.com/pathkeyfs/pathkeyfs/internal/syscallcompat"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// RekeyTempSuffix ends the name of the temporary container written by
// Rekey. A file with this suffix left in the storage directory is the
// remainder of an interrupted re-key and can be deleted.
const RekeyTempSuffix = ".rekey"

// openCipherFor opens the container of "p" read-only and returns the
// cipher for the key version its header names. "h" is nil for a file
// without a header.
func (t *Transform) openCipherFor(p string) (f *os.File, h *contentenc.FileHeader, fc *contentenc.FileCipher, err error) {
	fd, err := syscallcompat.OpenNofollow(t.args.Cipherdir, relPath(p), syscall.O_RDONLY, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	f = os.NewFile(uintptr(fd), p)
	ck, ok := t.args.Keys.Get(p)
	if !ok {
		f.Close()
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrAccessDenied, p)
	}
	h, err = contentenc.ReadHeader(f)
	if errors.Is(err, io.EOF) {
		return f, nil, t.args.ContentEnc.NewFileCipher(ck.Key, ck.Version), nil
	}
	if err == nil && uint64(h.BlockSize) != t.args.ContentEnc.PlainBS() {
		err = fmt.Errorf("%w: block size %d, want %d", contentenc.ErrCorrupt, h.BlockSize, t.args.ContentEnc.PlainBS())
	}
	if err != nil {
		f.Close()
		return nil, nil, nil, err
	}
	if h.KeyVersion != ck.Version {
		ck, ok = t.args.Keys.GetVersion(p, h.KeyVersion)
		if !ok {
			f.Close()
			return nil, nil, nil, fmt.Errorf("%w: %s: key version %d", ErrAccessDenied, p, h.KeyVersion)
		}
	}
	return f, h, t.args.ContentEnc.NewFileCipher(ck.Key, ck.Version), nil
}

// Rekey re-encrypts the file "p" under a fresh content key. The container
// is rewritten into a temporary file next to it, which then replaces the
// original. The old key is kept as retired until the rename is done, so
// the file stays readable if we crash at any point.
// The file must not be open, and must not have other hard links.
func (t *Transform) Rekey(p string) error {
	p = keystore.CleanPath(p)
	f, h, oldCipher, err := t.openCipherFor(p)
	if err != nil {
		return err
	}
	defer f.Close()
	defer oldCipher.Wipe()
	var st syscall.Stat_t
	if err := syscall.Fstat(int(f.Fd()), &st); err != nil {
		return err
	}
	if st.Mode&syscall.S_IFMT != syscall.S_IFREG {
		return syscall.EINVAL
	}
	if st.Nlink > 1 {
		return fmt.Errorf("%s has %d hard links, refusing to re-key", p, st.Nlink)
	}
	_, newKey, err := t.args.Keys.BeginRekey(p)
	if err != nil {
		return err
	}
	newCipher := t.args.ContentEnc.NewFileCipher(newKey.Key, newKey.Version)
	defer newCipher.Wipe()

	dirfd, name, err := t.openParent(p)
	if err != nil {
		return err
	}
	defer syscall.Close(dirfd)
	tmpName := "." + name + "." + uuid.NewString() + RekeyTempSuffix
	tmpFd, err := syscallcompat.Openat(dirfd, tmpName, syscall.O_RDWR|syscall.O_CREAT|syscall.O_EXCL, st.Mode&07777)
	if err != nil {
		return err
	}
	tmp := os.NewFile(uintptr(tmpFd), tmpName)
	err = t.rewriteContainer(f, h, oldCipher, tmp, newCipher)
	if err == nil {
		err = syscallcompat.Fsync(tmpFd)
	}
	if err2 := tmp.Close(); err == nil {
		err = err2
	}
	if err == nil {
		err = syscallcompat.Renameat(dirfd, tmpName, dirfd, name)
	}
	if err != nil {
		syscallcompat.Unlinkat(dirfd, tmpName, 0)
		tlog.Warn.Printf("Rekey %q: %v", p, err)
		return err
	}
	if err := syscallcompat.Fsync(dirfd); err != nil {
		return err
	}
	tlog.Debug.Printf("Rekey %q: now at key version %d", p, newKey.Version)
	return t.args.Keys.FinishRekey(p)
}

// rewriteContainer decrypts every chunk of "src" and writes it, encrypted
// under "dstCipher", to "dst".
func (t *Transform) rewriteContainer(src *os.File, h *contentenc.FileHeader, srcCipher *contentenc.FileCipher,
	dst *os.File, dstCipher *contentenc.FileCipher) error {
	ce := t.args.ContentEnc
	newH := contentenc.NewHeader(ce.PlainBS(), dstCipher.KeyVersion())
	if h == nil {
		return contentenc.WriteHeader(dst, newH)
	}
	newH.LogicalSize = h.LogicalSize
	err := ce.ForEachChunk(src, h.LogicalSize, func(blockNo uint64, c contentenc.Chunk, cErr error) error {
		if cErr != nil {
			return cErr
		}
		plain, err := srcCipher.DecryptBlock(c, blockNo)
		if err != nil {
			return err
		}
		return ce.WriteChunks(dst, blockNo, []contentenc.Chunk{dstCipher.EncryptBlock(plain, blockNo)})
	})
	if err != nil {
		return err
	}
	if err := syscallcompat.Ftruncate(int(dst.Fd()), int64(ce.PlainSizeToCipherSize(h.LogicalSize))); err != nil {
		return err
	}
	return contentenc.WriteHeader(dst, newH)
}

// VerifyReport is the result of checking one container.
type VerifyReport struct {
	// Path is the virtual path
	Path string
	// LogicalSize from the header
	LogicalSize uint64
	// Blocks is the number of chunks checked
	Blocks uint64
	// CorruptBlocks lists the block numbers that failed to decrypt
	CorruptBlocks []uint64
	// TrailingBytes is the number of bytes past the last chunk
	TrailingBytes int64
}

// OK is true if nothing was found.
func (r *VerifyReport) OK() bool {
	return len(r.CorruptBlocks) == 0 && r.TrailingBytes == 0
}

// Verify decrypts every chunk of the file "p" and reports the ones that fail
// authentication. It keeps going after the first corrupt chunk.
// Errors are returned for problems that prevent checking at all, like a
// missing key or an unreadable header.
func (t *Transform) Verify(p string) (*VerifyReport, error) {
	p = keystore.CleanPath(p)
	report := &VerifyReport{Path: p}
	f, h, fc, err := t.openCipherFor(p)
	if err != nil {
		return report, err
	}
	defer f.Close()
	defer fc.Wipe()
	fi, err := f.Stat()
	if err != nil {
		return report, err
	}
	if h == nil {
		return report, nil
	}
	ce := t.args.ContentEnc
	report.LogicalSize = h.LogicalSize
	err = ce.ForEachChunk(f, h.LogicalSize, func(blockNo uint64, c contentenc.Chunk, cErr error) error {
		report.Blocks++
		if cErr == nil {
			_, cErr = fc.DecryptBlock(c, blockNo)
		}
		if cErr != nil {
			tlog.Debug.Printf("Verify %q: block %d: %v", p, blockNo, cErr)
			t.args.Metrics.RecordCorrupt()
			report.CorruptBlocks = append(report.CorruptBlocks, blockNo)
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	if want := int64(ce.PlainSizeToCipherSize(h.LogicalSize)); fi.Size() > want {
		report.TrailingBytes = fi.Size() - want
	}
	return report, nil
}
