package session

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
	"github.com/pathkeyfs/pathkeyfs/internal/cryptocore"
	"github.com/pathkeyfs/pathkeyfs/internal/keystore"
	"github.com/pathkeyfs/pathkeyfs/internal/metrics"
	"github.com/pathkeyfs/pathkeyfs/internal/openfiletable"
	"github.com/pathkeyfs/pathkeyfs/internal/syscallcompat"
)

const testBS = 4096

type testEnv struct {
	t         *Transform
	cipherdir string
	keyfile   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cipherdir := t.TempDir()
	keyfile := filepath.Join(t.TempDir(), "pathkeyfs.keys")
	keys, err := keystore.Load(keyfile, nil)
	require.NoError(t, err)
	t.Cleanup(keys.Close)
	tr := New(Args{
		Cipherdir:  cipherdir,
		Keys:       keys,
		ContentEnc: contentenc.New(cryptocore.BackendGoGCM, testBS),
		Metrics:    metrics.New(),
	})
	return &testEnv{t: tr, cipherdir: cipherdir, keyfile: keyfile}
}

func (e *testEnv) create(t *testing.T, p string) *Session {
	t.Helper()
	s, err := e.t.Create(p, syscall.O_WRONLY, 0600)
	require.NoError(t, err)
	return s
}

func (e *testEnv) rawSize(t *testing.T, p string) int64 {
	t.Helper()
	fi, err := os.Stat(filepath.Join(e.cipherdir, relPath(p)))
	require.NoError(t, err)
	return fi.Size()
}

func randBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func readAll(t *testing.T, s *Session) []byte {
	t.Helper()
	size, err := s.Size()
	require.NoError(t, err)
	out, err := s.Read(0, size+100)
	require.NoError(t, err)
	require.Len(t, out, int(size))
	return out
}

func TestHelloWorldTruncate(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, "/a.txt")
	_, ok := e.t.Keys().Get("/a.txt")
	require.True(t, ok)

	n, err := s.Write(0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	_, err = s.Write(5, []byte("world"))
	require.NoError(t, err)
	out, err := s.Read(0, 10)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(out))

	require.NoError(t, s.Truncate(5))
	out, err = s.Read(0, 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
	s.Release()

	// Same result after reopening and through a fresh key store
	keys, err := keystore.Load(e.keyfile, nil)
	require.NoError(t, err)
	tr := New(Args{Cipherdir: e.cipherdir, Keys: keys, ContentEnc: e.t.ContentEnc()})
	s, err = tr.Open("/a.txt", syscall.O_RDONLY)
	require.NoError(t, err)
	defer s.Release()
	assert.Equal(t, "hello", string(readAll(t, s)))
	size, err := tr.PlainSize("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)
	assert.Equal(t, int64(e.t.ContentEnc().PlainSizeToCipherSize(5)), e.rawSize(t, "/a.txt"))
}

func TestRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, "/f")
	defer s.Release()
	ref := make([]byte, 0)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		off := rng.Intn(5 * testBS)
		data := randBytes(1+rng.Intn(2*testBS), int64(i))
		_, err := s.Write(uint64(off), data)
		require.NoError(t, err)
		if end := off + len(data); end > len(ref) {
			ref = append(ref, make([]byte, end-len(ref))...)
		}
		copy(ref[off:], data)
	}
	assert.True(t, bytes.Equal(ref, readAll(t, s)))

	// Random reads
	for i := 0; i < 50; i++ {
		off := rng.Intn(len(ref) + 10)
		length := rng.Intn(3 * testBS)
		out, err := s.Read(uint64(off), uint64(length))
		require.NoError(t, err)
		want := []byte{}
		if off < len(ref) {
			want = ref[off:min(off+length, len(ref))]
		}
		assert.Equal(t, len(want), len(out), "off=%d len=%d", off, length)
		assert.True(t, bytes.Equal(want, out), "off=%d len=%d", off, length)
	}
}

func TestReadPastEnd(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, "/f")
	defer s.Release()
	out, err := s.Read(0, 100)
	require.NoError(t, err)
	assert.Empty(t, out)
	_, err = s.Write(0, []byte("abc"))
	require.NoError(t, err)
	out, err = s.Read(3, 100)
	require.NoError(t, err)
	assert.Empty(t, out)
	out, err = s.Read(1, 100)
	require.NoError(t, err)
	assert.Equal(t, "bc", string(out))
	n, err := s.Write(10, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	size, _ := s.Size()
	assert.Equal(t, uint64(3), size)
}

// Writing past the end leaves zeros in the gap.
func TestZeroFill(t *testing.T) {
	for _, start := range []int{0, 100, testBS, testBS + 7} {
		t.Run(fmt.Sprint(start), func(t *testing.T) {
			e := newTestEnv(t)
			s := e.create(t, "/f")
			defer s.Release()
			head := randBytes(start, 2)
			_, err := s.Write(0, head)
			require.NoError(t, err)
			off := 3*testBS + 10
			_, err = s.Write(uint64(off), []byte("x"))
			require.NoError(t, err)
			out := readAll(t, s)
			require.Len(t, out, off+1)
			assert.Equal(t, head, out[:start])
			assert.Equal(t, make([]byte, off-start), out[start:off])
			assert.Equal(t, byte('x'), out[off])
		})
	}
}

func TestTruncate(t *testing.T) {
	e := newTestEnv(t)
	ce := e.t.ContentEnc()
	s := e.create(t, "/f")
	defer s.Release()
	data := randBytes(3*testBS+500, 3)
	_, err := s.Write(0, data)
	require.NoError(t, err)

	for _, size := range []uint64{2*testBS + 100, 2 * testBS, 10, 0} {
		require.NoError(t, s.Truncate(size))
		assert.Equal(t, data[:size], readAll(t, s))
		assert.Equal(t, int64(ce.PlainSizeToCipherSize(size)), e.rawSize(t, "/f"))
	}
	// Grow again: the old content is gone, zeros come back
	_, err = s.Write(0, []byte("abc"))
	require.NoError(t, err)
	for _, size := range []uint64{100, testBS, 4*testBS + 1} {
		require.NoError(t, s.Truncate(size))
		out := readAll(t, s)
		assert.Equal(t, "abc", string(out[:3]))
		assert.Equal(t, make([]byte, size-3), out[3:])
		assert.Equal(t, int64(ce.PlainSizeToCipherSize(size)), e.rawSize(t, "/f"))
	}
	// Truncate through the path
	require.NoError(t, e.t.Truncate("/f", 2))
	assert.Equal(t, "ab", string(readAll(t, s)))
}

func TestOpenTrunc(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, "/f")
	_, err := s.Write(0, []byte("content"))
	require.NoError(t, err)
	s.Release()
	s, err = e.t.Open("/f", syscall.O_WRONLY|syscall.O_TRUNC)
	require.NoError(t, err)
	defer s.Release()
	size, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)
}

func TestOpenNoKey(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.cipherdir, "plain.txt"), []byte("secret"), 0600))
	_, err := e.t.Open("/plain.txt", syscall.O_RDONLY)
	assert.True(t, errors.Is(err, ErrAccessDenied), err)

	_, err = e.t.Open("/missing", syscall.O_RDONLY)
	assert.True(t, errors.Is(err, os.ErrNotExist), err)
	assert.Equal(t, 0, openfiletable.CountOpenFiles())
}

func TestCreateFailureRemovesKey(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.t.Create("/nodir/f", syscall.O_RDWR, 0600)
	require.Error(t, err)
	_, ok := e.t.Keys().Get("/nodir/f")
	assert.False(t, ok)

	// An existing backing file is not overwritten
	require.NoError(t, os.WriteFile(filepath.Join(e.cipherdir, "exists"), []byte("x"), 0600))
	_, err = e.t.Create("/exists", syscall.O_RDWR, 0600)
	assert.True(t, errors.Is(err, os.ErrExist), err)
	_, ok = e.t.Keys().Get("/exists")
	assert.False(t, ok)
}

// The same plaintext written twice must give different chunks.
func TestNonceUniqueness(t *testing.T) {
	e := newTestEnv(t)
	ce := e.t.ContentEnc()
	data := bytes.Repeat([]byte("A"), testBS)
	read := func(p string) []byte {
		b, err := os.ReadFile(filepath.Join(e.cipherdir, relPath(p)))
		require.NoError(t, err)
		return b[ce.BlockNoToCipherOff(0):ce.BlockNoToCipherOff(1)]
	}
	s := e.create(t, "/f")
	_, err := s.Write(0, data)
	require.NoError(t, err)
	c1 := read("/f")
	_, err = s.Write(0, data)
	require.NoError(t, err)
	c2 := read("/f")
	s.Release()
	s = e.create(t, "/g")
	_, err = s.Write(0, data)
	require.NoError(t, err)
	s.Release()
	c3 := read("/g")
	assert.NotEqual(t, c1, c2)
	assert.NotEqual(t, c1[:16], c2[:16])
	assert.NotEqual(t, c1, c3)
}

// flipByte XORs the byte at "off" of the backing file of "p".
func (e *testEnv) flipByte(t *testing.T, p string, off int64) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(e.cipherdir, relPath(p)), os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	b[0] ^= 0x01
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
}

func TestTamperDetection(t *testing.T) {
	ce := contentenc.New(cryptocore.BackendGoGCM, testBS)
	cases := []struct {
		name string
		// offset inside of chunk #1
		off int64
	}{
		{"nonce", 3},
		{"ciphertext", int64(cryptocore.BackendGoGCM.NonceSize) + 40},
		{"tag", int64(ce.CipherBS()) - cryptocore.AuthTagLen + 5},
		{"tag-last", int64(ce.CipherBS()) - 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t)
			s := e.create(t, "/f")
			data := randBytes(3*testBS, 4)
			_, err := s.Write(0, data)
			require.NoError(t, err)
			s.Release()

			e.flipByte(t, "/f", int64(ce.BlockNoToCipherOff(1))+tc.off)

			s, err = e.t.Open("/f", syscall.O_RDONLY)
			require.NoError(t, err)
			defer s.Release()
			_, err = s.Read(testBS, 10)
			assert.True(t, errors.Is(err, contentenc.ErrCorrupt), err)
			_, err = s.Read(0, 10*testBS)
			assert.True(t, errors.Is(err, contentenc.ErrCorrupt), err)
			// Sibling chunks are still fine
			out, err := s.Read(0, testBS)
			require.NoError(t, err)
			assert.Equal(t, data[:testBS], out)
			out, err = s.Read(2*testBS, testBS)
			require.NoError(t, err)
			assert.Equal(t, data[2*testBS:], out)

			report, err := e.t.Verify("/f")
			require.NoError(t, err)
			assert.Equal(t, uint64(3), report.Blocks)
			assert.Equal(t, []uint64{1}, report.CorruptBlocks)
			assert.False(t, report.OK())
		})
	}
}

// A chunk that was overwritten with zero bytes does not read back as zeros.
func TestZeroedChunkIsCorrupt(t *testing.T) {
	e := newTestEnv(t)
	ce := e.t.ContentEnc()
	s := e.create(t, "/z")
	_, err := s.Write(0, randBytes(3*testBS, 9))
	require.NoError(t, err)
	s.Release()

	f, err := os.OpenFile(filepath.Join(e.cipherdir, "z"), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, ce.CipherBS()), int64(ce.BlockNoToCipherOff(1)))
	require.NoError(t, err)
	f.Close()

	s, err = e.t.Open("/z", syscall.O_RDONLY)
	require.NoError(t, err)
	defer s.Release()
	_, err = s.Read(testBS, testBS)
	assert.True(t, errors.Is(err, contentenc.ErrCorrupt), err)
	report, err := e.t.Verify("/z")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, report.CorruptBlocks)
}

// Growing a file writes real chunks for every block in between.
func TestGrowWritesAllChunks(t *testing.T) {
	e := newTestEnv(t)
	ce := e.t.ContentEnc()
	s := e.create(t, "/g")
	_, err := s.Write(0, []byte("head"))
	require.NoError(t, err)
	require.NoError(t, s.Truncate(5*testBS+1))
	_, err = s.Write(9*testBS+100, []byte("tail"))
	require.NoError(t, err)
	out := readAll(t, s)
	s.Release()
	want := make([]byte, 9*testBS+104)
	copy(want, "head")
	copy(want[9*testBS+100:], "tail")
	assert.Equal(t, want, out)
	assert.Equal(t, int64(ce.PlainSizeToCipherSize(uint64(len(want)))), e.rawSize(t, "/g"))

	raw, err := os.ReadFile(filepath.Join(e.cipherdir, "g"))
	require.NoError(t, err)
	zero := make([]byte, ce.CipherBS())
	for blockNo := uint64(0); blockNo < 9; blockNo++ {
		off := ce.BlockNoToCipherOff(blockNo)
		assert.NotEqual(t, zero, raw[off:off+ce.CipherBS()], "block %d", blockNo)
	}
	report, err := e.t.Verify("/g")
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, uint64(10), report.Blocks)
}

// The header is not authenticated. Lowering the logical size hides the tail
// from readers, but Verify sees the chunks past the end.
func TestLoweredHeaderSize(t *testing.T) {
	e := newTestEnv(t)
	ce := e.t.ContentEnc()
	s := e.create(t, "/h")
	data := randBytes(3*testBS, 11)
	_, err := s.Write(0, data)
	require.NoError(t, err)
	s.Release()

	f, err := os.OpenFile(filepath.Join(e.cipherdir, "h"), os.O_RDWR, 0)
	require.NoError(t, err)
	h, err := contentenc.ReadHeader(f)
	require.NoError(t, err)
	h.LogicalSize = testBS
	require.NoError(t, contentenc.WriteHeader(f, h))
	f.Close()

	s, err = e.t.Open("/h", syscall.O_RDONLY)
	require.NoError(t, err)
	assert.Equal(t, data[:testBS], readAll(t, s))
	s.Release()
	report, err := e.t.Verify("/h")
	require.NoError(t, err)
	assert.Empty(t, report.CorruptBlocks)
	assert.Equal(t, int64(2*ce.CipherBS()), report.TrailingBytes)
	assert.False(t, report.OK())
}

// A chunk cut short by a crash is reported as corrupt.
func TestTornWrite(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, "/f")
	_, err := s.Write(0, randBytes(2*testBS, 5))
	require.NoError(t, err)
	s.Release()
	require.NoError(t, os.Truncate(filepath.Join(e.cipherdir, "f"), e.rawSize(t, "/f")-10))

	s, err = e.t.Open("/f", syscall.O_RDONLY)
	require.NoError(t, err)
	defer s.Release()
	_, err = s.Read(testBS, 10)
	assert.True(t, errors.Is(err, contentenc.ErrCorrupt), err)
	_, err = s.Read(0, 10)
	assert.NoError(t, err)
	report, err := e.t.Verify("/f")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, report.CorruptBlocks)
}

// Writers to disjoint ranges of the same block must not lose each
// other's data.
func TestConcurrentWritesOneBlock(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, "/f")
	defer s.Release()
	const workers = 16
	const chunk = 200
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every other worker uses its own session on the same file
			sess := s
			if i%2 == 1 {
				var err error
				sess, err = e.t.Open("/f", syscall.O_RDWR)
				if !assert.NoError(t, err) {
					return
				}
				defer sess.Release()
			}
			for j := 0; j < 10; j++ {
				_, err := sess.Write(uint64(i*chunk), bytes.Repeat([]byte{byte('a' + i)}, chunk))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
	out := readAll(t, s)
	require.Len(t, out, workers*chunk)
	for i := 0; i < workers; i++ {
		assert.Equal(t, bytes.Repeat([]byte{byte('a' + i)}, chunk), out[i*chunk:(i+1)*chunk], "worker %d", i)
	}
}

func TestUnlinkRenameLink(t *testing.T) {
	e := newTestEnv(t)
	keys := e.t.Keys()
	s := e.create(t, "/a")
	_, err := s.Write(0, []byte("payload"))
	require.NoError(t, err)
	s.Release()

	require.NoError(t, os.Mkdir(filepath.Join(e.cipherdir, "dir"), 0700))
	require.NoError(t, e.t.Rename("/a", "/dir/b", 0))
	_, ok := keys.Get("/a")
	assert.False(t, ok)
	s, err = e.t.Open("/dir/b", syscall.O_RDONLY)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(readAll(t, s)))
	s.Release()

	// Directory rename moves the keys below it
	require.NoError(t, e.t.Rename("/dir", "/dir2", 0))
	assert.Equal(t, []string{"/dir2/b"}, keys.Paths())

	// Failed rename keeps everything in place
	other := e.create(t, "/other")
	other.Release()
	err = e.t.Rename("/dir2/b", "/other", syscallcompat.RENAME_NOREPLACE)
	require.Error(t, err)
	if !errors.Is(err, syscall.EINVAL) {
		assert.True(t, errors.Is(err, os.ErrExist), err)
	}
	assert.Equal(t, []string{"/dir2/b", "/other"}, keys.Paths())
	s, err = e.t.Open("/other", syscall.O_RDONLY)
	require.NoError(t, err)
	assert.Empty(t, readAll(t, s))
	s.Release()

	assert.Equal(t, syscall.EINVAL, e.t.Rename("/other", "/x", syscallcompat.RENAME_EXCHANGE))

	// Hard link shares the content
	require.NoError(t, e.t.Link("/dir2/b", "/c"))
	s, err = e.t.Open("/c", syscall.O_RDONLY)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(readAll(t, s)))
	s.Release()
	require.Error(t, e.t.Link("/dir2/b", "/c"))
	_, ok = keys.Get("/c")
	assert.True(t, ok)

	require.NoError(t, e.t.Unlink("/dir2/b"))
	_, ok = keys.Get("/dir2/b")
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(e.cipherdir, "dir2", "b"))
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, e.t.Unlink("/dir2/b"))
	require.NoError(t, e.t.Rmdir("/dir2"))
}

// rename(2) between two hard links of one inode is a no-op. Both names
// must stay readable.
func TestRenameOntoHardLink(t *testing.T) {
	e := newTestEnv(t)
	keys := e.t.Keys()
	s := e.create(t, "/a")
	_, err := s.Write(0, []byte("shared"))
	require.NoError(t, err)
	s.Release()
	require.NoError(t, e.t.Link("/a", "/b"))

	require.NoError(t, e.t.Rename("/a", "/b", 0))
	assert.Equal(t, []string{"/a", "/b"}, keys.Paths())
	for _, p := range []string{"/a", "/b"} {
		s, err := e.t.Open(p, syscall.O_RDONLY)
		require.NoError(t, err, p)
		assert.Equal(t, "shared", string(readAll(t, s)), p)
		s.Release()
	}
}

func TestMknod(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.t.Mknod("/reg", syscall.S_IFREG|0600, 0))
	_, ok := e.t.Keys().Get("/reg")
	assert.True(t, ok)
	assert.Equal(t, int64(contentenc.HeaderLen), e.rawSize(t, "/reg"))

	require.NoError(t, e.t.Mknod("/fifo", syscall.S_IFIFO|0600, 0))
	_, ok = e.t.Keys().Get("/fifo")
	assert.False(t, ok)
	size, err := e.t.PlainSize("/fifo")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)
}

func TestPlainSizeOpenFile(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, "/f")
	defer s.Release()
	_, err := s.Write(0, randBytes(testBS+3, 6))
	require.NoError(t, err)
	size, err := e.t.PlainSize("/f")
	require.NoError(t, err)
	assert.Equal(t, uint64(testBS+3), size)
}

func TestRekey(t *testing.T) {
	e := newTestEnv(t)
	keys := e.t.Keys()
	s := e.create(t, "/f")
	data := randBytes(2*testBS+17, 7)
	_, err := s.Write(0, data)
	require.NoError(t, err)
	// Skip a few blocks
	_, err = s.Write(6*testBS, []byte("tail"))
	require.NoError(t, err)
	want := readAll(t, s)
	s.Release()
	before, _ := keys.Get("/f")

	require.NoError(t, e.t.Rekey("/f"))
	after, _ := keys.Get("/f")
	assert.Equal(t, before.Version+1, after.Version)
	assert.NotEqual(t, before.Key, after.Key)
	_, ok := keys.GetVersion("/f", before.Version)
	assert.False(t, ok)

	s, err = e.t.Open("/f", syscall.O_RDONLY)
	require.NoError(t, err)
	assert.Equal(t, want, readAll(t, s))
	s.Release()
	report, err := e.t.Verify("/f")
	require.NoError(t, err)
	assert.True(t, report.OK())

	entries, err := os.ReadDir(e.cipherdir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// A re-key that was interrupted before the container was replaced leaves
// the file readable with the retired key.
func TestInterruptedRekey(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, "/f")
	_, err := s.Write(0, []byte("still here"))
	require.NoError(t, err)
	s.Release()
	_, _, err = e.t.Keys().BeginRekey("/f")
	require.NoError(t, err)

	s, err = e.t.Open("/f", syscall.O_RDWR)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(readAll(t, s)))
	s.Release()

	require.NoError(t, e.t.Rekey("/f"))
	s, err = e.t.Open("/f", syscall.O_RDONLY)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(readAll(t, s)))
	s.Release()
}

func TestDoubleReleasePanics(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, "/f")
	s.Release()
	assert.Panics(t, s.Release)
	_, err := s.Write(0, []byte("x"))
	assert.Equal(t, syscall.EBADF, err)
}

func TestMangleOpenFlags(t *testing.T) {
	f := mangleOpenFlags(syscall.O_WRONLY | syscall.O_APPEND | syscall.O_TRUNC | syscall.O_CREAT)
	assert.Equal(t, syscall.O_RDWR, f&syscall.O_ACCMODE)
	assert.Zero(t, f&(syscall.O_APPEND|syscall.O_TRUNC|syscall.O_CREAT))
	assert.Equal(t, syscall.O_RDONLY, mangleOpenFlags(syscall.O_RDONLY))
}
