package keystore

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathkeyfs/pathkeyfs/internal/cryptocore"
)

func newStore(t *testing.T, masterKey []byte) (*Store, string) {
	t.Helper()
	fn := filepath.Join(t.TempDir(), "pathkeyfs.keys")
	s, err := Load(fn, masterKey)
	require.NoError(t, err)
	return s, fn
}

func TestLoadMissingAndEmpty(t *testing.T) {
	s, fn := newStore(t, nil)
	assert.Equal(t, 0, s.Len())

	require.NoError(t, os.WriteFile(fn, nil, 0600))
	s, err := Load(fn, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestCleanPath(t *testing.T) {
	assert.Equal(t, "/a.txt", CleanPath("a.txt"))
	assert.Equal(t, "/a/b", CleanPath("/a//b/"))
	assert.Equal(t, "/b", CleanPath("/a/../b"))
	assert.Equal(t, "/", CleanPath(""))
}

// A key that GetOrCreate returned must be on disk already.
func TestGetOrCreateDurable(t *testing.T) {
	s, fn := newStore(t, nil)
	ck, created, err := s.GetOrCreate("/a.txt")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, ck.Key, cryptocore.KeyLen)
	assert.Equal(t, uint32(FirstKeyVersion), ck.Version)

	ck2, created, err := s.GetOrCreate("a.txt")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ck.Key, ck2.Key)

	// Reload without closing the first store
	s2, err := Load(fn, nil)
	require.NoError(t, err)
	got, ok := s2.Get("/a.txt")
	require.True(t, ok)
	assert.Equal(t, ck.Key, got.Key)
}

func TestKeysDiffer(t *testing.T) {
	s, _ := newStore(t, nil)
	a, _, err := s.GetOrCreate("/a")
	require.NoError(t, err)
	b, _, err := s.GetOrCreate("/b")
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a.Key, b.Key))
}

func TestFileFormat(t *testing.T) {
	s, fn := newStore(t, nil)
	ck, _, err := s.GetOrCreate("/a.txt")
	require.NoError(t, err)
	js, err := os.ReadFile(fn)
	require.NoError(t, err)
	var sf storeFile
	require.NoError(t, json.Unmarshal(js, &sf))
	assert.Equal(t, uint16(CurrentVersion), sf.Version)
	assert.False(t, sf.Sealed)
	assert.Empty(t, sf.KeyVersions)
	require.Contains(t, sf.Keys, "/a.txt")
	key, err := s.decodeKey("/a.txt", 1, sf.Keys["/a.txt"])
	require.NoError(t, err)
	assert.Equal(t, ck.Key, key)
	// No temp files may be left behind
	entries, err := os.ReadDir(filepath.Dir(fn))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRemove(t *testing.T) {
	s, fn := newStore(t, nil)
	_, _, err := s.GetOrCreate("/a.txt")
	require.NoError(t, err)
	require.NoError(t, s.Remove("/a.txt"))
	_, ok := s.Get("/a.txt")
	assert.False(t, ok)
	// Removing again is fine
	require.NoError(t, s.Remove("/a.txt"))

	s2, err := Load(fn, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s2.Len())
}

// When the store cannot be written, the in-memory change must be undone.
func TestPersistFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "sub", "pathkeyfs.keys")
	require.NoError(t, os.Mkdir(filepath.Dir(fn), 0700))
	s, err := Load(fn, nil)
	require.NoError(t, err)
	_, _, err = s.GetOrCreate("/keep")
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Dir(fn)))
	_, _, err = s.GetOrCreate("/new")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersist))
	_, ok := s.Get("/new")
	assert.False(t, ok)

	err = s.Remove("/keep")
	assert.True(t, errors.Is(err, ErrPersist))
	_, ok = s.Get("/keep")
	assert.True(t, ok)

	err = s.Rename("/keep", "/moved")
	assert.True(t, errors.Is(err, ErrPersist))
	_, ok = s.Get("/keep")
	assert.True(t, ok)
	_, ok = s.Get("/moved")
	assert.False(t, ok)
}

func TestRenameMovesDescendants(t *testing.T) {
	s, fn := newStore(t, nil)
	for _, p := range []string{"/d/a", "/d/sub/b", "/dx", "/e/old"} {
		_, _, err := s.GetOrCreate(p)
		require.NoError(t, err)
	}
	a, _ := s.Get("/d/a")
	b, _ := s.Get("/d/sub/b")

	require.NoError(t, s.Rename("/d", "/e"))
	assert.Equal(t, []string{"/dx", "/e/a", "/e/sub/b"}, s.Paths())
	got, _ := s.Get("/e/a")
	assert.Equal(t, a.Key, got.Key)
	got, _ = s.Get("/e/sub/b")
	assert.Equal(t, b.Key, got.Key)

	s2, err := Load(fn, nil)
	require.NoError(t, err)
	assert.Equal(t, s.Paths(), s2.Paths())
}

func TestRenameReplacesTarget(t *testing.T) {
	s, _ := newStore(t, nil)
	src, _, err := s.GetOrCreate("/src")
	require.NoError(t, err)
	_, _, err = s.GetOrCreate("/dst")
	require.NoError(t, err)
	require.NoError(t, s.Rename("/src", "/dst"))
	got, ok := s.Get("/dst")
	require.True(t, ok)
	assert.Equal(t, src.Key, got.Key)
	assert.Equal(t, []string{"/dst"}, s.Paths())
}

func TestRenameErrors(t *testing.T) {
	s, _ := newStore(t, nil)
	assert.Error(t, s.Rename("/", "/x"))
	assert.Error(t, s.Rename("/d", "/d/sub"))
	// Renaming something without a key is a no-op
	assert.NoError(t, s.Rename("/nokey", "/other"))
	assert.Equal(t, 0, s.Len())
}

func TestLink(t *testing.T) {
	s, _ := newStore(t, nil)
	a, _, err := s.GetOrCreate("/a")
	require.NoError(t, err)
	require.NoError(t, s.Link("/a", "/b"))
	b, ok := s.Get("/b")
	require.True(t, ok)
	assert.Equal(t, a, b)
	// Removing one name keeps the other
	require.NoError(t, s.Remove("/a"))
	_, ok = s.Get("/b")
	assert.True(t, ok)
}

func TestRekey(t *testing.T) {
	s, fn := newStore(t, nil)
	orig, _, err := s.GetOrCreate("/a")
	require.NoError(t, err)

	oldKey, newKey, err := s.BeginRekey("/a")
	require.NoError(t, err)
	assert.Equal(t, orig, oldKey)
	assert.Equal(t, orig.Version+1, newKey.Version)
	assert.False(t, bytes.Equal(orig.Key, newKey.Key))

	cur, _ := s.Get("/a")
	assert.Equal(t, newKey, cur)
	retired, ok := s.GetVersion("/a", orig.Version)
	require.True(t, ok)
	assert.Equal(t, orig.Key, retired.Key)

	// Interrupted re-key survives a reload
	s2, err := Load(fn, nil)
	require.NoError(t, err)
	retired, ok = s2.GetVersion("/a", orig.Version)
	require.True(t, ok)
	assert.Equal(t, orig.Key, retired.Key)
	cur, _ = s2.Get("/a")
	assert.Equal(t, newKey, cur)

	require.NoError(t, s.FinishRekey("/a"))
	_, ok = s.GetVersion("/a", orig.Version)
	assert.False(t, ok)
	_, ok = s.GetVersion("/a", newKey.Version)
	assert.True(t, ok)

	_, _, err = s.BeginRekey("/missing")
	assert.True(t, errors.Is(err, ErrNoKey))
}

func TestSealed(t *testing.T) {
	master := cryptocore.RandBytes(cryptocore.KeyLen)
	s, fn := newStore(t, master)
	assert.True(t, s.Sealed())
	ck, _, err := s.GetOrCreate("/secret")
	require.NoError(t, err)

	js, err := os.ReadFile(fn)
	require.NoError(t, err)
	var sf storeFile
	require.NoError(t, json.Unmarshal(js, &sf))
	assert.True(t, sf.Sealed)
	assert.NotContains(t, string(js), string(ck.Key))

	s2, err := Load(fn, master)
	require.NoError(t, err)
	got, ok := s2.Get("/secret")
	require.True(t, ok)
	assert.Equal(t, ck.Key, got.Key)

	_, err = Load(fn, cryptocore.RandBytes(cryptocore.KeyLen))
	assert.Error(t, err)
	_, err = Load(fn, nil)
	assert.Error(t, err)
}

// A sealed key copied to another path must not unseal.
func TestSealedBoundToPath(t *testing.T) {
	master := cryptocore.RandBytes(cryptocore.KeyLen)
	s, fn := newStore(t, master)
	_, _, err := s.GetOrCreate("/a")
	require.NoError(t, err)
	js, err := os.ReadFile(fn)
	require.NoError(t, err)
	var sf storeFile
	require.NoError(t, json.Unmarshal(js, &sf))
	sf.Keys["/b"] = sf.Keys["/a"]
	js, err = json.Marshal(sf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(fn, js, 0600))
	_, err = Load(fn, master)
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	s, _ := newStore(t, nil)
	ck, _, err := s.GetOrCreate("/a")
	require.NoError(t, err)
	s.Close()
	assert.Equal(t, make([]byte, cryptocore.KeyLen), ck.Key)
	_, _, err = s.GetOrCreate("/b")
	assert.Error(t, err)
}

func TestCopyTreeRestore(t *testing.T) {
	s, _ := newStore(t, nil)
	src, _, err := s.GetOrCreate("/d/a")
	require.NoError(t, err)
	dst, _, err := s.GetOrCreate("/e/a")
	require.NoError(t, err)
	_, _, err = s.GetOrCreate("/e/b")
	require.NoError(t, err)

	saved := s.Snapshot("/e")
	assert.Equal(t, 2, saved.Len())
	require.NoError(t, s.CopyTree("/d", "/e"))
	assert.Equal(t, []string{"/d/a", "/e/a"}, s.Paths())
	got, _ := s.Get("/e/a")
	assert.Equal(t, src.Key, got.Key)

	// Undo, as if the backing rename had failed
	require.NoError(t, s.Restore(saved))
	assert.Equal(t, []string{"/d/a", "/e/a", "/e/b"}, s.Paths())
	got, _ = s.Get("/e/a")
	assert.Equal(t, dst.Key, got.Key)

	require.NoError(t, s.RemoveTree("/d"))
	assert.Equal(t, []string{"/e/a", "/e/b"}, s.Paths())
	assert.Error(t, s.RemoveTree("/"))
	assert.Error(t, s.CopyTree("/e/a", "/e"))
}

func TestSaveEmptySealed(t *testing.T) {
	master := cryptocore.RandBytes(cryptocore.KeyLen)
	s, fn := newStore(t, master)
	require.NoError(t, s.Save())

	_, err := Load(fn, nil)
	assert.Error(t, err, "a sealed store needs the master key")
	s2, err := Load(fn, master)
	require.NoError(t, err)
	assert.Equal(t, 0, s2.Len())

	s.Close()
	assert.Error(t, s.Save())
}
