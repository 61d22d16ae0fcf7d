// Package keystore keeps the durable mapping from virtual path to content key.
//
// The whole mapping lives in a single JSON file that is rewritten on every
// mutation: write a uniquely named temp file, fsync it, rename it over the
// store and fsync the directory. A crash therefore leaves either the old or
// the new store on disk, never a key that was handed out but not recorded.
package keystore

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pathkeyfs/pathkeyfs/internal/cryptocore"
	"github.com/pathkeyfs/pathkeyfs/internal/metrics"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

const (
	// CurrentVersion is the on-disk format version of the key store file.
	CurrentVersion = 1
	// FirstKeyVersion is the version of a freshly created content key.
	FirstKeyVersion = 1
)

// ErrPersist is returned (wrapped) when the key store could not be written.
// The in-memory state has been rolled back when this is returned.
var ErrPersist = errors.New("key store persistence failed")

// ErrNoKey is returned when an operation needs a key that does not exist.
var ErrNoKey = errors.New("no content key")

// ContentKey is the key material of one file plus its version.
type ContentKey struct {
	Key     []byte
	Version uint32
}

// storeFile is the on-disk JSON layout.
type storeFile struct {
	// Creator documents the program version for humans.
	Creator string
	// Version is the format version, see CurrentVersion.
	Version uint16
	// Sealed means every key string is encrypted under the master key.
	Sealed bool
	// Keys maps virtual path to base64 key material.
	Keys map[string]string
	// KeyVersions lists paths whose key version is not FirstKeyVersion.
	KeyVersions map[string]uint32 `json:",omitempty"`
	// Retired holds previous key versions during a re-key.
	Retired map[string]map[uint32]string `json:",omitempty"`
}

// Store is the in-memory key store. All methods are safe for concurrent use.
type Store struct {
	// Creator is written into the store file. Set before the first mutation.
	Creator string
	// Metrics, if not nil, records persist timings and key creation.
	Metrics *metrics.Metrics

	mu       sync.Mutex
	filename string
	// sealer is nil for a cleartext store
	sealer  *cryptocore.CryptoCore
	keys    map[string]ContentKey
	retired map[string]map[uint32][]byte
}

// CleanPath normalizes a virtual path to the form used as map key:
// absolute, no trailing slash, no "." or ".." components.
func CleanPath(p string) string {
	return path.Clean("/" + p)
}

// Load reads the key store from "filename". A missing or empty file yields
// an empty store. If "masterKey" is not nil, the store is sealed: key
// material is encrypted under a subkey of "masterKey".
func Load(filename string, masterKey []byte) (*Store, error) {
	s := &Store{
		Creator:  tlog.ProgramName,
		filename: filename,
		keys:     make(map[string]ContentKey),
		retired:  make(map[string]map[uint32][]byte),
	}
	if masterKey != nil {
		subkey := cryptocore.DeriveKey(masterKey, cryptocore.HKDFInfoKeyStoreSeal)
		s.sealer = cryptocore.New(subkey, cryptocore.BackendGoGCM)
		for i := range subkey {
			subkey[i] = 0
		}
	}
	js, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(js) == 0) {
		tlog.Debug.Printf("keystore: %q is missing or empty, starting with an empty store", filename)
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	var sf storeFile
	if err := json.Unmarshal(js, &sf); err != nil {
		return nil, fmt.Errorf("keystore: parsing %q: %w", filename, err)
	}
	if sf.Version != CurrentVersion {
		return nil, fmt.Errorf("keystore: unsupported version %d", sf.Version)
	}
	if sf.Sealed && s.sealer == nil {
		return nil, fmt.Errorf("keystore: %q is sealed, but no master key was given", filename)
	}
	if !sf.Sealed && s.sealer != nil {
		return nil, fmt.Errorf("keystore: %q is not sealed, but a master key was given", filename)
	}
	for p, enc := range sf.Keys {
		ver := uint32(FirstKeyVersion)
		if v, ok := sf.KeyVersions[p]; ok {
			ver = v
		}
		key, err := s.decodeKey(p, ver, enc)
		if err != nil {
			return nil, err
		}
		s.keys[p] = ContentKey{Key: key, Version: ver}
	}
	for p, versions := range sf.Retired {
		s.retired[p] = make(map[uint32][]byte)
		for ver, enc := range versions {
			key, err := s.decodeKey(p, ver, enc)
			if err != nil {
				return nil, err
			}
			s.retired[p][ver] = key
		}
	}
	tlog.Debug.Printf("keystore: loaded %d keys from %q", len(s.keys), filename)
	return s, nil
}

// sealAData binds sealed key material to its path and version.
func sealAData(p string, ver uint32) []byte {
	a := make([]byte, 4, 4+len(p))
	binary.BigEndian.PutUint32(a, ver)
	return append(a, p...)
}

func (s *Store) encodeKey(p string, ver uint32, key []byte) string {
	if s.sealer != nil {
		key = s.sealer.Seal(key, sealAData(p, ver))
	}
	return base64.StdEncoding.EncodeToString(key)
}

func (s *Store) decodeKey(p string, ver uint32, enc string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("keystore: %q: %w", p, err)
	}
	if s.sealer != nil {
		key, err = s.sealer.Open(key, sealAData(p, ver))
		if err != nil {
			return nil, fmt.Errorf("keystore: %q: cannot unseal key: %w", p, err)
		}
	}
	if len(key) != cryptocore.KeyLen {
		return nil, fmt.Errorf("keystore: %q: wrong key length %d", p, len(key))
	}
	return key, nil
}

// persistLocked writes the whole store to disk. Caller must hold s.mu.
func (s *Store) persistLocked() (err error) {
	t0 := time.Now()
	defer func() {
		s.Metrics.RecordPersist(time.Since(t0), err)
		if err != nil {
			tlog.Warn.Printf("keystore: persisting %q failed: %v", s.filename, err)
			err = fmt.Errorf("%w: %w", ErrPersist, err)
		}
	}()
	sf := storeFile{
		Creator: s.Creator,
		Version: CurrentVersion,
		Sealed:  s.sealer != nil,
		Keys:    make(map[string]string, len(s.keys)),
	}
	for p, ck := range s.keys {
		sf.Keys[p] = s.encodeKey(p, ck.Version, ck.Key)
		if ck.Version != FirstKeyVersion {
			if sf.KeyVersions == nil {
				sf.KeyVersions = make(map[string]uint32)
			}
			sf.KeyVersions[p] = ck.Version
		}
	}
	for p, versions := range s.retired {
		if sf.Retired == nil {
			sf.Retired = make(map[string]map[uint32]string)
		}
		sf.Retired[p] = make(map[uint32]string)
		for ver, key := range versions {
			sf.Retired[p][ver] = s.encodeKey(p, ver, key)
		}
	}
	js, err := json.MarshalIndent(sf, "", "\t")
	if err != nil {
		return err
	}
	js = append(js, '\n')
	return atomicWriteFile(s.filename, js)
}

// atomicWriteFile writes "data" to a unique temp file next to "filename",
// syncs it, renames it over "filename" and syncs the directory.
func atomicWriteFile(filename string, data []byte) error {
	dir := filepath.Dir(filename)
	tmp := filepath.Join(dir, "."+filepath.Base(filename)+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err == nil {
		err = os.Rename(tmp, filename)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// mutate runs "fn" under the store lock. If "fn" reports a change, the store
// is persisted. On persistence failure the in-memory state is restored.
func (s *Store) mutate(fn func() (changed bool, err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		return errors.New("keystore: store is closed")
	}
	keysBak := maps.Clone(s.keys)
	retiredBak := maps.Clone(s.retired)
	changed, err := fn()
	if err != nil || !changed {
		return err
	}
	if err := s.persistLocked(); err != nil {
		s.keys = keysBak
		s.retired = retiredBak
		return err
	}
	return nil
}

// GetOrCreate returns the current key for "p". If there is none, a new
// random key is created and persisted before GetOrCreate returns.
// "created" tells the caller which case happened.
func (s *Store) GetOrCreate(p string) (ck ContentKey, created bool, err error) {
	p = CleanPath(p)
	err = s.mutate(func() (bool, error) {
		if existing, ok := s.keys[p]; ok {
			ck = existing
			return false, nil
		}
		ck = ContentKey{
			Key:     cryptocore.RandBytes(cryptocore.KeyLen),
			Version: FirstKeyVersion,
		}
		s.keys[p] = ck
		created = true
		return true, nil
	})
	if err != nil {
		return ContentKey{}, false, err
	}
	if created {
		s.Metrics.RecordKeyCreated()
		tlog.Debug.Printf("keystore: created key for %q", p)
	}
	return ck, created, nil
}

// Get returns the current key for "p".
func (s *Store) Get(p string) (ContentKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck, ok := s.keys[CleanPath(p)]
	return ck, ok
}

// GetVersion returns key version "ver" of "p", which may be the current or a
// retired one.
func (s *Store) GetVersion(p string, ver uint32) (ContentKey, bool) {
	p = CleanPath(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ck, ok := s.keys[p]; ok && ck.Version == ver {
		return ck, true
	}
	if key, ok := s.retired[p][ver]; ok {
		return ContentKey{Key: key, Version: ver}, true
	}
	return ContentKey{}, false
}

// Remove deletes the key for "p", including retired versions. Removing a
// path that has no key is not an error.
func (s *Store) Remove(p string) error {
	p = CleanPath(p)
	return s.mutate(func() (bool, error) {
		_, ok1 := s.keys[p]
		_, ok2 := s.retired[p]
		delete(s.keys, p)
		delete(s.retired, p)
		return ok1 || ok2, nil
	})
}

// isBelow returns true if "p" is "dir" or lies below it.
func isBelow(p string, dir string) bool {
	return p == dir || strings.HasPrefix(p, dir+"/")
}

func checkMove(oldPath string, newPath string) error {
	if oldPath == "/" || newPath == "/" {
		return fmt.Errorf("keystore: cannot move the root directory")
	}
	if oldPath == newPath {
		return nil
	}
	if isBelow(newPath, oldPath) {
		return fmt.Errorf("keystore: cannot move %q below itself", oldPath)
	}
	if isBelow(oldPath, newPath) {
		return fmt.Errorf("keystore: cannot move %q over its parent", oldPath)
	}
	return nil
}

// dropTreeLocked deletes all entries at or below "dir".
func (s *Store) dropTreeLocked(dir string) (changed bool) {
	for p := range s.keys {
		if isBelow(p, dir) {
			delete(s.keys, p)
			changed = true
		}
	}
	for p := range s.retired {
		if isBelow(p, dir) {
			delete(s.retired, p)
			changed = true
		}
	}
	return changed
}

// copyTreeLocked replaces everything at or below "newPath" with the
// entries at or below "oldPath". With "move" set, the source entries are
// deleted.
func (s *Store) copyTreeLocked(oldPath string, newPath string, move bool) (changed bool) {
	changed = s.dropTreeLocked(newPath)
	for p, ck := range s.keys {
		if isBelow(p, oldPath) {
			if move {
				delete(s.keys, p)
			}
			s.keys[newPath+strings.TrimPrefix(p, oldPath)] = ck
			changed = true
		}
	}
	for p, r := range s.retired {
		if isBelow(p, oldPath) {
			if move {
				delete(s.retired, p)
			}
			s.retired[newPath+strings.TrimPrefix(p, oldPath)] = maps.Clone(r)
			changed = true
		}
	}
	return changed
}

// Rename moves the key of "oldPath", and the keys of everything below it, to
// "newPath". Keys previously stored at or below "newPath" are dropped, as the
// rename replaced those files.
func (s *Store) Rename(oldPath string, newPath string) error {
	oldPath = CleanPath(oldPath)
	newPath = CleanPath(newPath)
	if err := checkMove(oldPath, newPath); err != nil {
		return err
	}
	if oldPath == newPath {
		return nil
	}
	return s.mutate(func() (bool, error) {
		return s.copyTreeLocked(oldPath, newPath, true), nil
	})
}

// CopyTree is like Rename but leaves the source entries in place. Together
// with RemoveTree it lets a caller rename the backing file in between, so
// that both the old and the new name have a key at every point in time.
func (s *Store) CopyTree(oldPath string, newPath string) error {
	oldPath = CleanPath(oldPath)
	newPath = CleanPath(newPath)
	if err := checkMove(oldPath, newPath); err != nil {
		return err
	}
	if oldPath == newPath {
		return nil
	}
	return s.mutate(func() (bool, error) {
		return s.copyTreeLocked(oldPath, newPath, false), nil
	})
}

// RemoveTree deletes the keys at and below "dir".
func (s *Store) RemoveTree(dir string) error {
	dir = CleanPath(dir)
	if dir == "/" {
		return fmt.Errorf("keystore: refusing to remove all keys")
	}
	return s.mutate(func() (bool, error) {
		return s.dropTreeLocked(dir), nil
	})
}

// Subtree is a detached copy of the entries at and below Root.
type Subtree struct {
	Root    string
	keys    map[string]ContentKey
	retired map[string]map[uint32][]byte
}

// Len is the number of current keys in the subtree.
func (t Subtree) Len() int {
	return len(t.keys)
}

// Snapshot copies the entries at and below "dir".
func (s *Store) Snapshot(dir string) Subtree {
	t := Subtree{
		Root:    CleanPath(dir),
		keys:    make(map[string]ContentKey),
		retired: make(map[string]map[uint32][]byte),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, ck := range s.keys {
		if isBelow(p, t.Root) {
			t.keys[p] = ck
		}
	}
	for p, r := range s.retired {
		if isBelow(p, t.Root) {
			t.retired[p] = maps.Clone(r)
		}
	}
	return t
}

// Restore replaces everything at and below t.Root with the snapshot.
func (s *Store) Restore(t Subtree) error {
	return s.mutate(func() (bool, error) {
		changed := s.dropTreeLocked(t.Root)
		for p, ck := range t.keys {
			s.keys[p] = ck
			changed = true
		}
		for p, r := range t.retired {
			s.retired[p] = maps.Clone(r)
			changed = true
		}
		return changed, nil
	})
}

// Link copies the key of "existing" to "newPath", so both names of a hard
// link can decrypt the shared file. If "existing" has no key, nothing is
// stored.
func (s *Store) Link(existing string, newPath string) error {
	existing = CleanPath(existing)
	newPath = CleanPath(newPath)
	return s.mutate(func() (bool, error) {
		ck, ok := s.keys[existing]
		if !ok {
			return false, nil
		}
		s.keys[newPath] = ck
		if r, ok := s.retired[existing]; ok {
			s.retired[newPath] = maps.Clone(r)
		} else {
			delete(s.retired, newPath)
		}
		return true, nil
	})
}

// BeginRekey creates a new key version for "p". The previous key is kept as
// retired until FinishRekey is called, so the container can still be read
// while it is being re-encrypted.
func (s *Store) BeginRekey(p string) (oldKey ContentKey, newKey ContentKey, err error) {
	p = CleanPath(p)
	err = s.mutate(func() (bool, error) {
		cur, ok := s.keys[p]
		if !ok {
			return false, fmt.Errorf("%w for %q", ErrNoKey, p)
		}
		oldKey = cur
		newKey = ContentKey{
			Key:     cryptocore.RandBytes(cryptocore.KeyLen),
			Version: cur.Version + 1,
		}
		r := maps.Clone(s.retired[p])
		if r == nil {
			r = make(map[uint32][]byte)
		}
		r[cur.Version] = cur.Key
		s.retired[p] = r
		s.keys[p] = newKey
		return true, nil
	})
	return oldKey, newKey, err
}

// FinishRekey drops all retired key versions of "p".
func (s *Store) FinishRekey(p string) error {
	p = CleanPath(p)
	return s.mutate(func() (bool, error) {
		if _, ok := s.retired[p]; !ok {
			return false, nil
		}
		delete(s.retired, p)
		return true, nil
	})
}

// Save writes the store to disk even if nothing changed. Used to create
// the initial, empty store file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		return errors.New("keystore: store is closed")
	}
	return s.persistLocked()
}

// Paths returns all paths that have a key, sorted.
func (s *Store) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.keys))
	for p := range s.keys {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of paths that have a key.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Sealed tells if key material is encrypted on disk.
func (s *Store) Sealed() bool {
	return s.sealer != nil
}

// Filename returns the path of the store file.
func (s *Store) Filename() string {
	return s.filename
}

// Close overwrites all key material in memory with zeros. The store must not
// be used afterwards. Everything is already on disk, Close does not write.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ck := range s.keys {
		for i := range ck.Key {
			ck.Key[i] = 0
		}
	}
	for _, r := range s.retired {
		for _, key := range r {
			for i := range key {
				key[i] = 0
			}
		}
	}
	s.keys = nil
	s.retired = nil
	if s.sealer != nil {
		s.sealer.Wipe()
	}
}
