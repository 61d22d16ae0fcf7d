// Package openfiletable tracks which backing files are open, keyed by
// (device, inode). All handles of one file share an Entry, and with it the
// content lock and the cached container header.
package openfiletable

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
	"github.com/pathkeyfs/pathkeyfs/internal/inomap"
)

var (
	mu      sync.Mutex
	entries = make(map[inomap.QIno]*Entry)
	// Incremented by every ContentLock.Lock(). The idle monitor compares
	// snapshots of it.
	writeOps atomic.Uint64
)

// Entry is the shared state of an open file.
type Entry struct {
	refs int
	// ContentLock serializes writers, which do read-modify-write on
	// partial blocks. Readers take the read lock.
	ContentLock writeLock
	// Header caches the container header. nil until loaded or if the
	// file has no header yet. Guarded by HeaderLock, or by holding
	// ContentLock exclusively.
	Header     *contentenc.FileHeader
	HeaderLock sync.Mutex
}

type writeLock struct {
	sync.RWMutex
}

func (l *writeLock) Lock() {
	l.RWMutex.Lock()
	writeOps.Add(1)
}

// Register returns the entry for "qi", creating it on first use, and takes
// a reference.
func Register(qi inomap.QIno) *Entry {
	mu.Lock()
	defer mu.Unlock()
	e, ok := entries[qi]
	if !ok {
		e = &Entry{}
		entries[qi] = e
	}
	e.refs++
	return e
}

// Unregister drops a reference and forgets the entry when none are left.
func Unregister(qi inomap.QIno) {
	mu.Lock()
	defer mu.Unlock()
	e, ok := entries[qi]
	if !ok {
		log.Panicf("openfiletable: Unregister(%+v) without Register", qi)
	}
	if e.refs--; e.refs == 0 {
		delete(entries, qi)
	}
}

// Lookup returns the entry of an open file, or nil. It takes no reference.
func Lookup(qi inomap.QIno) *Entry {
	mu.Lock()
	defer mu.Unlock()
	return entries[qi]
}

// WriteOpCount is the number of ContentLock.Lock() calls so far.
func WriteOpCount() uint64 {
	return writeOps.Load()
}

// CountOpenFiles returns the number of open files.
func CountOpenFiles() int {
	mu.Lock()
	defer mu.Unlock()
	return len(entries)
}
