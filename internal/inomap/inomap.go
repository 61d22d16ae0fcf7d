// Package inomap gives every backing file a stable inode number that is
// unique across all devices below the cipherdir.
//
// Inode numbers on the cipherdir's own device pass through unchanged. Other
// devices get a 15-bit prefix each:
//
//	bit 63 = 0 | 15 bit device prefix | 48 bit backing inode number
//
// Pairs that do not fit (too many devices, inode number wider than 48 bits)
// are numbered sequentially with bit 63 set.
package inomap

import (
	"log"
	"sync"
	"syscall"

	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

const (
	prefixShift    = 48
	maxPrefix      = 1<<15 - 1
	maxPassthruIno = 1<<prefixShift - 1
	spillBit       = 1 << 63
)

// InoMap is safe for concurrent use.
type InoMap struct {
	mu         sync.Mutex
	prefixes   map[uint64]uint64
	nextPrefix uint64
	spilled    map[QIno]uint64
	nextSpill  uint64
}

// New returns an InoMap that passes through inode numbers of "rootDev".
// With rootDev == 0 the device of the first translated pair takes that role.
func New(rootDev uint64) *InoMap {
	m := &InoMap{
		prefixes: make(map[uint64]uint64),
		spilled:  make(map[QIno]uint64),
	}
	if rootDev != 0 {
		m.prefixes[rootDev] = 0
		m.nextPrefix = 1
	}
	return m
}

var spillWarning sync.Once

func (m *InoMap) spill(q QIno) uint64 {
	if n, ok := m.spilled[q]; ok {
		return n | spillBit
	}
	spillWarning.Do(func() { tlog.Warn.Printf("inomap: %+v does not fit, numbering sequentially", q) })
	if m.nextSpill == spillBit-1 {
		log.Panic("inomap: spill numbers exhausted")
	}
	n := m.nextSpill
	m.nextSpill++
	m.spilled[q] = n
	return n | spillBit
}

// Translate returns the inode number to report for "q". The same pair
// always gets the same number.
func (m *InoMap) Translate(q QIno) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.Ino > maxPassthruIno {
		return m.spill(q)
	}
	p, ok := m.prefixes[q.Dev]
	if !ok {
		if m.nextPrefix > maxPrefix {
			return m.spill(q)
		}
		p = m.nextPrefix
		m.prefixes[q.Dev] = p
		m.nextPrefix++
	}
	return p<<prefixShift | q.Ino
}

// TranslateStat replaces st.Ino with its translation.
func (m *InoMap) TranslateStat(st *syscall.Stat_t) {
	st.Ino = m.Translate(QInoFromStat(st))
}
