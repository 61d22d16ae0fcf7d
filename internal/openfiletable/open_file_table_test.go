package openfiletable

import (
	"testing"

	"github.com/pathkeyfs/pathkeyfs/internal/inomap"
)

func TestRegisterRefcount(t *testing.T) {
	qi := inomap.QIno{Dev: 1, Ino: 4242}
	before := CountOpenFiles()
	e1 := Register(qi)
	e2 := Register(qi)
	if e1 != e2 {
		t.Fatal("two handles of the same file got different entries")
	}
	if CountOpenFiles() != before+1 {
		t.Errorf("wrong count %d", CountOpenFiles())
	}
	Unregister(qi)
	if Lookup(qi) != e1 {
		t.Error("entry vanished while still referenced")
	}
	Unregister(qi)
	if Lookup(qi) != nil {
		t.Error("entry not deleted")
	}
}

func TestWriteOpCount(t *testing.T) {
	e := Register(inomap.QIno{Dev: 1, Ino: 4343})
	defer Unregister(inomap.QIno{Dev: 1, Ino: 4343})
	n := WriteOpCount()
	e.ContentLock.Lock()
	e.ContentLock.Unlock()
	e.ContentLock.RLock()
	e.ContentLock.RUnlock()
	if WriteOpCount() != n+1 {
		t.Errorf("have %d want %d", WriteOpCount(), n+1)
	}
}
