package inomap

import (
	"sync"
	"testing"
)

func TestTranslate(t *testing.T) {
	const baseDev = 12345
	m := New(baseDev)

	q := QIno{Dev: baseDev, Ino: 1}
	out := m.Translate(q)
	if out != 1 {
		t.Errorf("expected 1, got %d", out)
	}
	// Second device gets namespace 1
	q = QIno{Dev: 999, Ino: 1}
	out = m.Translate(q)
	if out != 1<<48|1 {
		t.Errorf("got 0x%x", out)
	}
	// Too big for passthrough
	q.Ino = maxPassthruIno + 1
	out = m.Translate(q)
	if out&spillBit == 0 {
		t.Errorf("spill bit not set: 0x%x", out)
	}
	out2 := m.Translate(q)
	if out2 != out {
		t.Errorf("unstable mapping: %d %d", out2, out)
	}
}

func TestTranslateStress(t *testing.T) {
	const baseDev = 12345
	m := New(baseDev)
	var wg sync.WaitGroup
	results := make([]map[uint64]bool, 3)
	for g, dev := range []uint64{baseDev, 9999999, 4444444} {
		results[g] = make(map[uint64]bool)
		wg.Add(1)
		go func() {
			defer wg.Done()
			q := QIno{Dev: dev}
			for i := uint64(1); i <= 10000; i++ {
				q.Ino = i
				results[g][m.Translate(q)] = true
			}
		}()
	}
	wg.Wait()
	all := make(map[uint64]bool)
	for _, r := range results {
		for k := range r {
			all[k] = true
		}
	}
	if len(all) != 30000 {
		t.Errorf("expected 30000 unique inode numbers, got %d", len(all))
	}
}
