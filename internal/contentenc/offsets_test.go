package contentenc

import (
	"testing"

	"github.com/pathkeyfs/pathkeyfs/internal/cryptocore"
)

// TestSizeToSize tests CipherSizeToPlainSize and PlainSizeToCipherSize
func TestSizeToSize(t *testing.T) {
	for _, backend := range cryptocore.Backends {
		ce := New(backend, DefaultBS)
		const rangeMax = 20000
		var prevCipher uint64
		for x := uint64(0); x < rangeMax; x++ {
			c := ce.PlainSizeToCipherSize(x)
			if c < prevCipher {
				t.Fatalf("%s: PlainSizeToCipherSize is non-monotonic at %d", backend, x)
			}
			prevCipher = c
			if p := ce.CipherSizeToPlainSize(c); p != x {
				t.Fatalf("%s: x=%d -> cipher %d -> plain %d", backend, x, c, p)
			}
		}
	}
}

func TestPhysicalSize(t *testing.T) {
	ce := New(cryptocore.BackendGoGCM, DefaultBS)
	// "hello world": one chunk
	if have, want := ce.PlainSizeToCipherSize(11), uint64(HeaderLen+11+16+16); have != want {
		t.Errorf("have %d want %d", have, want)
	}
	if have := ce.PlainSizeToCipherSize(0); have != HeaderLen {
		t.Errorf("empty container: have %d", have)
	}
	// Torn write: last chunk is only a partial nonce
	if have := ce.CipherSizeToPlainSize(HeaderLen + ce.CipherBS() + 5); have != DefaultBS {
		t.Errorf("have %d", have)
	}
}

func TestBlockPlainLen(t *testing.T) {
	ce := New(cryptocore.BackendGoGCM, DefaultBS)
	cases := []struct {
		blockNo, size, want uint64
	}{
		{0, 0, 0},
		{0, 5, 5},
		{0, DefaultBS, DefaultBS},
		{1, DefaultBS, 0},
		{1, DefaultBS + 1, 1},
		{2, 10 * DefaultBS, DefaultBS},
	}
	for _, c := range cases {
		if have := ce.BlockPlainLen(c.blockNo, c.size); have != c.want {
			t.Errorf("BlockPlainLen(%d, %d)=%d, want %d", c.blockNo, c.size, have, c.want)
		}
	}
	if ce.BlockCount(DefaultBS+1) != 2 || ce.BlockCount(0) != 0 {
		t.Error("BlockCount is wrong")
	}
}
