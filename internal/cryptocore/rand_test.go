package cryptocore

import (
	"bytes"
	"compress/flate"
	"sync"
	"testing"
)

// Nonces drawn concurrently must not repeat and must look random, i.e. not
// compress.
func TestNoncePoolConcurrent(t *testing.T) {
	const workers, draws, l = 50, 200, 24
	out := make([][]byte, workers)
	var wg sync.WaitGroup
	for i := range out {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < draws; j++ {
				out[i] = append(out[i], nonces.take(l)...)
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	var b bytes.Buffer
	fw, _ := flate.NewWriter(&b, flate.BestCompression)
	for _, v := range out {
		fw.Write(v)
		for k := 0; k < len(v); k += l {
			n := string(v[k : k+l])
			if seen[n] {
				t.Fatal("duplicate nonce")
			}
			seen[n] = true
		}
	}
	fw.Close()
	if b.Len() < workers*draws*l {
		t.Errorf("nonces compress: in=%d out=%d", workers*draws*l, b.Len())
	}
}

func TestNonceGeneratorLen(t *testing.T) {
	g := nonceGenerator{nonceLen: 1000}
	if n := len(g.Get()); n != 1000 {
		t.Errorf("got %d bytes", n)
	}
}

func BenchmarkNonce(b *testing.B) {
	g := nonceGenerator{nonceLen: 16}
	b.SetBytes(16)
	for i := 0; i < b.N; i++ {
		g.Get()
	}
}
