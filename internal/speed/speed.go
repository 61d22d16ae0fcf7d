// Package speed implements the "-speed" command-line option,
// similar to "openssl speed".
// It benchmarks block encryption and decryption for every content cipher
// that -init accepts.
package speed

import (
	"fmt"
	"log"
	"runtime"
	"testing"

	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
	"github.com/pathkeyfs/pathkeyfs/internal/cryptocore"
)

// Run benchmarks all backends at plaintext block size "bs" and prints the
// results.
func Run(bs uint64) {
	cpu := cpuModelName()
	if cpu == "" {
		cpu = "unknown"
	}
	fmt.Printf("cpu: %s; GOARCH: %s; blocksize: %d\n", cpu, runtime.GOARCH, bs)
	for _, be := range cryptocore.Backends {
		fmt.Printf("%-20s\t", be.Algo)
		enc := mbPerSec(testing.Benchmark(func(b *testing.B) { bEncrypt(b, be, bs) }))
		dec := mbPerSec(testing.Benchmark(func(b *testing.B) { bDecrypt(b, be, bs) }))
		fmt.Printf("%7.2f MB/s enc %7.2f MB/s dec", enc, dec)
		if be == cryptocore.BackendGoGCM {
			fmt.Printf("\t(default)")
		}
		fmt.Printf("\n")
	}
}

func mbPerSec(r testing.BenchmarkResult) float64 {
	if r.Bytes <= 0 || r.T <= 0 || r.N <= 0 {
		return 0
	}
	return (float64(r.Bytes) * float64(r.N) / 1e6) / r.T.Seconds()
}

func newFileCipher(be cryptocore.AEADTypeEnum, bs uint64) *contentenc.FileCipher {
	ce := contentenc.New(be, bs)
	return ce.NewFileCipher(cryptocore.RandBytes(cryptocore.KeyLen), 1)
}

func bEncrypt(b *testing.B, be cryptocore.AEADTypeEnum, bs uint64) {
	fc := newFileCipher(be, bs)
	defer fc.Wipe()
	in := make([]byte, bs)
	b.SetBytes(int64(len(in)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fc.EncryptBlock(in, uint64(i))
	}
}

func bDecrypt(b *testing.B, be cryptocore.AEADTypeEnum, bs uint64) {
	fc := newFileCipher(be, bs)
	defer fc.Wipe()
	in := make([]byte, bs)
	c := fc.EncryptBlock(in, 0)
	b.SetBytes(int64(len(in)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := fc.DecryptBlock(c, 0)
		if err != nil {
			log.Panic(err)
		}
	}
}
