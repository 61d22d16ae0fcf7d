package speed

import (
	"testing"

	"github.com/pathkeyfs/pathkeyfs/internal/contentenc"
	"github.com/pathkeyfs/pathkeyfs/internal/cryptocore"
)

/*
Make the "-speed" benchmarks also accessible to the standard test system.
Example run:

$ go test -bench .
*/

func BenchmarkGoGCM(b *testing.B) {
	bEncrypt(b, cryptocore.BackendGoGCM, contentenc.DefaultBS)
}

func BenchmarkGoGCMDecrypt(b *testing.B) {
	bDecrypt(b, cryptocore.BackendGoGCM, contentenc.DefaultBS)
}

func BenchmarkXchacha(b *testing.B) {
	bEncrypt(b, cryptocore.BackendXChaCha20Poly1305, contentenc.DefaultBS)
}

func BenchmarkXchachaDecrypt(b *testing.B) {
	bDecrypt(b, cryptocore.BackendXChaCha20Poly1305, contentenc.DefaultBS)
}

func BenchmarkAESSIV(b *testing.B) {
	bEncrypt(b, cryptocore.BackendAESSIV, contentenc.DefaultBS)
}

func BenchmarkAESSIVDecrypt(b *testing.B) {
	bDecrypt(b, cryptocore.BackendAESSIV, contentenc.DefaultBS)
}

func TestMbPerSec(t *testing.T) {
	if mbPerSec(testing.BenchmarkResult{}) != 0 {
		t.Error("empty result should give 0")
	}
}

func TestParseCPUInfo(t *testing.T) {
	x86 := "processor\t: 0\nmodel name\t: Intel(R) Core(TM) i5-3470 CPU @ 3.20GHz\n"
	if got := parseCPUInfo(x86); got != "Intel(R) Core(TM) i5-3470 CPU @ 3.20GHz" {
		t.Errorf("got %q", got)
	}
	arm := "processor\t: 0\nHardware\t: BCM2835\n"
	if got := parseCPUInfo(arm); got != "BCM2835" {
		t.Errorf("got %q", got)
	}
	if got := parseCPUInfo(""); got != "" {
		t.Errorf("got %q", got)
	}
}
