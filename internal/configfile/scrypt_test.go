package configfile

import (
	"bytes"
	"fmt"
	"testing"
)

func TestScryptLogN(t *testing.T) {
	for _, n := range []int{10, 12, 16} {
		kdf := NewScryptKDF(n)
		if kdf.LogN() != n {
			t.Errorf("LogN()=%d, want %d", kdf.LogN(), n)
		}
	}
	defKDF := NewScryptKDF(0)
	if defKDF.LogN() != ScryptDefaultLogN {
		t.Error("logN=0 should select the default")
	}
}

func TestScryptDeterministic(t *testing.T) {
	kdf := NewScryptKDF(scryptMinLogN)
	a := kdf.DeriveKey(testPw)
	b := kdf.DeriveKey(testPw)
	if !bytes.Equal(a, b) {
		t.Error("same password gave different keys")
	}
	if bytes.Equal(a, kdf.DeriveKey([]byte("other"))) {
		t.Error("different passwords gave the same key")
	}
}

func BenchmarkScryptN(b *testing.B) {
	for n := 10; n <= 20; n++ {
		b.Run(fmt.Sprintf("%d", n), func(b *testing.B) {
			benchmarkScryptN(b, n)
		})
	}
}

func benchmarkScryptN(b *testing.B, n int) {
	kdf := NewScryptKDF(n)
	for i := 0; i < b.N; i++ {
		kdf.DeriveKey(testPw)
	}
	b.ReportAllocs()
}
