package cryptocore

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// TestHkdfDerive checks hkdfDerive against RFC 5869 test case 3
// (SHA-256, zero-length salt and info).
func TestHkdfDerive(t *testing.T) {
	ikm := bytes.Repeat([]byte{0x0b}, 22)
	want, _ := hex.DecodeString("8da4e775a563c18f715f802a063c5a31b8a11f5c5ee1879ec3454e5f3c738d2d9d201395faa4b61a96c8")
	have := hkdfDerive(ikm, "", 42)
	if !bytes.Equal(want, have) {
		t.Errorf("want=%x\nhave=%x", want, have)
	}
}

// Different "info" strings must give unrelated keys.
func TestDeriveKeyInfoSeparation(t *testing.T) {
	master := bytes.Repeat([]byte{0x01}, KeyLen)
	a := DeriveKey(master, HKDFInfoKeyStoreSeal)
	b := DeriveKey(master, hkdfInfoSIVContent)
	if len(a) != KeyLen {
		t.Fatalf("wrong length %d", len(a))
	}
	if bytes.Equal(a, b) {
		t.Error("subkeys for different purposes are identical")
	}
	if !bytes.Equal(a, DeriveKey(master, HKDFInfoKeyStoreSeal)) {
		t.Error("DeriveKey is not deterministic")
	}
}
