package siv_aead

import (
	"bytes"
	"testing"

	"github.com/jacobsa/crypto/siv"
)

func TestMatchesSiv(t *testing.T) {
	key := bytes.Repeat([]byte{1}, KeyLen)
	nonce := bytes.Repeat([]byte{2}, NonceSize)
	plaintext := []byte("block 0 of /docs/a.txt")
	aData := make([]byte, 12)
	want, err := siv.Encrypt(nonce, key, plaintext, [][]byte{aData, nonce})
	if err != nil {
		t.Fatal(err)
	}
	a := New(key)
	have := a.Seal(nonce, nonce, plaintext, aData)
	if !bytes.Equal(want, have) {
		t.Errorf("siv and siv_aead produce different results")
	}
	if len(have)-len(plaintext)-len(nonce) != a.Overhead() {
		t.Errorf("Overhead() returns a wrong value")
	}
	p1, err := a.Open(nil, have[:NonceSize], have[NonceSize:], aData)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plaintext, p1) {
		t.Errorf("wrong plaintext")
	}
	dst := []byte{0xaa, 0xbb}
	p2, err := a.Open(dst, have[:NonceSize], have[NonceSize:], aData)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(append([]byte{0xaa, 0xbb}, plaintext...), p2) {
		t.Errorf("wrong plaintext: %x", p2)
	}
	have[NonceSize+1] ^= 0xff
	if _, err = a.Open(nil, have[:NonceSize], have[NonceSize:], aData); err == nil {
		t.Error("corrupt ciphertext was accepted")
	}
}

func TestWipe(t *testing.T) {
	a := newAnyLen(bytes.Repeat([]byte{7}, KeyLen))
	k := a.key
	a.Wipe()
	if a.key != nil {
		t.Error("key reference not dropped")
	}
	for _, b := range k {
		if b != 0 {
			t.Fatal("key not zeroed")
		}
	}
}
