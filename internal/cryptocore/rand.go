package cryptocore

import (
	"crypto/rand"
	"log"
	"sync"
)

// RandBytes gets "n" random bytes from the kernel CSPRNG or panics
func RandBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		log.Panicf("reading %d random bytes: %v", n, err)
	}
	return b
}

// Nonces are 16 or 24 bytes. Fetching this much at once saves most of the
// getrandom(2) calls on the write path.
const nonceBatch = 512

// noncePool serves nonces out of a batch of random bytes.
type noncePool struct {
	mu   sync.Mutex
	left []byte
}

var nonces noncePool

func (p *noncePool) take(n int) []byte {
	out := make([]byte, n)
	p.mu.Lock()
	if len(p.left) < n {
		p.left = RandBytes(max(nonceBatch, n))
	}
	copy(out, p.left)
	// Consumed bytes are never handed out twice
	clear(p.left[:n])
	p.left = p.left[n:]
	p.mu.Unlock()
	return out
}

// nonceGenerator hands out random nonces. Every chunk write gets a fresh one,
// so with 128 bit or larger nonces collisions are not a practical concern.
type nonceGenerator struct {
	nonceLen int
}

// Get returns a fresh "nonceLen"-byte nonce.
func (n *nonceGenerator) Get() []byte {
	return nonces.take(n.nonceLen)
}
