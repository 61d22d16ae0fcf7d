package contentenc

import (
	"log"
	"sync"
)

// bPool recycles chunk-sized read buffers. All slices have length sliceLen.
type bPool struct {
	p        *sync.Pool
	sliceLen int
}

func newBPool(sliceLen int) bPool {
	return bPool{
		p:        &sync.Pool{New: func() any { return make([]byte, sliceLen) }},
		sliceLen: sliceLen,
	}
}

// Get returns a buffer of length sliceLen.
func (b bPool) Get() []byte {
	return b.p.Get().([]byte)
}

// Put returns a buffer obtained from Get. It may have been resliced.
func (b bPool) Put(s []byte) {
	s = s[:cap(s)]
	if len(s) != b.sliceLen {
		log.Panicf("bPool.Put: len=%d, want %d", len(s), b.sliceLen)
	}
	b.p.Put(s)
}
