package writerpool

import (
	"bufio"
	"io"
	"sync"
)

// MinBufferSize default buffer size for pooled writers
const MinBufferSize = 4096

// Pool recycles the buffered writers used to serialize request heads
// onto connection streams, so each request does not allocate its own.
type Pool struct {
	bufferSize int
	writers    sync.Pool
}

// New makes a writer pool; sizes below MinBufferSize are raised to it.
func New(bufferSize int) *Pool {
	if bufferSize < MinBufferSize {
		bufferSize = MinBufferSize
	}
	return &Pool{bufferSize: bufferSize}
}

// Acquire returns a buffered writer targeting w.
func (p *Pool) Acquire(w io.Writer) *bufio.Writer {
	v := p.writers.Get()
	if v == nil {
		return bufio.NewWriterSize(w, p.bufferSize)
	}
	bw := v.(*bufio.Writer)
	bw.Reset(w)
	return bw
}

// Release puts a writer back. The caller must have flushed it.
func (p *Pool) Release(bw *bufio.Writer) {
	bw.Reset(nil)
	p.writers.Put(bw)
}
