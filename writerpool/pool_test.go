package writerpool

import (
	"bytes"
	"testing"
)

func TestPoolAcquireRelease(t *testing.T) {
	p := New(0)

	var first bytes.Buffer
	bw := p.Acquire(&first)
	if bw.Available() < MinBufferSize {
		t.Fatalf("unexpected buffer size %d", bw.Available())
	}
	bw.WriteString("hello")
	if err := bw.Flush(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if first.String() != "hello" {
		t.Fatalf("unexpected write %q", first.String())
	}
	p.Release(bw)

	// a recycled writer must not leak bytes into its next target
	var second bytes.Buffer
	bw = p.Acquire(&second)
	bw.WriteString("world")
	if err := bw.Flush(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if second.String() != "world" {
		t.Fatalf("unexpected write %q", second.String())
	}
	p.Release(bw)
}

func TestNewRaisesSmallSizes(t *testing.T) {
	var sink bytes.Buffer
	for _, size := range []int{-1, 0, 1, MinBufferSize - 1} {
		bw := New(size).Acquire(&sink)
		if bw.Available() < MinBufferSize {
			t.Fatalf("size %d: unexpected buffer size %d", size, bw.Available())
		}
	}
	bw := New(MinBufferSize * 2).Acquire(&sink)
	if bw.Available() < MinBufferSize*2 {
		t.Fatalf("unexpected buffer size %d", bw.Available())
	}
}
