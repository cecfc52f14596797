package connpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haxii/fastclient/coarsetime"
	"github.com/haxii/fastclient/log"
	"github.com/haxii/fastclient/stream"
)

// Kind tells plaintext pool buckets apart from TLS ones. A plaintext
// stream must never be handed to a request that expects encryption,
// even when both point at the same address.
type Kind int

const (
	// KindPlain plaintext TCP streams
	KindPlain Kind = iota
	// KindSecure TLS streams
	KindSecure
)

func (k Kind) String() string {
	if k == KindSecure {
		return "secure"
	}
	return "plain"
}

// Destination identifies a pool bucket: a resolved socket address plus
// the transport kind. Not a URL; a single host maps to multiple
// destinations over its lifetime when DNS results change.
type Destination struct {
	Addr string
	Kind Kind
}

func (d Destination) String() string {
	return d.Kind.String() + "://" + d.Addr
}

const (
	// DefaultMaxIdlePerBucket is the idle stream capacity of a single
	// destination bucket. Excess released streams are closed.
	DefaultMaxIdlePerBucket = 30

	// DefaultMaxIdleDuration is the default duration before an idle
	// keep-alive stream is closed by the cleaner.
	DefaultMaxIdleDuration = 10 * time.Second
)

type idleStream struct {
	s       stream.Stream
	lastUse time.Time
}

type bucket struct {
	mu   sync.Mutex
	idle []idleStream
}

// Pool is a per-destination store of idle, previously used streams.
//
// Buckets are independent: acquiring for one destination never
// contends with releases for another. Within a bucket order is LIFO so
// reuse favors warm, recently validated connections.
//
// The zero value is ready to use. Copying a Pool is prohibited.
type Pool struct {
	// MaxIdlePerBucket caps idle streams kept per destination.
	//
	// DefaultMaxIdlePerBucket is used if not set.
	MaxIdlePerBucket int

	// MaxIdleDuration is how long an idle stream may sit in a bucket
	// before the cleaner closes it. DefaultMaxIdleDuration if unset;
	// negative disables the cleaner.
	MaxIdleDuration time.Duration

	mu         sync.RWMutex
	buckets    map[Destination]*bucket
	cleanerRun bool

	hits      uint64
	misses    uint64
	probeDead uint64
	probeLive uint64
}

// Acquire pops the most recently released stream for dst and
// liveness-probes it. A dead stream is closed and nil is returned
// without trying further candidates; the caller falls through to a
// fresh connect. Returns nil on an empty bucket.
func (p *Pool) Acquire(dst Destination) stream.Stream {
	b := p.bucket(dst, false)
	if b == nil {
		atomic.AddUint64(&p.misses, 1)
		return nil
	}

	var s stream.Stream
	b.mu.Lock()
	if n := len(b.idle); n > 0 {
		s = b.idle[n-1].s
		b.idle[n-1] = idleStream{}
		b.idle = b.idle[:n-1]
	}
	b.mu.Unlock()

	if s == nil {
		atomic.AddUint64(&p.misses, 1)
		log.Debugf("pool %s: no idle stream", dst)
		return nil
	}
	if isClosed(s) {
		atomic.AddUint64(&p.probeDead, 1)
		atomic.AddUint64(&p.misses, 1)
		log.Debugf("pool %s: idle stream failed liveness probe, discarded", dst)
		s.Close()
		return nil
	}
	atomic.AddUint64(&p.probeLive, 1)
	atomic.AddUint64(&p.hits, 1)
	log.Debugf("pool %s: reusing idle stream", dst)
	return s
}

// Release pushes s onto the bucket for dst, creating the bucket on
// first use. A bucket already at capacity closes the stream instead.
//
// Only streams whose response body was fully consumed may be released;
// a half-drained stream would desynchronize the next request on that
// connection.
func (p *Pool) Release(dst Destination, s stream.Stream) {
	max := p.MaxIdlePerBucket
	if max <= 0 {
		max = DefaultMaxIdlePerBucket
	}

	b := p.bucket(dst, true)
	b.mu.Lock()
	if len(b.idle) >= max {
		b.mu.Unlock()
		log.Debugf("pool %s: bucket full, closing released stream", dst)
		s.Close()
		return
	}
	b.idle = append(b.idle, idleStream{s: s, lastUse: coarsetime.Now()})
	n := len(b.idle)
	b.mu.Unlock()
	log.Debugf("pool %s: stream released, %d idle", dst, n)

	p.startCleaner()
}

func (p *Pool) bucket(dst Destination, create bool) *bucket {
	p.mu.RLock()
	b := p.buckets[dst]
	p.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	p.mu.Lock()
	if p.buckets == nil {
		p.buckets = make(map[Destination]*bucket)
	}
	b = p.buckets[dst]
	if b == nil {
		b = &bucket{}
		p.buckets[dst] = b
	}
	p.mu.Unlock()
	return b
}

func (p *Pool) startCleaner() {
	if p.MaxIdleDuration < 0 {
		return
	}
	p.mu.Lock()
	start := !p.cleanerRun
	if start {
		p.cleanerRun = true
	}
	p.mu.Unlock()
	if start {
		go p.cleaner()
	}
}

// cleaner closes streams idle beyond MaxIdleDuration and stops itself
// once every bucket has drained.
func (p *Pool) cleaner() {
	maxIdle := p.MaxIdleDuration
	if maxIdle == 0 {
		maxIdle = DefaultMaxIdleDuration
	}
	var scratch []idleStream
	for {
		time.Sleep(maxIdle)

		currentTime := time.Now()
		idleCount := 0
		scratch = scratch[:0]

		p.mu.RLock()
		buckets := make([]*bucket, 0, len(p.buckets))
		for _, b := range p.buckets {
			buckets = append(buckets, b)
		}
		p.mu.RUnlock()

		for _, b := range buckets {
			b.mu.Lock()
			idle := b.idle
			i := 0
			for i < len(idle) && currentTime.Sub(idle[i].lastUse) > maxIdle {
				i++
			}
			if i > 0 {
				scratch = append(scratch, idle[:i]...)
				m := copy(idle, idle[i:])
				for j := m; j < len(idle); j++ {
					idle[j] = idleStream{}
				}
				b.idle = idle[:m]
			}
			idleCount += len(b.idle)
			b.mu.Unlock()
		}

		for i, is := range scratch {
			is.s.Close()
			scratch[i] = idleStream{}
		}
		if len(scratch) > 0 {
			log.Debugf("pool cleaner: closed %d expired idle streams", len(scratch))
		}

		if idleCount == 0 {
			p.mu.Lock()
			p.cleanerRun = false
			p.mu.Unlock()
			return
		}
	}
}

// Stats is a snapshot of the pool's counters.
type Stats struct {
	// Hits pooled streams handed out after passing the probe
	Hits uint64
	// Misses acquisitions that fell through to a fresh connect
	Misses uint64
	// ProbeDead probes that found the peer gone
	ProbeDead uint64
	// ProbeLive probes that passed
	ProbeLive uint64
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Hits:      atomic.LoadUint64(&p.hits),
		Misses:    atomic.LoadUint64(&p.misses),
		ProbeDead: atomic.LoadUint64(&p.probeDead),
		ProbeLive: atomic.LoadUint64(&p.probeLive),
	}
}
