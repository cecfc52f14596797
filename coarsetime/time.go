package coarsetime

import (
	"sync/atomic"
	"time"
)

func init() {
	t := time.Now().Truncate(time.Second)
	current.Store(&t)
	go func() {
		for {
			time.Sleep(time.Second)
			t := time.Now().Truncate(time.Second)
			current.Store(&t)
		}
	}()
}

var current atomic.Value

// Now returns the current time truncated to the nearest second.
//
// This is a faster alternative to time.Now() for the pool's idle
// bookkeeping, where second granularity is plenty.
func Now() time.Time {
	tp := current.Load().(*time.Time)
	return *tp
}
