//go:build unix

package connpool

import (
	"golang.org/x/sys/unix"

	"github.com/haxii/fastclient/log"
	"github.com/haxii/fastclient/stream"
)

// isClosed reports whether the peer has closed an idle pooled stream.
// It peeks a single byte off the raw socket with MSG_PEEK so nothing
// is consumed and the TLS record layer is bypassed. The peek is
// non-blocking and returns an immediate verdict. Zero bytes means the
// peer sent FIN; no data pending is the normal keep-alive idle case
// and counts as alive; actual pending bytes also count as alive but
// are logged, since an idle connection should have nothing unread.
// Probe errors are absorbed as "dead" and never propagated.
//
// This is a heuristic. A peer still writing a slow response looks
// identical to an idle-but-alive one; the design accepts that in
// exchange for skipping a round trip before reuse.
func isClosed(s stream.Stream) bool {
	rc, err := s.Raw().SyscallConn()
	if err != nil {
		return true
	}

	var (
		n       int
		peekErr error
		buf     [1]byte
	)
	ctlErr := rc.Read(func(fd uintptr) bool {
		n, _, peekErr = unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		return true
	})
	if ctlErr != nil {
		return true
	}
	if peekErr != nil {
		if peekErr == unix.EAGAIN || peekErr == unix.EWOULDBLOCK {
			// nothing pending, the idle keep-alive case
			return false
		}
		return true
	}
	if n == 0 {
		return true
	}
	log.Warnf("liveness probe: %d unread bytes on an idle connection", n)
	return false
}
