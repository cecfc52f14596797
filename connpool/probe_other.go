//go:build !unix

package connpool

import (
	"github.com/haxii/fastclient/stream"
)

// isClosed has no portable non-consuming peek on this platform, so
// every pooled stream counts as alive and a dead one surfaces as an
// I/O error on the request that reuses it.
func isClosed(s stream.Stream) bool {
	return false
}
